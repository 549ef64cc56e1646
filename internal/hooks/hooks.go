// Package hooks dispatches the pre/post-install hook phases over a set
// of parsed packages (§4.6 "Pre/post-install dispatch"). The executor
// that actually runs a hook — forking a sandboxed child process — is an
// out-of-scope collaborator per §1; this package only decides, given a
// phase and a set of apex files, which of them declare a hook and
// invokes the executor with that set.
package hooks

import (
	"context"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
)

// Phase selects which manifest field names the hook to run.
type Phase int

const (
	Preinstall Phase = iota
	Postinstall
)

// Executor runs a phase's hook for the given packages. The real
// implementation forks a sandboxed child per package and waits for it;
// out of scope here (§1).
type Executor interface {
	Run(ctx context.Context, phase Phase, files []*apexfile.File) error
}

// Dispatch invokes executor on the subset of files that declare a
// non-empty hook for phase. Files with no hook of that kind are simply
// skipped — a no-op dispatch, rather than an error, when none declare
// one.
func Dispatch(ctx context.Context, executor Executor, phase Phase, files []*apexfile.File) error {
	var withHook []*apexfile.File
	for _, f := range files {
		if hookPath(f, phase) != "" {
			withHook = append(withHook, f)
		}
	}
	if len(withHook) == 0 {
		return nil
	}
	return executor.Run(ctx, phase, withHook)
}

func hookPath(f *apexfile.File, phase Phase) string {
	switch phase {
	case Preinstall:
		return f.Manifest.PreinstallHook
	case Postinstall:
		return f.Manifest.PostinstallHook
	default:
		return ""
	}
}
