package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/dirs"
	"github.com/aospa-op5t-derp/android-system-apex/internal/errdefs"
	"github.com/aospa-op5t-derp/android-system-apex/internal/hooks"
	"github.com/aospa-op5t-derp/android-system-apex/internal/selinux"
)

// LinkMode selects how Stage installs a verified package into the
// active directory (§4.6 step 4).
type LinkMode int

const (
	// LinkPreferred hard-links the source into place: atomic, and
	// preserves the source file in its session directory.
	LinkPreferred LinkMode = iota
	// LinkRename moves the source into place and relabels it; the
	// legacy mode. The source no longer remains in its session
	// directory, and like a hard link it only works within one
	// filesystem.
	LinkRename
)

// Engine drives the session state machine and the staging operation,
// wired with the collaborators it needs to verify packages and run
// install hooks.
type Engine struct {
	meta     *Metadata
	parser   apexfile.Parser
	trust    apexfile.TrustStore
	verifier apexfile.Verifier
	executor hooks.Executor
	restorer selinux.Restorer
}

// NewEngine wires an Engine against its collaborators and metadata
// store.
func NewEngine(meta *Metadata, parser apexfile.Parser, trust apexfile.TrustStore, verifier apexfile.Verifier, executor hooks.Executor, restorer selinux.Restorer) *Engine {
	return &Engine{
		meta:     meta,
		parser:   parser,
		trust:    trust,
		verifier: verifier,
		executor: executor,
		restorer: restorer,
	}
}

// SubmitStagedSession implements submit_staged_session (§4.6): verifies
// the single apex in each child session directory (or the session's own
// directory if it has no children), runs the preinstall hook phase, and
// persists a new VERIFIED record.
func (e *Engine) SubmitStagedSession(ctx context.Context, sessionID int, childSessionIDs []int) ([]*apexfile.File, error) {
	dirIDs := childSessionIDs
	if len(dirIDs) == 0 {
		dirIDs = []int{sessionID}
	}

	var files []*apexfile.File
	for _, id := range dirIDs {
		f, err := e.verifyOneSessionDir(id)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	if err := hooks.Dispatch(ctx, e.executor, hooks.Preinstall, files); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrExternalHookFailure, err, "preinstall hook failed for session %d", sessionID)
	}

	record := Record{
		SessionID:      sessionID,
		State:          StateVerified,
		ChildSessionID: childSessionIDs,
	}
	if err := e.meta.Put(record); err != nil {
		return nil, errors.Wrapf(err, "failed to persist session %d", sessionID)
	}

	return files, nil
}

// verifyOneSessionDir locates the single .apex file under
// dirs.SessionDir(id) and verifies it against trusted keys.
func (e *Engine) verifyOneSessionDir(id int) (*apexfile.File, error) {
	sessionDir := dirs.SessionDir(id)
	path, err := findSingleApex(sessionDir)
	if err != nil {
		return nil, err
	}

	f, err := e.parser.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open staged package %q", path)
	}
	if err := e.verifier.Verify(f, e.trust); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIntegrityFailure, err, "failed to verify staged package %q", path)
	}
	return f, nil
}

func findSingleApex(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read session directory %q", dir)
	}

	var apexFiles []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".apex") {
			apexFiles = append(apexFiles, filepath.Join(dir, e.Name()))
		}
	}

	if len(apexFiles) != 1 {
		return "", errdefs.Wrapf(errdefs.ErrSessionState, nil, "session directory %q must contain exactly one .apex file, found %d", dir, len(apexFiles))
	}
	return apexFiles[0], nil
}

// MarkStagedSessionReady implements mark_staged_session_ready: VERIFIED
// to STAGED, a no-op if already STAGED, an error for any other state.
func (e *Engine) MarkStagedSessionReady(sessionID int) error {
	return e.meta.UpdateState(sessionID, func(current State) (State, error) {
		switch current {
		case StateVerified:
			return StateStaged, nil
		case StateStaged:
			return StateStaged, nil
		default:
			return "", errdefs.Wrapf(errdefs.ErrSessionState, nil, "session %d cannot move from %s to %s", sessionID, current, StateStaged)
		}
	})
}

// ScanStagedSessionsAndStage implements scan_staged_sessions_and_stage
// (§4.6), run once at boot after bootstrap/teardown: every STAGED
// session is staged and transitioned to ACTIVATED, or to
// ACTIVATION_FAILED on any error.
func (e *Engine) ScanStagedSessionsAndStage(ctx context.Context) error {
	var records []Record
	if err := e.meta.ForEachInState(StateStaged, func(r Record) error {
		records = append(records, r)
		return nil
	}); err != nil {
		return errors.Wrap(err, "failed to scan staged sessions")
	}

	for _, r := range records {
		if err := e.stageSession(ctx, r); err != nil {
			log.G(ctx).Warnf("session %d failed to activate: %v", r.SessionID, err)
		}
	}
	return nil
}

func (e *Engine) stageSession(ctx context.Context, r Record) (retErr error) {
	defer func() {
		if retErr == nil {
			return
		}
		if err := e.meta.UpdateState(r.SessionID, func(State) (State, error) {
			return StateActivationFailed, nil
		}); err != nil {
			log.G(ctx).Warnf("failed to mark session %d as %s: %v", r.SessionID, StateActivationFailed, err)
		}
	}()

	dirIDs := r.ChildSessionID
	if len(dirIDs) == 0 {
		dirIDs = []int{r.SessionID}
	}

	var paths []string
	var files []*apexfile.File
	for _, id := range dirIDs {
		path, err := findSingleApex(dirs.SessionDir(id))
		if err != nil {
			return err
		}
		f, err := e.parser.Open(path)
		if err != nil {
			return errors.Wrapf(err, "failed to open staged package %q", path)
		}
		paths = append(paths, path)
		files = append(files, f)
	}

	if err := hooks.Dispatch(ctx, e.executor, hooks.Postinstall, files); err != nil {
		return errdefs.Wrapf(errdefs.ErrExternalHookFailure, err, "postinstall hook failed for session %d", r.SessionID)
	}

	if err := e.Stage(paths, LinkPreferred); err != nil {
		return err
	}

	return e.meta.UpdateState(r.SessionID, func(State) (State, error) {
		return StateActivated, nil
	})
}

// RollbackLastSession is a reserved hook for reverting the most
// recently staged session. Unspecified beyond recording intent; this
// repo does not implement unstaging.
func (e *Engine) RollbackLastSession(ctx context.Context) error {
	return errdefs.Wrapf(errdefs.ErrSessionState, nil, "rollback is not implemented")
}

// Stage implements stage(paths, link_mode) (§4.6): verifies every
// package, installs each into the active directory, and prunes
// superseded versions of the names just staged.
func (e *Engine) Stage(paths []string, mode LinkMode) (retErr error) {
	if err := os.MkdirAll(dirs.ActiveApexDir(), 0750); err != nil {
		return errors.Wrapf(err, "failed to create active directory %q", dirs.ActiveApexDir())
	}

	files := make([]*apexfile.File, 0, len(paths))
	for _, p := range paths {
		f, err := e.parser.Open(p)
		if err != nil {
			return errors.Wrapf(err, "failed to open package %q", p)
		}
		if err := e.verifier.Verify(f, e.trust); err != nil {
			return errdefs.Wrapf(errdefs.ErrIntegrityFailure, err, "failed to verify package %q", p)
		}
		files = append(files, f)
	}

	var installed []string
	defer func() {
		if retErr == nil {
			return
		}
		for _, dest := range installed {
			if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
				retErr = errors.Wrapf(retErr, "(additionally failed to remove %q during rollback: %v)", dest, err)
			}
		}
	}()

	touchedNames := make(map[string]struct{})
	destByPath := make(map[string]string, len(files))

	for i, f := range files {
		id := f.ID()
		dest := filepath.Join(dirs.ActiveApexDir(), id.String()+".apex")
		if err := install(paths[i], dest, mode, e.restorer); err != nil {
			return errors.Wrapf(err, "failed to install %q", paths[i])
		}
		installed = append(installed, dest)
		destByPath[dest] = id.Name
		touchedNames[id.Name] = struct{}{}
	}

	return pruneSuperseded(touchedNames, destByPath)
}

func install(src, dest string, mode LinkMode, restorer selinux.Restorer) error {
	switch mode {
	case LinkPreferred:
		if err := os.Link(src, dest); err != nil {
			return err
		}
		return nil
	case LinkRename:
		if err := os.Rename(src, dest); err != nil {
			return err
		}
		return restorer.Restore(dest)
	default:
		return errors.Errorf("unknown link mode %d", mode)
	}
}

// pruneSuperseded removes every .apex in the active directory whose
// package name was touched by this stage call but whose full path is
// not one of the files just installed (§4.6 step 5).
func pruneSuperseded(touchedNames map[string]struct{}, justStaged map[string]string) error {
	entries, err := os.ReadDir(dirs.ActiveApexDir())
	if err != nil {
		return errors.Wrap(err, "failed to read active directory")
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, _, ok := parseActiveFileName(e.Name())
		if !ok {
			continue
		}
		if _, touched := touchedNames[name]; !touched {
			continue
		}

		full := filepath.Join(dirs.ActiveApexDir(), e.Name())
		if _, justWritten := justStaged[full]; justWritten {
			continue
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove superseded package %q", full)
		}
	}
	return nil
}

// parseActiveFileName splits "<name>@<version>.apex" back into name and
// version string.
func parseActiveFileName(base string) (name, version string, ok bool) {
	if !strings.HasSuffix(base, ".apex") {
		return "", "", false
	}
	base = strings.TrimSuffix(base, ".apex")
	parts := strings.SplitN(base, "@", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
