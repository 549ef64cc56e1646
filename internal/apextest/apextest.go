// Package apextest collects fakes for the collaborator interfaces the
// core depends on but does not implement (§1): package parsing, trust,
// verification, and hook execution. Used across this repo's tests so
// each package's tests don't redefine the same small fakes.
package apextest

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/hooks"
)

// FakeParser resolves paths to pre-registered *apexfile.File values,
// for tests that don't need a real on-disk package format.
type FakeParser struct {
	Files map[string]*apexfile.File
}

func NewFakeParser() *FakeParser {
	return &FakeParser{Files: make(map[string]*apexfile.File)}
}

func (p *FakeParser) Add(path string, f *apexfile.File) {
	p.Files[path] = f
}

func (p *FakeParser) Open(path string) (*apexfile.File, error) {
	f, ok := p.Files[path]
	if !ok {
		return nil, errors.Errorf("apextest: no fake package registered for %q", path)
	}
	return f, nil
}

// FakeTrustStore always succeeds; tests that need verification failures
// pair it with FakeVerifier.AlwaysFail instead.
type FakeTrustStore struct{}

func (FakeTrustStore) PublicKey(packageName string) ([]byte, error) {
	return []byte("test-key:" + packageName), nil
}

// FakeVerifier either always succeeds or always fails, set by
// AlwaysFail.
type FakeVerifier struct {
	AlwaysFail bool
}

func (v FakeVerifier) Verify(f *apexfile.File, trust apexfile.TrustStore) error {
	if v.AlwaysFail {
		return errors.Errorf("apextest: verification forced to fail for %q", f.Manifest.Name)
	}
	return nil
}

// FakeExecutor records every hook dispatch it receives instead of
// forking a child process.
type FakeExecutor struct {
	mu    sync.Mutex
	Calls []FakeExecutorCall
	Fail  bool
}

type FakeExecutorCall struct {
	Phase hooks.Phase
	Files []*apexfile.File
}

func (e *FakeExecutor) Run(ctx context.Context, phase hooks.Phase, files []*apexfile.File) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, FakeExecutorCall{Phase: phase, Files: files})
	if e.Fail {
		return errors.New("apextest: hook forced to fail")
	}
	return nil
}
