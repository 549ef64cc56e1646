package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/apextest"
	"github.com/aospa-op5t-derp/android-system-apex/internal/dirs"
	"github.com/aospa-op5t-derp/android-system-apex/internal/selinux"
)

func setupTestRoot(t *testing.T) {
	t.Helper()
	old := dirs.GlobalRootDir
	dirs.GlobalRootDir = t.TempDir()
	t.Cleanup(func() { dirs.GlobalRootDir = old })
}

func writeSessionApex(t *testing.T, sessionID int, name string) string {
	t.Helper()
	dir := dirs.SessionDir(sessionID)
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name+".apex")
	require.NoError(t, os.WriteFile(path, []byte("image"), 0644))
	return path
}

func newTestEngine(t *testing.T, parser *apextest.FakeParser, executor *apextest.FakeExecutor) *Engine {
	t.Helper()
	meta, err := OpenMetadata(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	return NewEngine(meta, parser, apextest.FakeTrustStore{}, apextest.FakeVerifier{}, executor, selinux.NoopRestorer{})
}

func TestSubmitStagedSessionPersistsVerified(t *testing.T) {
	setupTestRoot(t)

	path := writeSessionApex(t, 42, "com.foo@1")
	parser := apextest.NewFakeParser()
	parser.Add(path, &apexfile.File{Path: path, Manifest: apexfile.Manifest{Name: "com.foo", Version: 1}})

	executor := &apextest.FakeExecutor{}
	e := newTestEngine(t, parser, executor)

	files, err := e.SubmitStagedSession(context.Background(), 42, nil)
	require.NoError(t, err)
	assert.Len(t, files, 1)

	record, err := e.meta.Get(42)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, record.State)
}

func TestMarkStagedSessionReadyIdempotent(t *testing.T) {
	setupTestRoot(t)

	path := writeSessionApex(t, 1, "com.foo@1")
	parser := apextest.NewFakeParser()
	parser.Add(path, &apexfile.File{Path: path, Manifest: apexfile.Manifest{Name: "com.foo", Version: 1}})

	e := newTestEngine(t, parser, &apextest.FakeExecutor{})

	_, err := e.SubmitStagedSession(context.Background(), 1, nil)
	require.NoError(t, err)

	require.NoError(t, e.MarkStagedSessionReady(1))
	require.NoError(t, e.MarkStagedSessionReady(1))

	record, err := e.meta.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StateStaged, record.State)
}

func TestMarkStagedSessionReadyRejectsIllegalTransition(t *testing.T) {
	setupTestRoot(t)

	meta, err := OpenMetadata(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer meta.Close()
	require.NoError(t, meta.Put(Record{SessionID: 5, State: StateActivated}))

	e := NewEngine(meta, apextest.NewFakeParser(), apextest.FakeTrustStore{}, apextest.FakeVerifier{}, &apextest.FakeExecutor{}, selinux.NoopRestorer{})

	assert.Error(t, e.MarkStagedSessionReady(5))
}

func TestStageSupersedesOldVersion(t *testing.T) {
	setupTestRoot(t)

	require.NoError(t, os.MkdirAll(dirs.ActiveApexDir(), 0750))
	oldPath := filepath.Join(dirs.ActiveApexDir(), "com.bar@1.apex")
	require.NoError(t, os.WriteFile(oldPath, []byte("old"), 0644))

	newSrc := writeSessionApex(t, 7, "com.bar@2")
	parser := apextest.NewFakeParser()
	parser.Add(newSrc, &apexfile.File{Path: newSrc, Manifest: apexfile.Manifest{Name: "com.bar", Version: 2}})

	e := newTestEngine(t, parser, &apextest.FakeExecutor{})

	require.NoError(t, e.Stage([]string{newSrc}, LinkPreferred))

	assert.FileExists(t, filepath.Join(dirs.ActiveApexDir(), "com.bar@2.apex"))
	assert.NoFileExists(t, oldPath)
}

func TestStageRollsBackPartialInstallOnFailure(t *testing.T) {
	setupTestRoot(t)

	// Two distinct session directories that both resolve to the same
	// package identifier: the second install attempt fails because the
	// destination already exists, and the first install must be
	// unwound rather than left behind (§4.6 step 4).
	src1 := writeSessionApex(t, 20, "com.a@1")
	src2 := writeSessionApex(t, 21, "com.a@1-dup")

	parser := apextest.NewFakeParser()
	manifest := apexfile.Manifest{Name: "com.a", Version: 1}
	parser.Add(src1, &apexfile.File{Path: src1, Manifest: manifest})
	parser.Add(src2, &apexfile.File{Path: src2, Manifest: manifest})

	e := newTestEngine(t, parser, &apextest.FakeExecutor{})

	err := e.Stage([]string{src1, src2}, LinkPreferred)
	require.Error(t, err)

	assert.NoFileExists(t, filepath.Join(dirs.ActiveApexDir(), "com.a@1.apex"))
}
