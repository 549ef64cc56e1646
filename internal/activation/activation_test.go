package activation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/continuity/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/apextest"
	"github.com/aospa-op5t-derp/android-system-apex/internal/config"
	"github.com/aospa-op5t-derp/android-system-apex/internal/dirs"
	"github.com/aospa-op5t-derp/android-system-apex/internal/registry"
)

// Flattened packages need no loop device or verity target, only a bind
// mount, so these tests exercise the registry/latest bookkeeping in
// Activate/Deactivate without a real apex image. Bind mounting still
// requires CAP_SYS_ADMIN.

func flattenedPackage(t *testing.T, name string, version uint64) (path string, f *apexfile.File) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0755))
	return dir, &apexfile.File{
		Path:        dir,
		IsFlattened: true,
		Manifest:    apexfile.Manifest{Name: name, Version: version},
	}
}

func newTestController(t *testing.T, parser *apextest.FakeParser) *Controller {
	t.Helper()
	old := dirs.GlobalRootDir
	dirs.GlobalRootDir = t.TempDir()
	t.Cleanup(func() { dirs.GlobalRootDir = old })

	return New(config.Default(), registry.New(), parser, apextest.FakeTrustStore{}, apextest.FakeVerifier{})
}

func TestActivateSingleVersionBecomesLatest(t *testing.T) {
	testutil.RequiresRoot(t)

	parser := apextest.NewFakeParser()
	path, f := flattenedPackage(t, "com.foo", 1)
	parser.Add(path, f)

	c := newTestController(t, parser)
	require.NoError(t, c.Activate(context.Background(), path))
	t.Cleanup(func() { c.Deactivate(context.Background(), path) })

	ids := c.GetActivePackages()
	require.Len(t, ids, 1)
	assert.Equal(t, f.ID(), ids[0])
}

func TestActivateLowerVersionCoMountDoesNotBecomeLatest(t *testing.T) {
	testutil.RequiresRoot(t)

	parser := apextest.NewFakeParser()
	newPath, newFile := flattenedPackage(t, "com.foo", 2)
	oldPath, oldFile := flattenedPackage(t, "com.foo", 1)
	parser.Add(newPath, newFile)
	parser.Add(oldPath, oldFile)

	c := newTestController(t, parser)
	require.NoError(t, c.Activate(context.Background(), newPath))
	t.Cleanup(func() { c.Deactivate(context.Background(), newPath) })

	require.NoError(t, c.Activate(context.Background(), oldPath))
	t.Cleanup(func() { c.Deactivate(context.Background(), oldPath) })

	latest, ok := c.reg.Latest("com.foo")
	require.True(t, ok)
	assert.EqualValues(t, 2, latest.ID.Version, "a lower version activated after the latest must not repoint it")
}

func TestActivateSameVersionTwiceFails(t *testing.T) {
	testutil.RequiresRoot(t)

	parser := apextest.NewFakeParser()
	path, f := flattenedPackage(t, "com.foo", 1)
	parser.Add(path, f)

	c := newTestController(t, parser)
	require.NoError(t, c.Activate(context.Background(), path))
	t.Cleanup(func() { c.Deactivate(context.Background(), path) })

	assert.Error(t, c.Activate(context.Background(), path))
}

func TestDeactivateRemovesRegistryRecord(t *testing.T) {
	testutil.RequiresRoot(t)

	parser := apextest.NewFakeParser()
	path, f := flattenedPackage(t, "com.foo", 1)
	parser.Add(path, f)

	c := newTestController(t, parser)
	require.NoError(t, c.Activate(context.Background(), path))
	require.NoError(t, c.Deactivate(context.Background(), path))

	assert.Empty(t, c.GetActivePackages())
}

func TestDeactivateUnknownPackageFails(t *testing.T) {
	parser := apextest.NewFakeParser()
	path, f := flattenedPackage(t, "com.foo", 1)
	parser.Add(path, f)

	c := newTestController(t, parser)
	assert.Error(t, c.Deactivate(context.Background(), path))
}
