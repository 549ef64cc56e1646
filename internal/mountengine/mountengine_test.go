package mountengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/continuity/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/config"
)

func TestMountPackageFlattenedBindMountsDirectory(t *testing.T) {
	testutil.RequiresRoot(t)

	source := t.TempDir()
	marker := filepath.Join(source, "etc", "marker")
	require.NoError(t, os.MkdirAll(filepath.Dir(marker), 0755))
	require.NoError(t, os.WriteFile(marker, []byte("hi"), 0644))

	target := filepath.Join(t.TempDir(), "mnt")
	f := &apexfile.File{Path: source, IsFlattened: true}

	m, err := MountPackage(config.Default(), f, "unused", target)
	require.NoError(t, err)
	defer m.Unmount()

	assert.FileExists(t, filepath.Join(target, "etc", "marker"))
	assert.Empty(t, m.LoopPath())
	assert.Empty(t, m.VerityName())
}

func TestUnmountIsIdempotent(t *testing.T) {
	testutil.RequiresRoot(t)

	source := t.TempDir()
	target := filepath.Join(t.TempDir(), "mnt")
	f := &apexfile.File{Path: source, IsFlattened: true}

	m, err := MountPackage(config.Default(), f, "unused", target)
	require.NoError(t, err)

	require.NoError(t, m.Unmount())
	require.NoError(t, m.Unmount(), "a second Unmount call must be a no-op, not an error")
}
