package loop

import (
	"os"
	"testing"

	"github.com/containerd/continuity/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aospa-op5t-derp/android-system-apex/internal/config"
)

func createBackingFile(t *testing.T) string {
	t.Helper()

	f, err := os.CreateTemp("", "apex-loop-test")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(1<<20))
	return f.Name()
}

func TestCreateNonExistingBackingFile(t *testing.T) {
	testutil.RequiresRoot(t)

	_, err := Create(config.Default(), Params{BackingFile: "no-such-apex-image", Tag: "test"})
	assert.Error(t, err)
}

func TestCreateAndDestroyRoundTrip(t *testing.T) {
	testutil.RequiresRoot(t)

	backing := createBackingFile(t)
	defer os.Remove(backing)

	binding, err := Create(config.Default(), Params{BackingFile: backing, Tag: "round-trip"})
	require.NoError(t, err)

	tag, ok, err := readTag(binding.Path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TagPrefix+"round-trip", tag)

	require.NoError(t, binding.Destroy())

	_, ok, err = readTag(binding.Path)
	require.NoError(t, err)
	assert.False(t, ok, "device should report detached after Destroy")
}

func TestReleaseDisarmsDestroy(t *testing.T) {
	testutil.RequiresRoot(t)

	backing := createBackingFile(t)
	defer os.Remove(backing)

	binding, err := Create(config.Default(), Params{BackingFile: backing, Tag: "release"})
	require.NoError(t, err)
	binding.Release()
	require.NoError(t, binding.Destroy())

	tag, ok, err := readTag(binding.Path)
	require.NoError(t, err)
	require.True(t, ok, "Destroy after Release must not detach the device")
	assert.Equal(t, TagPrefix+"release", tag)

	require.NoError(t, detach(binding.Path))
}

func TestDestroyOnMissingDeviceIsNoop(t *testing.T) {
	assert.NoError(t, Destroy("/dev/apex-loop-does-not-exist"))
}
