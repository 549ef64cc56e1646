package config

import (
	"os"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.EqualValues(t, 128*1024, c.LoopReadAheadBytes)
	assert.Equal(t, "50ms", c.MountRetryDelay)
	require.NoError(t, c.Validate())
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	c, err := Load(t.TempDir() + "/does-not-exist.toml")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadParsesOverrides(t *testing.T) {
	expected := Config{
		GlobalRootDir:   "/tmp/apex-test",
		VerityOnSystem:  true,
		LoopReadAhead:   "256KiB",
		MountRetryDelay: "100ms",
	}

	file, err := os.CreateTemp(t.TempDir(), "apexd-config-")
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })

	require.NoError(t, toml.NewEncoder(file).Encode(&expected))

	loaded, err := Load(file.Name())
	require.NoError(t, err)

	assert.Equal(t, expected.GlobalRootDir, loaded.GlobalRootDir)
	assert.True(t, loaded.VerityOnSystem)
	assert.EqualValues(t, 256*1024, loaded.LoopReadAheadBytes)
	assert.Equal(t, 100_000_000, int(loaded.MountRetryDelayDuration))
}

func TestValidateRejectsNonPositiveValues(t *testing.T) {
	c := Default()
	c.LoopReadAheadBytes = 0
	assert.Error(t, c.Validate())
}
