package dirs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionedMountPoint(t *testing.T) {
	old := GlobalRootDir
	GlobalRootDir = "/"
	defer func() { GlobalRootDir = old }()

	assert.Equal(t, "/apex/com.foo@3", VersionedMountPoint("com.foo", 3))
	assert.Equal(t, "/apex/com.foo", LatestMountPoint("com.foo"))
}

func TestSessionDir(t *testing.T) {
	old := GlobalRootDir
	GlobalRootDir = "/"
	defer func() { GlobalRootDir = old }()

	assert.Equal(t, "/data/apex/sessions/session_7", SessionDir(7))
}

func TestIsUnderSystemPartition(t *testing.T) {
	old := GlobalRootDir
	GlobalRootDir = "/"
	defer func() { GlobalRootDir = old }()

	assert.True(t, IsUnderSystemPartition("/system/apex/com.foo.apex"))
	assert.True(t, IsUnderSystemPartition("/product/apex/com.foo"))
	assert.False(t, IsUnderSystemPartition("/data/apex/active/com.foo@1.apex"))
}
