package verity

import (
	"testing"

	"github.com/containerd/continuity/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
)

func TestVerityTableRendersDocumentedFormat(t *testing.T) {
	info := &apexfile.VerityInfo{
		Descriptor: apexfile.VerityDescriptor{
			ImageSize:       4096 * 10,
			TreeOffset:      4096 * 10,
			DataBlockSize:   4096,
			HashBlockSize:   4096,
			HashAlgorithm:   "sha256",
			DMVerityVersion: 1,
		},
		RootDigest: []byte{0xde, 0xad, 0xbe, 0xef},
		Salt:       []byte{0x01, 0x02},
	}

	table := verityTable("/dev/loop7", info)
	assert.Equal(t, "0 80 verity 1 /dev/loop7 /dev/loop7 4096 4096 10 10 sha256 deadbeef 0102 1 ignore_zero_blocks", table)
}

func TestFullDevicePathPassesThroughAlreadyQualifiedNames(t *testing.T) {
	assert.Equal(t, DevMapperDir+"apex-verity-com.foo", fullDevicePath("apex-verity-com.foo"))
	assert.Equal(t, DevMapperDir+"apex-verity-com.foo", fullDevicePath(DevMapperDir+"apex-verity-com.foo"))
}

func TestStatusOnMissingTargetReportsAbsent(t *testing.T) {
	testutil.RequiresRoot(t)

	present, err := Status("apex-verity-test-does-not-exist")
	assert.NoError(t, err)
	assert.False(t, present)
}

func TestRemoveOnMissingTargetIsNoop(t *testing.T) {
	testutil.RequiresRoot(t)

	assert.NoError(t, Remove("apex-verity-test-does-not-exist"))
}
