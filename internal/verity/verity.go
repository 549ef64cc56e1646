// Package verity manages dm-verity targets over a package's loop device,
// wrapping the dmsetup(8) CLI the same way
// snapshots/devmapper/dmsetup wraps it for thin-pool targets (§4.2). A
// verity target is created over an already-attached loop device and
// authenticates every read against the root digest and salt the
// package's manifest carries.
package verity

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	exec "golang.org/x/sys/execabs"
	"golang.org/x/sys/unix"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
)

const (
	// DevMapperDir is where dm targets appear once created, mirroring
	// snapshots/devmapper/dmsetup.DevMapperDir.
	DevMapperDir = "/dev/mapper/"

	sectorSize = 512
)

// Target describes an active dm-verity mapping.
type Target struct {
	Name string

	released bool
}

// Release disarms Remove. Call it once the target has been handed to
// its next owner (the ext4 mount).
func (t *Target) Release() {
	t.released = true
}

// Remove tears down the target, ignoring "no such device" (the target
// may already have been removed by a racing teardown). No-op after
// Release.
func (t *Target) Remove() error {
	if t.released {
		return nil
	}
	return remove(t.Name)
}

// Path returns the /dev/mapper path for the target.
func (t *Target) Path() string {
	return fullDevicePath(t.Name)
}

// Remove tears down a verity target by name without requiring a live
// Target handle, for callers (deactivate) that only recorded the name.
func Remove(deviceName string) error {
	return remove(deviceName)
}

// Create builds and activates a verity target named deviceName over
// dataDevice, authenticated against desc/rootDigest/salt (§4.2). Any
// existing target with the same name is removed first: a stale
// dm-verity device surviving a crashed prior activation must never be
// reused, since its table may not match the package now being
// activated.
func Create(deviceName, dataDevice string, info *apexfile.VerityInfo) (*Target, error) {
	if err := remove(deviceName); err != nil && !errors.Is(err, unix.ENXIO) {
		return nil, errors.Wrapf(err, "failed to remove stale verity target %q", deviceName)
	}

	table := verityTable(dataDevice, info)
	if _, err := dmsetup("create", deviceName, "--readonly", "--table", table); err != nil {
		return nil, errors.Wrapf(err, "failed to create verity target %q", deviceName)
	}

	return &Target{Name: deviceName}, nil
}

// verityTable renders the dm-verity target line (see
// Documentation/admin-guide/device-mapper/verity.rst):
//
//	<version> <data_dev> <hash_dev> <data_block_size> <hash_block_size>
//	<num_data_blocks> <hash_start_block> <algorithm> <digest> <salt>
//	<#opt_params> <opt_params...>
//
// The hash tree is embedded in the same image as the data region, at
// TreeOffset, so data_dev and hash_dev are the same device and
// hash_start_block is TreeOffset/hash_block_size. The single optional
// parameter, ignore_zero_blocks, is mandatory per §4.2.
func verityTable(dataDevice string, info *apexfile.VerityInfo) string {
	d := info.Descriptor
	numDataBlocks := d.ImageSize / uint64(d.DataBlockSize)
	hashStartBlock := d.TreeOffset / uint64(d.HashBlockSize)

	return fmt.Sprintf("0 %d verity %d %s %s %d %d %d %d %s %s %s 1 ignore_zero_blocks",
		numDataBlocks*uint64(d.DataBlockSize)/sectorSize,
		d.DMVerityVersion,
		dataDevice,
		dataDevice,
		d.DataBlockSize,
		d.HashBlockSize,
		numDataBlocks,
		hashStartBlock,
		d.HashAlgorithm,
		hexEncode(info.RootDigest),
		hexEncode(info.Salt),
	)
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}

func remove(deviceName string) error {
	_, err := dmsetup("remove", "--deferred", fullDevicePath(deviceName))
	if errors.Is(err, unix.ENXIO) {
		return nil
	}
	return err
}

func fullDevicePath(deviceName string) string {
	if strings.HasPrefix(deviceName, DevMapperDir) {
		return deviceName
	}
	return DevMapperDir + deviceName
}

func dmsetup(args ...string) (string, error) {
	data, err := exec.Command("dmsetup", args...).CombinedOutput()
	output := strings.TrimSpace(string(data))
	if err != nil {
		if errno, ok := tryGetUnixError(output); ok {
			return "", errno
		}
		return "", errors.Wrapf(err, "dmsetup %s: %s", strings.Join(args, " "), output)
	}
	return output, nil
}

var errTable = buildErrTable()

func buildErrTable() map[string]unix.Errno {
	m := make(map[string]unix.Errno)
	for errno := unix.EPERM; errno <= unix.EHWPOISON; errno++ {
		m[errno.Error()] = errno
	}
	return m
}

func tryGetUnixError(output string) (unix.Errno, bool) {
	for text, errno := range errTable {
		if strings.Contains(output, text) {
			return errno, true
		}
	}
	return 0, false
}

// Status reports whether a target is present.
func Status(deviceName string) (present bool, err error) {
	_, err = dmsetup("status", fullDevicePath(deviceName))
	if err != nil {
		if errno, ok := err.(unix.Errno); ok && errno == unix.ENXIO {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SetReadAhead tunes a verity target's block device read-ahead window
// (§4.3 step 4), the same tuning loop.Create applies to the loop device
// underneath it. Best effort: callers should log, not fail, on a
// non-nil return.
func SetReadAhead(deviceName string, bytes int64) error {
	kb := bytes / 1024
	if kb <= 0 {
		kb = 1
	}

	major, minor, err := deviceNumbers(deviceName)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/sys/dev/block/%d:%d/queue/read_ahead_kb", major, minor)
	return os.WriteFile(path, []byte(strconv.FormatInt(kb, 10)), 0644)
}

// deviceNumbers resolves deviceName's major:minor device number through
// dmsetup, rather than assuming /dev/mapper/<name> is a udev-created
// symlink to /dev/dm-N: apexd's target hosts have no udev.
func deviceNumbers(deviceName string) (major, minor int, err error) {
	out, err := dmsetup("info", "-c", "--noheadings", "-o", "devno", fullDevicePath(deviceName))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to query device number for %q", deviceName)
	}

	parts := strings.SplitN(strings.TrimSpace(out), ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("unexpected dmsetup devno output %q", out)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid major number in %q", out)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid minor number in %q", out)
	}
	return major, minor, nil
}
