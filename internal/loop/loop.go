// Package loop manages kernel loop devices: attaching a package image's
// backing region as a block device, tagging it so the daemon can
// recognize and reclaim its own devices, and tuning the device for
// sequential dm-verity/ext4 access (§4.1).
//
// The ioctl sequence follows util-linux/include/loopdev.h, the same
// source mount/losetup_linux.go in this module's history was built
// against; unlike that file, loop_info64 is laid out field-by-field here
// because the crypt-name field carries the tag this package reads back
// in Destroy and DestroyAllTagged.
package loop

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/aospa-op5t-derp/android-system-apex/internal/config"
	"github.com/aospa-op5t-derp/android-system-apex/internal/dirs"
)

func uintptrOf(info *loopInfo64) uintptr {
	return uintptr(unsafe.Pointer(info))
}

func uintptrOfInt(n int) uintptr {
	return uintptr(n)
}

const (
	loopControlPath = "/dev/loop-control"
	loopDevFormat   = "/dev/loop%d"

	// ioctlSetFd et al., per util-linux/include/loopdev.h.
	ioctlSetFd       = 0x4C00
	ioctlClrFd       = 0x4C01
	ioctlSetStatus64 = 0x4C04
	ioctlGetStatus64 = 0x4C05
	ioctlSetBlockSize = 0x4C09
	ioctlGetFree     = 0x4C82

	loFlagsAutoclear = 4
	loFlagsDirectIO  = 16

	blkFlsBuf  = 0x1261

	nameSize = 64
	keySize  = 32

	// TagPrefix marks a loop device as owned by this daemon (§6).
	TagPrefix = "apex:"

	// maxAttempts bounds retries on the free-device race described in
	// losetup(8): a device reported free by LOOP_CTL_GET_FREE can be
	// claimed by another process before this one finishes SET_FD.
	maxAttempts = 3

	directIOBlockSize = 4096
)

// loopInfo64 mirrors struct loop_info64.
type loopInfo64 struct {
	device         uint64
	inode          uint64
	rdevice        uint64
	offset         uint64
	sizelimit      uint64
	number         uint32
	encryptType    uint32
	encryptKeySize uint32
	flags          uint32
	fileName       [nameSize]byte
	cryptName      [nameSize]byte
	encryptKey     [keySize]byte
	init           [2]uint64
}

func ioctl(fd, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// Params describes the region of backingFile to expose as a loop device
// (§4.1).
type Params struct {
	BackingFile string
	Offset      uint64
	SizeLimit   uint64
	// Tag is appended to TagPrefix and stored in lo_crypt_name, bounded
	// to nameSize-1 bytes.
	Tag string
}

// Binding is a live loop device attachment. It is acquired in the
// "destroy unless released" style used throughout this repo's resource
// handles: a caller that fails before committing the binding to a
// longer-lived owner must call Destroy; a caller that hands the device
// off successfully calls Release so Destroy becomes a no-op.
type Binding struct {
	Path string

	released bool
}

// Release disarms Destroy. Call it once the loop device has been handed
// to its next owner (a verity target or a direct ext4 mount).
func (b *Binding) Release() {
	b.released = true
}

// Destroy clears the loop device's backing fd, detaching it. A no-op
// after Release.
func (b *Binding) Destroy() error {
	if b.released {
		return nil
	}
	return detach(b.Path)
}

// Create attaches params.BackingFile to a free loop device and returns a
// Binding for it. Up to three attempts are made to win the race against
// other loop device consumers on the free-device slot (§4.1).
func Create(cfg *config.Config, params Params) (*Binding, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		path, err := attachOnce(cfg, params)
		if err != nil {
			if errors.Is(err, unix.EBUSY) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return &Binding{Path: path}, nil
	}
	return nil, errors.Wrapf(lastErr, "failed to attach loop device for %q after %d attempts", params.BackingFile, maxAttempts)
}

func attachOnce(cfg *config.Config, params Params) (string, error) {
	num, err := getFreeDevice()
	if err != nil {
		return "", err
	}
	loopPath := sprintfLoopDev(num)

	backing, err := os.OpenFile(params.BackingFile, os.O_RDWR, 0)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open backing file %q", params.BackingFile)
	}
	defer backing.Close()

	loopFile, err := os.OpenFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open loop device %q", loopPath)
	}
	defer loopFile.Close()

	if err := ioctl(loopFile.Fd(), ioctlSetFd, backing.Fd()); err != nil {
		return "", errors.Wrapf(err, "failed to set loop fd on %q", loopPath)
	}

	info := loopInfo64{
		offset:    params.Offset,
		sizelimit: params.SizeLimit,
	}
	copy(info.fileName[:], params.BackingFile)
	copy(info.cryptName[:nameSize-1], TagPrefix+params.Tag)

	if err := ioctl(loopFile.Fd(), ioctlSetStatus64, uintptrOf(&info)); err != nil {
		ioctl(loopFile.Fd(), ioctlClrFd, 0)
		return "", errors.Wrapf(err, "failed to set loop info on %q", loopPath)
	}

	// Buffer cache flush is mandatory: without it, stale pages from a
	// previous occupant of this loop number can surface as corrupt
	// reads through the freshly attached backing file (§4.1).
	if err := ioctl(loopFile.Fd(), blkFlsBuf, 0); err != nil {
		ioctl(loopFile.Fd(), ioctlClrFd, 0)
		return "", errors.Wrapf(err, "failed to flush buffer cache on %q", loopPath)
	}

	if err := ioctl(loopFile.Fd(), ioctlSetBlockSize, uintptrOfInt(directIOBlockSize)); err != nil {
		logWarn("failed to set %d-byte logical block size on %s: %v", directIOBlockSize, loopPath, err)
	}

	info.flags |= loFlagsDirectIO
	if err := ioctl(loopFile.Fd(), ioctlSetStatus64, uintptrOf(&info)); err != nil {
		logWarn("failed to enable direct I/O on %s: %v", loopPath, err)
	}

	if cfg.LoopReadAheadBytes > 0 {
		if err := setReadAhead(num, cfg.LoopReadAheadBytes); err != nil {
			logWarn("failed to set read-ahead on loop%d: %v", num, err)
		}
	}

	return loopPath, nil
}

func getFreeDevice() (uint32, error) {
	ctrl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open %q", loopControlPath)
	}
	defer ctrl.Close()

	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, ctrl.Fd(), ioctlGetFree, 0)
	if errno != 0 {
		return 0, errors.Wrap(errno, "failed to allocate a free loop device")
	}
	return uint32(r1), nil
}

// detach clears a loop device's backing fd, regardless of its tag. It is
// only called through Binding.Destroy and DestroyAllTagged, both of
// which have already established ownership.
func detach(loopPath string) error {
	f, err := os.Open(loopPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to open %q for detach", loopPath)
	}
	defer f.Close()

	if err := ioctl(f.Fd(), ioctlClrFd, 0); err != nil {
		if errors.Is(err, unix.ENXIO) {
			// Already detached.
			return nil
		}
		return errors.Wrapf(err, "failed to clear loop fd on %q", loopPath)
	}
	return nil
}

// Destroy implements the tag-checked destroy_loop(path) operation from
// §4.1: it detaches loopPath only if the device is tagged as owned by
// this daemon, so a stray path never tears down someone else's loop.
// Used by deactivate's selective teardown (§9, selective form).
func Destroy(loopPath string) error {
	tag, ok, err := readTag(loopPath)
	if err != nil {
		return err
	}
	if !ok || !strings.HasPrefix(tag, TagPrefix) {
		return nil
	}
	return detach(loopPath)
}

// DestroyAllTagged scans /dev/block/loop* (under cfg's root) and tears
// down every device whose lo_crypt_name begins with TagPrefix. Used at
// bootstrap to reclaim devices left behind by a prior daemon instance
// that crashed mid-mount (§4.7).
func DestroyAllTagged(cfg *config.Config) error {
	matches, err := filepath.Glob(filepath.Join(dirs.GlobalRootDir, "dev/block/loop*"))
	if err != nil {
		return errors.Wrap(err, "failed to enumerate loop devices")
	}
	sort.Strings(matches)

	for _, path := range matches {
		tag, ok, err := readTag(path)
		if err != nil {
			logWarn("failed to read loop device tag for %s: %v", path, err)
			continue
		}
		if !ok || !strings.HasPrefix(tag, TagPrefix) {
			continue
		}
		if err := detach(path); err != nil {
			return errors.Wrapf(err, "failed to detach tagged loop device %q", path)
		}
	}
	return nil
}

func readTag(loopPath string) (string, bool, error) {
	f, err := os.Open(loopPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()

	var info loopInfo64
	if err := ioctl(f.Fd(), ioctlGetStatus64, uintptrOf(&info)); err != nil {
		if errors.Is(err, unix.ENXIO) {
			// Not attached.
			return "", false, nil
		}
		return "", false, err
	}

	return cString(info.cryptName[:]), true, nil
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func setReadAhead(num uint32, bytes int64) error {
	kb := bytes / 1024
	if kb <= 0 {
		kb = 1
	}
	path := filepath.Join("/sys/block", "loop"+strconv.FormatUint(uint64(num), 10), "queue", "read_ahead_kb")
	return os.WriteFile(path, []byte(strconv.FormatInt(kb, 10)), 0644)
}

func sprintfLoopDev(num uint32) string {
	return filepath.Join(dirs.GlobalRootDir, "dev", "loop"+strconv.FormatUint(uint64(num), 10))
}

var logWarn = func(format string, args ...interface{}) {
	// Replaced by SetLogger at daemon startup; defaults to silent so
	// unit tests don't need a logger wired up.
}

// SetLogger installs the warning sink used for best-effort tuning
// failures. The daemon wires this to log.G(ctx).Warnf at startup.
func SetLogger(fn func(format string, args ...interface{})) {
	logWarn = fn
}
