// Package mountengine turns a parsed package and its verity metadata
// into a live, read-only mount of its ext4 image at a version-specific
// mount point (§4.3). It composes the loop and verity packages: a
// non-flattened package is attached to a loop device, optionally wrapped
// in a verity target, and the resulting block device (loop or verity) is
// mounted; a flattened package has no block device at all and is
// exposed as a bind mount of its on-disk directory.
package mountengine

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/config"
	"github.com/aospa-op5t-derp/android-system-apex/internal/loop"
	"github.com/aospa-op5t-derp/android-system-apex/internal/verity"
)

const maxMountRetries = 5

// Mount is a live mount produced by MountPackage: the mount point plus
// whatever block devices back it, kept so Unmount can tear everything
// down in reverse order.
type Mount struct {
	Target string

	loopBinding *loop.Binding
	verityDev   *verity.Target

	unmounted bool
}

// LoopPath returns the backing loop device path, or "" for a flattened
// package's bind mount.
func (m *Mount) LoopPath() string {
	if m.loopBinding == nil {
		return ""
	}
	return m.loopBinding.Path
}

// VerityName returns the dm-verity target name, or "" if this mount has
// no verity layer.
func (m *Mount) VerityName() string {
	if m.verityDev == nil {
		return ""
	}
	return m.verityDev.Name
}

// MountPackage mounts f at target (§4.3). deviceName identifies the
// verity target when f carries verity metadata and is also the loop
// device tag; the activation controller passes f.ID().String() as is.
//
// On any failure after partial setup, everything already attached is
// unwound before returning, following the same "defer the rollback,
// arm it on any non-nil retErr" shape used for thin-device creation in
// this repo's history.
func MountPackage(cfg *config.Config, f *apexfile.File, deviceName, target string) (m *Mount, retErr error) {
	if f.IsFlattened {
		return bindMountDirectory(f.Path, target)
	}

	binding, err := loop.Create(cfg, loop.Params{
		BackingFile: f.Path,
		Offset:      uint64(f.ImageOffset),
		SizeLimit:   uint64(f.ImageSize),
		Tag:         deviceName,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to attach loop device for %q", f.Path)
	}
	defer func() {
		if retErr != nil {
			binding.Destroy()
		}
	}()

	dataDevice := binding.Path
	var verityTarget *verity.Target
	if f.Verity != nil {
		vt, err := verity.Create(deviceName, dataDevice, f.Verity)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create verity target for %q", f.Path)
		}
		defer func() {
			if retErr != nil {
				vt.Remove()
			}
		}()
		verityTarget = vt
		dataDevice = vt.Path()
	}

	if verityTarget != nil && cfg.LoopReadAheadBytes > 0 {
		if err := verity.SetReadAhead(deviceName, cfg.LoopReadAheadBytes); err != nil {
			logWarn("failed to set read-ahead on verity target %s: %v", deviceName, err)
		}
	}

	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create mount point %q", target)
	}
	defer func() {
		if retErr != nil {
			os.Remove(target)
		}
	}()

	if err := mountBlockDevice(cfg, dataDevice, target); err != nil {
		return nil, errors.Wrapf(err, "failed to mount %q at %q", dataDevice, target)
	}

	binding.Release()
	if verityTarget != nil {
		verityTarget.Release()
	}

	return &Mount{Target: target, loopBinding: binding, verityDev: verityTarget}, nil
}

func bindMountDirectory(source, target string) (*Mount, error) {
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create mount point %q", target)
	}
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return nil, errors.Wrapf(err, "failed to bind mount %q at %q", source, target)
	}
	return &Mount{Target: target}, nil
}

// ext4MountFlags implements §4.3 step 5: read-only, no access-time
// updates, no device files, and synchronous directory metadata writes.
const ext4MountFlags = unix.MS_RDONLY | unix.MS_NOATIME | unix.MS_NODEV | unix.MS_DIRSYNC

// mountBlockDevice mounts an ext4 filesystem, retrying a fixed number of
// times with a fixed delay on EBUSY (the kernel's hold on a just-closed
// loop or verity device is expected to clear quickly) and on
// ENOENT/ENXIO (the device node may not yet have been created by the
// userspace uevent handler when the verity/loop device was only just
// activated).
func mountBlockDevice(cfg *config.Config, source, target string) error {
	var lastErr error
	for i := 0; i < maxMountRetries; i++ {
		err := unix.Mount(source, target, "ext4", ext4MountFlags, "")
		if err == nil {
			return nil
		}
		if err != unix.EBUSY && err != unix.ENOENT && err != unix.ENXIO {
			return err
		}
		lastErr = err
		time.Sleep(cfg.MountRetryDelayDuration)
	}
	return errors.Wrapf(lastErr, "mount still busy after %d attempts", maxMountRetries)
}

// Unmount tears down the mount and every block device layered beneath
// it (verity, then loop), in that order. Safe to call more than once.
func (m *Mount) Unmount() error {
	if m.unmounted {
		return nil
	}
	m.unmounted = true

	if err := unmountRetry(m.Target); err != nil && err != unix.EINVAL {
		return errors.Wrapf(err, "failed to unmount %q", m.Target)
	}
	if err := os.Remove(m.Target); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove mount point %q", m.Target)
	}

	if m.verityDev != nil {
		if err := verity.Remove(m.verityDev.Name); err != nil {
			return errors.Wrapf(err, "failed to remove verity target %q", m.verityDev.Name)
		}
	}
	if m.loopBinding != nil {
		if err := loop.Destroy(m.loopBinding.Path); err != nil {
			return errors.Wrapf(err, "failed to detach loop device %q", m.loopBinding.Path)
		}
	}
	return nil
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

func unmountRetry(target string) error {
	const maxRetries = 50
	const retryDelay = 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := unix.Unmount(target, 0)
		if err == nil {
			return nil
		}
		if err == unix.EBUSY {
			time.Sleep(retryDelay)
			continue
		}
		return err
	}
	return errors.Wrapf(unix.EBUSY, "failed to unmount %q after %d retries", target, maxRetries)
}
