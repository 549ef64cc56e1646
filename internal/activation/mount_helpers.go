package activation

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aospa-op5t-derp/android-system-apex/internal/dirs"
)

// bindLatest creates (or reuses) the stable /apex/<name> mount point and
// bind-mounts target onto it (§4.5 step 4). If the mount point is
// already the latest view of a different version, the bind mount is
// replaced by unmounting first.
func bindLatest(target, name string) error {
	latest := dirs.LatestMountPoint(name)
	if err := os.MkdirAll(latest, 0755); err != nil {
		return err
	}

	// A stale bind mount from a previous latest version must be cleared
	// before the new one can take its place.
	_ = unix.Unmount(latest, unix.MNT_DETACH)

	return unix.Mount(target, latest, "", unix.MS_BIND|unix.MS_RDONLY, "")
}

// unmountBestEffort unmounts target with the same bounded EBUSY retry
// (50 attempts, 50ms apart) as the mount engine's Unmount, then removes
// the mount point directory; ENOENT/EINVAL mean "already gone" and are
// not treated as failures.
func unmountBestEffort(target string) error {
	const maxRetries = 50
	const retryDelay = 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := unix.Unmount(target, 0)
		if err == nil || err == unix.EINVAL || err == unix.ENOENT {
			break
		}
		if err == unix.EBUSY {
			time.Sleep(retryDelay)
			continue
		}
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
