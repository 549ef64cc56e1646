// Package bootstrap sequences the daemon's startup (§4.7):
// publish "starting", tear down anything left mounted by a prior
// instance, scan the system and data partitions and activate every
// package found, run the staged-session scan, then publish "ready".
package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/containerd/log"
	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/aospa-op5t-derp/android-system-apex/internal/activation"
	"github.com/aospa-op5t-derp/android-system-apex/internal/config"
	"github.com/aospa-op5t-derp/android-system-apex/internal/dirs"
	"github.com/aospa-op5t-derp/android-system-apex/internal/loop"
	"github.com/aospa-op5t-derp/android-system-apex/internal/session"
	"github.com/aospa-op5t-derp/android-system-apex/internal/sysprop"
)

// Sequencer wires the collaborators bootstrap drives: the activation
// controller, the session engine, and the property setter status is
// published through.
type Sequencer struct {
	cfg    *config.Config
	ctl    *activation.Controller
	engine *session.Engine
	props  sysprop.Setter
}

// New wires a Sequencer.
func New(cfg *config.Config, ctl *activation.Controller, engine *session.Engine, props sysprop.Setter) *Sequencer {
	return &Sequencer{cfg: cfg, ctl: ctl, engine: engine, props: props}
}

// Run executes the full startup sequence (§4.7).
func (s *Sequencer) Run(ctx context.Context) error {
	s.props.Set(sysprop.StatusKey, sysprop.StatusStarting)

	if err := s.unmountAndDetachExistingImages(ctx); err != nil {
		return errors.Wrap(err, "failed to tear down stale mounts")
	}

	if err := s.activateDir(ctx, dirs.SystemApexDir()); err != nil {
		log.G(ctx).Warnf("failed to activate packages under %s: %v", dirs.SystemApexDir(), err)
	}
	if err := s.activateDir(ctx, dirs.ProductApexDir()); err != nil {
		log.G(ctx).Warnf("failed to activate packages under %s: %v", dirs.ProductApexDir(), err)
	}
	if err := s.activateDir(ctx, dirs.ActiveApexDir()); err != nil {
		log.G(ctx).Warnf("failed to activate packages under %s: %v", dirs.ActiveApexDir(), err)
	}

	if err := s.engine.ScanStagedSessionsAndStage(ctx); err != nil {
		log.G(ctx).Warnf("staged session scan failed: %v", err)
	}

	s.props.Set(sysprop.StatusKey, sysprop.StatusReady)
	return nil
}

// unmountAndDetachExistingImages implements §4.7 step 2: every live mount
// under /apex left behind by a prior instance is detached, in ascending
// path order so each /apex/<name> "latest" bind-mount is gone before
// the /apex/<name>@<version> mount it views, then every tagged loop device is
// reclaimed. Discovery reads /proc/self/mountinfo rather than just
// listing directory names, the same way core/mount.UnmountRecursive
// finds every mount under a subtree: a directory entry under /apex
// that is not actually a live mount (e.g. left over from a crash
// between MkdirAll and the mount syscall) is handled by the plain
// os.Remove pass below instead of an unmount attempt.
func (s *Sequencer) unmountAndDetachExistingImages(ctx context.Context) error {
	root := dirs.ApexMountRoot()

	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(root))
	if err != nil {
		return errors.Wrapf(err, "failed to read mount table under %q", root)
	}

	var targets []string
	for _, m := range mounts {
		if m.Mountpoint != root {
			targets = append(targets, m.Mountpoint)
		}
	}
	sort.Strings(targets)

	for _, path := range targets {
		if err := unix.Unmount(path, unix.MNT_DETACH|unix.UMOUNT_NOFOLLOW); err != nil {
			if err != unix.EINVAL && !os.IsNotExist(err) {
				log.G(ctx).Warnf("failed to detach %q: %v", path, err)
			}
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return loop.DestroyAllTagged(s.cfg)
		}
		return errors.Wrapf(err, "failed to list %q", root)
	}
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.G(ctx).Warnf("failed to remove stale mount point %q: %v", path, err)
		}
	}

	return loop.DestroyAllTagged(s.cfg)
}

// activateDir activates every package file or flattened directory
// directly under dir, logging (not failing) on a per-package error so
// one bad package cannot block the rest of bootstrap.
func (s *Sequencer) activateDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if err := s.ctl.Activate(ctx, path); err != nil {
			log.G(ctx).Warnf("failed to activate %q: %v", path, err)
		}
	}
	return nil
}
