// Package activation implements the top-level activate/deactivate
// operations (§4.5): given a parsed package, it decides whether this
// version needs mounting, whether it becomes the package's "latest"
// view, and drives the mount engine and registry accordingly. It is the
// only component that holds a per-package-name lock across a whole
// multi-step operation.
package activation

import (
	"context"
	"sync"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/config"
	"github.com/aospa-op5t-derp/android-system-apex/internal/dirs"
	"github.com/aospa-op5t-derp/android-system-apex/internal/errdefs"
	"github.com/aospa-op5t-derp/android-system-apex/internal/loop"
	"github.com/aospa-op5t-derp/android-system-apex/internal/mountengine"
	"github.com/aospa-op5t-derp/android-system-apex/internal/registry"
	"github.com/aospa-op5t-derp/android-system-apex/internal/verity"
)

// Controller is the activation/deactivation entry point, wired with the
// collaborators it needs to open and verify a package file.
type Controller struct {
	cfg      *config.Config
	reg      *registry.Registry
	parser   apexfile.Parser
	trust    apexfile.TrustStore
	verifier apexfile.Verifier

	// locks serializes mutating operations per package name (§5): one
	// mutex per name, created lazily, mirroring the coarser-is-fine
	// guidance in the design notes.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New wires a Controller against its collaborators.
func New(cfg *config.Config, reg *registry.Registry, parser apexfile.Parser, trust apexfile.TrustStore, verifier apexfile.Verifier) *Controller {
	return &Controller{
		cfg:      cfg,
		reg:      reg,
		parser:   parser,
		trust:    trust,
		verifier: verifier,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (c *Controller) lockFor(name string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.Mutex{}
		c.locks[name] = l
	}
	return l
}

// Activate opens, verifies, and mounts the package at path, following
// §4.5 step by step.
func (c *Controller) Activate(ctx context.Context, path string) error {
	f, err := c.parser.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open package %q", path)
	}

	if !f.IsFlattened && (f.Verity != nil || c.cfg.VerityOnSystem || !dirs.IsUnderSystemPartition(path)) {
		if err := c.verifier.Verify(f, c.trust); err != nil {
			return errdefs.Wrapf(errdefs.ErrIntegrityFailure, err, "failed to verify package %q", path)
		}
	}

	id := f.ID()
	lock := c.lockFor(id.Name)
	lock.Lock()
	defer lock.Unlock()

	var (
		needMount     bool
		makeLatest    = true
		sameVersionOK bool
	)

	if _, exists := c.reg.Get(id); exists {
		if latest, ok := c.reg.Latest(id.Name); ok && latest.ID.Version == id.Version {
			return errdefs.Wrapf(errdefs.ErrInvariantViolation, nil, "package %s is already active", id)
		}
		sameVersionOK = true
	} else {
		needMount = true
	}

	c.reg.ForEachAll(func(e registry.Entry) {
		if e.ID.Name == id.Name && e.ID.Version > id.Version {
			makeLatest = false
		}
	})

	target := dirs.VersionedMountPoint(id.Name, id.Version)
	deviceName := id.String()

	if needMount {
		useVerity := shouldUseVerity(c.cfg, f, path)
		var verityInfo *apexfile.VerityInfo
		if useVerity {
			verityInfo = f.Verity
		}
		mountFile := *f
		mountFile.Verity = verityInfo

		mount, err := mountengine.MountPackage(c.cfg, &mountFile, deviceName, target)
		if err != nil {
			return errors.Wrapf(err, "failed to mount package %q at %q", path, target)
		}

		entry := registry.Entry{
			ID:         id,
			MountPoint: target,
			LoopPath:   mount.LoopPath(),
			VerityName: mount.VerityName(),
		}
		if err := c.reg.Add(entry); err != nil {
			log.G(ctx).Warnf("registry add for %s after successful mount: %v", id, err)
		}
	} else if !sameVersionOK {
		return errdefs.Wrapf(errdefs.ErrInvariantViolation, nil, "package %s already has a registry record", id)
	}

	if !makeLatest {
		return nil
	}

	if err := bindLatest(target, id.Name); err != nil {
		log.G(ctx).Warnf("failed to bind-mount latest view for %s: %v", id, err)
		return nil
	}

	if err := c.reg.SetLatest(id); err != nil {
		log.G(ctx).Warnf("failed to mark %s latest after successful bind-mount: %v", id, err)
	}
	return nil
}

// shouldUseVerity implements §4.3 step 3: skip verity for packages
// already protected by the read-only system partition, unless the
// persistent configuration flag forces it.
func shouldUseVerity(cfg *config.Config, f *apexfile.File, path string) bool {
	if f.Verity == nil {
		return false
	}
	if dirs.IsUnderSystemPartition(path) && !cfg.VerityOnSystem {
		return false
	}
	return true
}

// Deactivate unwinds an active package, per §4.5.
func (c *Controller) Deactivate(ctx context.Context, path string) error {
	f, err := c.parser.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open package %q", path)
	}
	id := f.ID()

	lock := c.lockFor(id.Name)
	lock.Lock()
	defer lock.Unlock()

	entry, ok := c.reg.Get(id)
	if !ok {
		return errdefs.Wrapf(errdefs.ErrInvariantViolation, nil, "package %s is not active", id)
	}

	if latest, ok := c.reg.Latest(id.Name); ok && latest.ID.Version == id.Version {
		if err := unmountBestEffort(dirs.LatestMountPoint(id.Name)); err != nil {
			log.G(ctx).Warnf("failed to unmount latest view for %s: %v", id.Name, err)
		}
	}

	if err := unmountBestEffort(entry.MountPoint); err != nil {
		return errors.Wrapf(err, "failed to unmount %s at %q", id, entry.MountPoint)
	}

	if entry.VerityName != "" {
		if err := verity.Remove(entry.VerityName); err != nil {
			log.G(ctx).Warnf("failed to remove verity target %s for %s: %v", entry.VerityName, id, err)
		}
	}
	if entry.LoopPath != "" {
		if err := loop.Destroy(entry.LoopPath); err != nil {
			log.G(ctx).Warnf("failed to destroy loop device %s for %s: %v", entry.LoopPath, id, err)
		}
	}

	if err := c.reg.Remove(id); err != nil {
		log.G(ctx).Warnf("failed to remove registry record for %s: %v", id, err)
	}
	return nil
}

// GetActivePackages returns one identifier per latest-marked record.
func (c *Controller) GetActivePackages() []apexfile.Identifier {
	var ids []apexfile.Identifier
	c.reg.ForEach(func(e registry.Entry) {
		ids = append(ids, e.ID)
	})
	return ids
}
