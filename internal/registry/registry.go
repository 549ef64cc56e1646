// Package registry tracks the set of currently mounted apex packages
// in memory (§4.4). It is not persisted: at bootstrap every mount left
// under the mount root by a prior instance is torn down and each package
// is activated again, which refills the registry from scratch.
package registry

import (
	"sort"
	"sync"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/errdefs"
)

// Entry is one mounted version of a package. LoopPath and VerityName are
// empty for a flattened package's bind mount; recording them lets
// deactivate tear down exactly this record's devices rather than
// sweeping every tagged loop on the host (§9, selective form).
type Entry struct {
	ID         apexfile.Identifier
	MountPoint string
	LoopPath   string
	VerityName string
	IsLatest   bool
}

// Registry is the concurrency-safe map of package name to its mounted
// versions, with the invariant that at most one version per name is
// marked latest (§4.4).
type Registry struct {
	mu       sync.RWMutex
	versions map[string]map[uint64]*Entry
	latest   map[string]uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		versions: make(map[string]map[uint64]*Entry),
		latest:   make(map[string]uint64),
	}
}

// Add registers a mounted version. It is an error to add a version
// that is already registered (§4.4 invariant: a given (name, version)
// is mounted at most once).
func (r *Registry) Add(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := entry.ID
	byVersion, ok := r.versions[id.Name]
	if !ok {
		byVersion = make(map[uint64]*Entry)
		r.versions[id.Name] = byVersion
	}
	if _, exists := byVersion[id.Version]; exists {
		return errdefs.Wrapf(errdefs.ErrAlreadyExists, nil, "package %s is already mounted", id)
	}

	e := entry
	e.IsLatest = false
	byVersion[id.Version] = &e
	return nil
}

// SetLatest marks id as the latest version of its package name,
// clearing the flag from whatever version previously held it. id must
// already be registered via Add.
func (r *Registry) SetLatest(id apexfile.Identifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byVersion, ok := r.versions[id.Name]
	if !ok {
		return errdefs.Wrapf(errdefs.ErrInvariantViolation, nil, "package %s is not mounted", id)
	}
	entry, ok := byVersion[id.Version]
	if !ok {
		return errdefs.Wrapf(errdefs.ErrInvariantViolation, nil, "package %s is not mounted", id)
	}

	if prevVersion, hadLatest := r.latest[id.Name]; hadLatest {
		if prev, ok := byVersion[prevVersion]; ok {
			prev.IsLatest = false
		}
	}
	entry.IsLatest = true
	r.latest[id.Name] = id.Version

	return nil
}

// Remove unregisters a mounted version. Removing the current latest
// version clears the package's latest pointer entirely: callers must
// call SetLatest again with the next-highest version, or accept the
// package has no active view until the next activation (§9, resolved:
// "latest" is never silently repointed by Remove).
func (r *Registry) Remove(id apexfile.Identifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byVersion, ok := r.versions[id.Name]
	if !ok {
		return errdefs.Wrapf(errdefs.ErrInvariantViolation, nil, "package %s is not mounted", id)
	}
	if _, ok := byVersion[id.Version]; !ok {
		return errdefs.Wrapf(errdefs.ErrInvariantViolation, nil, "package %s is not mounted", id)
	}

	delete(byVersion, id.Version)
	if len(byVersion) == 0 {
		delete(r.versions, id.Name)
	}
	if r.latest[id.Name] == id.Version {
		delete(r.latest, id.Name)
	}
	return nil
}

// Get returns the entry for a specific (name, version), if mounted.
func (r *Registry) Get(id apexfile.Identifier) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byVersion, ok := r.versions[id.Name]
	if !ok {
		return Entry{}, false
	}
	e, ok := byVersion[id.Version]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Latest returns the entry currently marked latest for a package name.
func (r *Registry) Latest(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.latest[name]
	if !ok {
		return Entry{}, false
	}
	return *r.versions[name][version], true
}

// ForEach calls fn once per package name, passing only its latest
// entry, in name order (§4.4: "get active packages" returns the latest
// view per name).
func (r *Registry) ForEach(fn func(Entry)) {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.latest))
	for name, version := range r.latest {
		entries = append(entries, *r.versions[name][version])
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID.Name < entries[j].ID.Name })
	for _, e := range entries {
		fn(e)
	}
}

// ForEachAll calls fn once per mounted version of every package,
// including non-latest co-mounted versions, in (name, version) order.
func (r *Registry) ForEachAll(fn func(Entry)) {
	r.mu.RLock()
	entries := make([]Entry, 0)
	for _, byVersion := range r.versions {
		for _, e := range byVersion {
			entries = append(entries, *e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ID.Name != entries[j].ID.Name {
			return entries[i].ID.Name < entries[j].ID.Name
		}
		return entries[i].ID.Version < entries[j].ID.Version
	})
	for _, e := range entries {
		fn(e)
	}
}
