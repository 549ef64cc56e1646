// Package dirs holds the fixed filesystem layout apexd operates against.
//
// The paths mirror the layout documented for the real daemon this package
// models: a read-only system partition of pre-baked packages, a data
// partition of installed packages and staging sessions, and the mount
// root under which activated packages are published.
package dirs

import (
	"path/filepath"
	"strconv"
)

// GlobalRootDir is prepended to every path below. Tests override it to
// sandbox the daemon under a temporary directory instead of the real root.
var GlobalRootDir = "/"

// SystemApexDir holds pre-baked packages shipped on the read-only system
// partition, either as flattened directories or as .apex files.
func SystemApexDir() string {
	return filepath.Join(GlobalRootDir, "system/apex")
}

// ProductApexDir mirrors SystemApexDir for the product partition.
func ProductApexDir() string {
	return filepath.Join(GlobalRootDir, "product/apex")
}

// ActiveApexDir holds installed .apex files: <name>@<version>.apex.
func ActiveApexDir() string {
	return filepath.Join(GlobalRootDir, "data/apex/active")
}

// SessionsDir holds one subdirectory per staged session.
func SessionsDir() string {
	return filepath.Join(GlobalRootDir, "data/apex/sessions")
}

// SessionDir returns the directory for a single session id.
func SessionDir(sessionID int) string {
	return filepath.Join(SessionsDir(), "session_"+strconv.Itoa(sessionID))
}

// SessionsMetadataFile is the bolt database backing the session engine.
func SessionsMetadataFile() string {
	return filepath.Join(GlobalRootDir, "data/apex/sessions.db")
}

// ApexMountRoot is the well-known root under which packages are published.
func ApexMountRoot() string {
	return filepath.Join(GlobalRootDir, "apex")
}

// VersionedMountPoint returns /apex/<name>@<version>.
func VersionedMountPoint(name string, version uint64) string {
	return filepath.Join(ApexMountRoot(), name+"@"+strconv.FormatUint(version, 10))
}

// LatestMountPoint returns /apex/<name>.
func LatestMountPoint(name string) string {
	return filepath.Join(ApexMountRoot(), name)
}

// TrustedKeyDirs are searched, in order, for a package's signing public key.
func TrustedKeyDirs() []string {
	return []string{
		filepath.Join(GlobalRootDir, "system/etc/security/apex"),
		filepath.Join(GlobalRootDir, "product/etc/security/apex"),
	}
}

// IsUnderSystemPartition reports whether path lives under a read-only,
// already-verity-protected system partition (system or product).
func IsUnderSystemPartition(path string) bool {
	for _, root := range []string{filepath.Join(GlobalRootDir, "system"), filepath.Join(GlobalRootDir, "product")} {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && len(rel) > 0 && rel[0] != '.' {
			return true
		}
	}
	return false
}

