// Package apexfile models the package image and its manifest/verity
// metadata (§3), and defines the interface to the collaborator that parses
// package archives and validates their signatures. Per §1, "package file
// parsing" is an external collaborator specified only at its interface: the
// core depends on the Parser and TrustStore interfaces below, never on a
// concrete archive/AVB implementation.
package apexfile

import (
	"strconv"
)

// Identifier is the (name, version) pair rendered as name@version (§3).
type Identifier struct {
	Name    string
	Version uint64
}

func (id Identifier) String() string {
	return id.Name + "@" + strconv.FormatUint(id.Version, 10)
}

// VerityDescriptor carries the AVB-derived dm-verity target parameters
// (§3, §4.2).
type VerityDescriptor struct {
	// ImageSize is the size, in bytes, of the data region covered by the
	// verity target.
	ImageSize uint64
	// TreeOffset is the byte offset of the hash tree within the image.
	TreeOffset uint64
	DataBlockSize   uint32
	HashBlockSize   uint32
	HashAlgorithm   string
	DMVerityVersion uint32
}

// VerityInfo bundles the descriptor with the root digest and salt that
// authenticate it (§3).
type VerityInfo struct {
	Descriptor VerityDescriptor
	RootDigest []byte
	Salt       []byte
}

// Manifest is the parsed package manifest (§3).
type Manifest struct {
	Name            string
	Version         uint64
	PreinstallHook  string
	PostinstallHook string
}

// File is a parsed package image: the byte range of its embedded ext4
// image (or, for flattened packages, the on-disk directory), its manifest,
// and its verity metadata (§3).
type File struct {
	// Path is either the .apex file path or, for a flattened package,
	// the package's directory.
	Path string

	// IsFlattened marks a directory-layout package. Flattened packages
	// are only permissible under the read-only system partition (§4.3).
	IsFlattened bool

	// ImageOffset and ImageSize locate the embedded ext4 image within
	// Path. Unused when IsFlattened.
	ImageOffset int64
	ImageSize   int64

	Manifest Manifest

	// Verity is nil for flattened packages and for non-flattened
	// packages whose verity check was skipped (§4.3 step 3).
	Verity *VerityInfo

	// SignerKeyName is the basename of the trusted key file that
	// authorized this package (§3, §6).
	SignerKeyName string
}

// ID returns the package identifier for this file.
func (f *File) ID() Identifier {
	return Identifier{Name: f.Manifest.Name, Version: f.Manifest.Version}
}

// Parser opens a package archive and returns its parsed representation.
// The real implementation understands the on-disk package container format
// and its AVB footer; it is out of this repo's scope (§1). Callers depend
// only on this interface.
type Parser interface {
	Open(path string) (*File, error)
}

// TrustStore resolves the trusted public key that authorizes a package by
// name, searching the directories in §6 in order. The real implementation
// is out of scope; callers depend only on this interface.
type TrustStore interface {
	PublicKey(packageName string) ([]byte, error)
}

// Verifier validates a parsed package's signature and verity metadata
// against a TrustStore. Out of scope per §1; the core calls through this
// interface at every point §4 requires "verify" (session submission,
// staging, and activation of non-flattened packages, except system
// partition packages without verity metadata when verity_on_system is
// off).
type Verifier interface {
	Verify(f *File, trust TrustStore) error
}
