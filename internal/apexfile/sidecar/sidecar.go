// Package sidecar is a reference implementation of apexfile.Parser and
// apexfile.Verifier, standing in for the real archive/AVB parser and
// signature verifier that §1 places out of this repo's scope.
//
// A package is a plain file (or, when flattened, a directory) accompanied
// by a JSON sidecar "<path>.manifest.json" carrying the manifest, the
// image's byte range, and optional verity descriptor. Trust is modeled as
// a pinned content digest: the "public key" file for a package name is
// expected to contain the digest.Digest string of the package's image
// bytes. This is not a cryptographic signature scheme — it exists only so
// the core's verify/activate/stage paths have something concrete to call
// through the Parser/Verifier interfaces in tests and in this repo's
// default wiring.
package sidecar

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
)

type verityJSON struct {
	ImageSize       uint64 `json:"image_size"`
	TreeOffset      uint64 `json:"tree_offset"`
	DataBlockSize   uint32 `json:"data_block_size"`
	HashBlockSize   uint32 `json:"hash_block_size"`
	HashAlgorithm   string `json:"hash_algorithm"`
	DMVerityVersion uint32 `json:"dm_verity_version"`
	RootDigest      string `json:"root_digest"`
	Salt            string `json:"salt"`
}

type manifestJSON struct {
	Name            string      `json:"name"`
	Version         uint64      `json:"version"`
	PreinstallHook  string      `json:"preinstall_hook,omitempty"`
	PostinstallHook string      `json:"postinstall_hook,omitempty"`
	Flattened       bool        `json:"flattened"`
	ImageOffset     int64       `json:"image_offset"`
	ImageSize       int64       `json:"image_size"`
	Verity          *verityJSON `json:"verity,omitempty"`
}

// Parser implements apexfile.Parser over the sidecar format.
type Parser struct{}

func (Parser) Open(path string) (*apexfile.File, error) {
	raw, err := os.ReadFile(path + ".manifest.json")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest sidecar for %q", path)
	}

	var m manifestJSON
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest sidecar for %q", path)
	}

	f := &apexfile.File{
		Path:        path,
		IsFlattened: m.Flattened,
		ImageOffset: m.ImageOffset,
		ImageSize:   m.ImageSize,
		Manifest: apexfile.Manifest{
			Name:            m.Name,
			Version:         m.Version,
			PreinstallHook:  m.PreinstallHook,
			PostinstallHook: m.PostinstallHook,
		},
	}

	if m.Verity != nil {
		root, err := hexOrRaw(m.Verity.RootDigest)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid root digest in %q", path)
		}
		salt, err := hexOrRaw(m.Verity.Salt)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid salt in %q", path)
		}
		f.Verity = &apexfile.VerityInfo{
			Descriptor: apexfile.VerityDescriptor{
				ImageSize:       m.Verity.ImageSize,
				TreeOffset:      m.Verity.TreeOffset,
				DataBlockSize:   m.Verity.DataBlockSize,
				HashBlockSize:   m.Verity.HashBlockSize,
				HashAlgorithm:   m.Verity.HashAlgorithm,
				DMVerityVersion: m.Verity.DMVerityVersion,
			},
			RootDigest: root,
			Salt:       salt,
		}
	}

	return f, nil
}

func hexOrRaw(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return []byte(s), nil
}

// Verifier implements apexfile.Verifier using the pinned-digest scheme
// documented on the package.
type Verifier struct{}

func (Verifier) Verify(f *apexfile.File, trust apexfile.TrustStore) error {
	if f.IsFlattened {
		// Flattened packages only exist under the read-only system
		// partition, which is already integrity-protected by the
		// partition itself (§4.3).
		return nil
	}

	want, err := trust.PublicKey(f.Manifest.Name)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return errors.Wrapf(err, "failed to read package image %q", f.Path)
	}

	region := data
	if f.ImageSize > 0 {
		end := f.ImageOffset + f.ImageSize
		if f.ImageOffset < 0 || end > int64(len(data)) {
			return errors.Errorf("image region [%d,%d) out of bounds for %q", f.ImageOffset, end, f.Path)
		}
		region = data[f.ImageOffset:end]
	}

	got := digest.FromBytes(region)
	if strings.TrimSpace(string(want)) != got.String() {
		return errors.Errorf("digest mismatch for package %q: signature not trusted", f.Manifest.Name)
	}

	return nil
}
