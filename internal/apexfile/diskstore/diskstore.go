// Package diskstore implements apexfile.TrustStore by reading public keys
// from the trusted key directories laid out in §6, matching each package
// name to a same-named file.
package diskstore

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
)

// New returns a TrustStore that searches dirs, in order, for a file whose
// base name equals the requested package name.
func New(dirs []string) apexfile.TrustStore {
	return &store{dirs: dirs}
}

type store struct {
	dirs []string
}

func (s *store) PublicKey(packageName string) ([]byte, error) {
	for _, dir := range s.dirs {
		path := filepath.Join(dir, packageName)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to read trusted key %q", path)
		}
	}
	return nil, errors.Errorf("no trusted key found for package %q", packageName)
}
