//go:build !linux && !darwin

package localfs

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

func lockFile(name string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o700); err != nil {
		return nil, errors.Wrap(err, "cannot create sync directory")
	}
	return func() {}, nil
}
