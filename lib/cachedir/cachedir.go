// Package cachedir resolves the directory used for the SDK's persistent
// caches: region and endpoint caches, the resolver cache and resumable
// upload records.
package cachedir

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

const sdkTag = "kodo"

// Default returns the user cache directory for the SDK, creating it if
// necessary.
func Default() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		// Fall back to ~/.cache when XDG style lookup is unavailable.
		home, herr := homedir.Dir()
		if herr != nil {
			return "", err
		}
		dir = filepath.Join(home, ".cache")
	}
	dir = filepath.Join(dir, sdkTag)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// File returns the path of a named file inside the SDK cache directory.
func File(name string) (string, error) {
	dir, err := Default()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
