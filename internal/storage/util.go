package storage

import "os"

// EnsureDir creates path and any missing parents. Existing directories are
// left as they are.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
