// Package disk wraps the handful of filesystem operations the region server
// performs outside of its own file formats. Writes that must be atomic go
// through a temp file and a rename.
package disk

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rangestore-io/rangestore/server/util/random"
)

// EnsureDirectoryExists is a synonym for os.MkdirAll(dir, 0755). It returns
// an error if dir exists but isn't a directory.
func EnsureDirectoryExists(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// RemoveIfExists attempts to remove the given named file or (empty)
// directory, ignoring IsNotExist errors.
func RemoveIfExists(filename string) error {
	err := os.Remove(filename)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// FileExists returns whether the named path exists.
func FileExists(fullPath string) (bool, error) {
	_, err := os.Stat(fullPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FileSize returns the size in bytes of the named file, or 0 if it does not
// exist.
func FileSize(fullPath string) (int64, error) {
	fi, err := os.Stat(fullPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// WriteFile writes data to fullPath atomically: the bytes are written and
// synced to a temp file in the same directory, which is then renamed into
// place. Readers either see the old contents or the new, never a partial
// write.
func WriteFile(ctx context.Context, fullPath string, data []byte) (int, error) {
	if err := EnsureDirectoryExists(filepath.Dir(fullPath)); err != nil {
		return 0, err
	}
	randStr, err := random.RandomString(10)
	if err != nil {
		return 0, err
	}
	tmpFileName := fullPath + "." + randStr + ".tmp"
	f, err := os.OpenFile(tmpFileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	defer func() {
		// Best effort cleanup if the rename below did not happen.
		os.Remove(tmpFileName)
	}()
	n, err := f.Write(data)
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return n, os.Rename(tmpFileName, fullPath)
}

// ReadFile reads the entire named file.
func ReadFile(ctx context.Context, fullPath string) ([]byte, error) {
	return os.ReadFile(fullPath)
}
