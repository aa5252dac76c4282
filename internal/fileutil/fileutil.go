package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HashFile returns the hex SHA-256 digest of the file contents.
func HashFile(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, in); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// PartialPath returns the sibling temp path used while dst is being written.
func PartialPath(dst string) string {
	return filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".partial")
}

// Publish atomically moves a completed temp file into place.
func Publish(tmp, dst string) error {
	if err := os.Rename(tmp, dst); err != nil {
		RemoveQuiet(tmp)
		return fmt.Errorf("publish %s: %w", filepath.Base(dst), err)
	}
	return nil
}

// RemoveQuiet deletes path, retrying briefly on permission errors (files
// still held open by an exiting subprocess). Missing files are ignored.
func RemoveQuiet(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	for attempt := 0; attempt < 3; attempt++ {
		err := os.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return
		}
		if !errors.Is(err, fs.ErrPermission) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// NonEmptyFile reports the size of path when it is a non-empty regular file.
func NonEmptyFile(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return 0, false
	}
	return info.Size(), true
}

// Contained resolves name inside dir and rejects anything that escapes it.
func Contained(dir, name string) (string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	target, err := filepath.Abs(filepath.Join(root, name))
	if err != nil {
		return "", err
	}
	if filepath.Dir(target) != root {
		return "", fmt.Errorf("%q escapes %s: %w", name, root, fs.ErrPermission)
	}
	return target, nil
}
