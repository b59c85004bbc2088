package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidStoredName indicates a stored name that would escape the files directory.
var ErrInvalidStoredName = errors.New("storage: invalid stored name")

// Files is the byte-level disk layer for relayed files.
type Files struct {
	dir string
}

// NewFiles creates the files directory if needed and returns the disk layer.
func NewFiles(dir string) (*Files, error) {
	if dir == "" {
		return nil, errors.New("files directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create files directory %q: %w", dir, err)
	}
	return &Files{dir: dir}, nil
}

// Dir returns the files directory path.
func (f *Files) Dir() string {
	return f.dir
}

// StoredName derives a unique on-disk name from a client-supplied filename.
func (f *Files) StoredName(original string) string {
	base := filepath.Base(strings.TrimSpace(original))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}
	return uuid.NewString() + "_" + base
}

// Path resolves a stored name inside the files directory, rejecting traversal.
func (f *Files) Path(storedName string) (string, error) {
	if storedName == "" || storedName != filepath.Base(storedName) {
		return "", ErrInvalidStoredName
	}
	return filepath.Join(f.dir, storedName), nil
}

// Create opens a new stored file for writing.
func (f *Files) Create(storedName string) (*os.File, error) {
	path, err := f.Path(storedName)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create stored file %q: %w", storedName, err)
	}
	return file, nil
}

// Open opens a stored file for reading.
func (f *Files) Open(storedName string) (*os.File, error) {
	path, err := f.Path(storedName)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stored file %q: %w", storedName, err)
	}
	return file, nil
}

// Size returns the byte size of a stored file.
func (f *Files) Size(storedName string) (int64, error) {
	path, err := f.Path(storedName)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat stored file %q: %w", storedName, err)
	}
	return info.Size(), nil
}

// Remove deletes a stored file. Missing files are not an error.
func (f *Files) Remove(storedName string) error {
	path, err := f.Path(storedName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stored file %q: %w", storedName, err)
	}
	return nil
}
