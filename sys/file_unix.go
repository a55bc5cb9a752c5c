// file_unix.go
//go:build unix

package sys

import "os"

// unixFile implements File for Unix-like systems, using os.WriteFile
// directly: Unix permits deleting or renaming a file while it is still
// open, so no special sharing mode is needed.
type unixFile struct{}

// NewFile returns a platform-specific File.
func NewFile() File {
	return &unixFile{}
}

func (ufo *unixFile) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}
