// Package local defines the file server's on-disk storage.
package local

import (
	"errors"
	"strings"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidName = errors.New("invalid filename")
)

// LocalStorage is a flat directory of files with a version per file.
type LocalStorage interface {
	// Init opens the store and indexes files already present.
	Init() error
	// Close flushes and closes the version index.
	Close() error
	// List returns the stored file names, sorted.
	List() ([]string, error)
	// Size returns the size in bytes of name.
	Size(name string) (int64, error)
	// Version returns the current version of name.
	Version(name string) (int, error)
	// Read returns the content and version of name as one consistent snapshot.
	Read(name string) ([]byte, int, error)
	// Stat returns size and version of name as one consistent snapshot.
	Stat(name string) (int64, int, error)
	// Store writes name and returns the version it was stored under.
	Store(name string, version int, content []byte) (int, error)
}

// ValidName reports whether name is a plain file name inside the store.
func ValidName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`+"\x00")
}
