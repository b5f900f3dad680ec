// Package storage gives each component an exclusively-owned directory
// identified by a resource name, and packages all such directories plus
// schema metadata into one deployable model archive.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Resource identifies a unit of persisted component state. Two resources
// with equal name and output fingerprint are interchangeable.
type Resource struct {
	Name              string `json:"name" yaml:"name"`
	OutputFingerprint string `json:"output_fingerprint,omitempty" yaml:"output_fingerprint,omitempty"`
}

// Fingerprint implements component.Fingerprintable, making resources cheap
// to fingerprint without hashing their directory contents again.
func (r Resource) Fingerprint() string {
	sum := sha256.Sum256([]byte("resource\x00" + r.Name + "\x00" + r.OutputFingerprint))
	return hex.EncodeToString(sum[:])
}

// ModelStorage is a local-filesystem persistence layer. Every resource owns
// one subdirectory under the root; a directory is exclusively held between
// WriteTo and the handle's Release.
type ModelStorage struct {
	root string

	mu     sync.Mutex
	active map[string]bool
}

// NewLocal opens (creating if needed) a storage rooted at the given
// directory.
func NewLocal(root string) (*ModelStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("storage: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating root %s: %w", root, err)
	}
	return &ModelStorage{root: root, active: make(map[string]bool)}, nil
}

// Root returns the storage's root directory.
func (s *ModelStorage) Root() string { return s.root }

// WriteHandle is scoped, exclusive ownership of one resource directory.
// Release must be called on all exit paths.
type WriteHandle struct {
	dir     string
	release func()
	once    sync.Once
}

// Dir returns the owned directory.
func (h *WriteHandle) Dir() string { return h.dir }

// Release gives up ownership. It is idempotent.
func (h *WriteHandle) Release() {
	h.once.Do(h.release)
}

// WriteTo acquires the directory for the given resource, creating it empty
// if it does not exist. A second acquisition before Release is an error:
// concurrent writers of different resources must not interfere, so each
// directory has exactly one owner during the write phase.
func (s *ModelStorage) WriteTo(r Resource) (*WriteHandle, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("storage: resource with empty name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[r.Name] {
		return nil, fmt.Errorf("storage: resource %q is already being written", r.Name)
	}

	dir := filepath.Join(s.root, r.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating resource dir %s: %w", dir, err)
	}

	s.active[r.Name] = true
	return &WriteHandle{
		dir: dir,
		release: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.active, r.Name)
		},
	}, nil
}

// ReadFrom returns the directory previously written for the resource. It
// fails if the resource was never persisted.
func (s *ModelStorage) ReadFrom(r Resource) (string, error) {
	dir := filepath.Join(s.root, r.Name)
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("storage: resource %q not found: %w", r.Name, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("storage: resource %q is not a directory", r.Name)
	}
	return dir, nil
}

// Resources lists the names of all persisted resources, sorted.
func (s *ModelStorage) Resources() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("storage: listing %s: %w", s.root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DirDigest computes a deterministic content hash over a directory tree:
// sorted relative paths and file bytes. Equal trees yield equal digests on
// any process or host.
func DirDigest(dir string) (string, error) {
	h := sha256.New()

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("storage: walking %s: %w", dir, err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
