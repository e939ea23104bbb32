package session

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// VFS is the session's in-memory virtual filesystem: a mapping from absolute
// paths to byte content. Contents persist across executions within one
// session and are discarded with it. Tool results can be parked here so the
// guest extracts only what it needs instead of echoing everything back.
type VFS struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewVFS creates an empty virtual filesystem.
func NewVFS() *VFS {
	return &VFS{files: make(map[string][]byte)}
}

// normalizePath validates and canonicalizes a VFS path. Only absolute paths
// are accepted; "." and ".." components are resolved so a path cannot
// escape through traversal tricks.
func normalizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q is not absolute", p)
	}
	return path.Clean(p), nil
}

// Read returns a copy of the file content at path.
func (v *VFS) Read(p string) ([]byte, error) {
	clean, err := normalizePath(p)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	data, ok := v.files[clean]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", clean)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write stores a copy of data at path, replacing any previous content.
func (v *VFS) Write(p string, data []byte) error {
	clean, err := normalizePath(p)
	if err != nil {
		return err
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[clean] = stored
	return nil
}

// List returns the sorted paths under the given directory. The directory
// itself does not need to exist; an empty result means nothing is stored
// beneath it.
func (v *VFS) List(dir string) ([]string, error) {
	clean, err := normalizePath(dir)
	if err != nil {
		return nil, err
	}
	prefix := clean
	if prefix != "/" {
		prefix += "/"
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []string
	for p := range v.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Remove deletes the file at path.
func (v *VFS) Remove(p string) error {
	clean, err := normalizePath(p)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.files[clean]; !ok {
		return fmt.Errorf("no such file: %s", clean)
	}
	delete(v.files, clean)
	return nil
}

// Len returns the number of stored files.
func (v *VFS) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.files)
}

// Clear discards all contents. Called on session teardown.
func (v *VFS) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files = make(map[string][]byte)
}
