// Package image resolves executable image names into opaque references.
//
// The supervisor never interprets an image. A store only answers whether a
// name exists and what reference a scheduler should hand to its backend: a
// file path for the process scheduler, an image reference for docker, or a
// payload name for the in-process scheduler.
package image

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a store does not contain the requested image.
var ErrNotFound = errors.New("image not found")

// Image is an opaque executable blob reference.
type Image struct {
	Name string
	Ref  string
	Size int64
}

// Store resolves image names.
type Store interface {
	Lookup(name string) (Image, error)
	List() ([]Image, error)
}

// MemStore is an in-memory image table.
type MemStore struct {
	mu     sync.RWMutex
	images map[string]Image
}

// NewMemStore returns a store populated with the provided images. An image
// without a Ref uses its name as the reference.
func NewMemStore(images ...Image) *MemStore {
	s := &MemStore{images: make(map[string]Image, len(images))}
	for _, img := range images {
		s.Add(img)
	}
	return s
}

// Add registers or replaces an image.
func (s *MemStore) Add(img Image) {
	if img.Ref == "" {
		img.Ref = img.Name
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[img.Name] = img
}

func (s *MemStore) Lookup(name string) (Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[name]
	if !ok {
		return Image{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return img, nil
}

func (s *MemStore) List() ([]Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Image, 0, len(s.images))
	for _, img := range s.images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DirStore serves regular files from a directory, one image per file.
type DirStore struct {
	Dir string
}

func (s DirStore) Lookup(name string) (Image, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return Image{}, fmt.Errorf("invalid image name %q", name)
	}
	path := filepath.Join(s.Dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Image{}, fmt.Errorf("%q in %s: %w", name, s.Dir, ErrNotFound)
		}
		return Image{}, fmt.Errorf("stat image %q: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return Image{}, fmt.Errorf("image %q is not a regular file", name)
	}
	return Image{Name: name, Ref: path, Size: info.Size()}, nil
}

func (s DirStore) List() ([]Image, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read image directory: %w", err)
	}
	var out []Image
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Image{
			Name: entry.Name(),
			Ref:  filepath.Join(s.Dir, entry.Name()),
			Size: info.Size(),
		})
	}
	return out, nil
}
