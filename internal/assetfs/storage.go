// Package assetfs keeps media files and their descriptor documents in a
// single directory.
package assetfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"playout/internal/playout"
)

// descriptorExt marks descriptor documents; they are not media.
const descriptorExt = ".yaml"

// Storage maps asset keys to files named <name>.<format> under dir.
type Storage struct {
	dir string
}

var _ playout.AssetStorage = (*Storage)(nil)

// NewStorage returns a Storage rooted at dir, creating it when missing.
func NewStorage(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Storage{dir: dir}, nil
}

// Dir is the media directory.
func (s *Storage) Dir() string { return s.dir }

// Path implements playout.AssetStorage.
func (s *Storage) Path(key playout.AssetKey) string {
	return filepath.Join(s.dir, key.String())
}

// Exists implements playout.AssetStorage.
func (s *Storage) Exists(key playout.AssetKey) (bool, error) {
	info, err := os.Stat(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Stage implements playout.AssetStorage. Staged files are hidden dotfiles.
func (s *Storage) Stage(r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close staging file: %w", err)
	}
	return f.Name(), nil
}

// Import implements playout.AssetStorage. It never replaces an existing file.
func (s *Storage) Import(staged string, key playout.AssetKey) error {
	dst := s.Path(key)
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%s: %w", dst, fs.ErrExist)
	}
	if err := os.Rename(staged, dst); err != nil {
		return fmt.Errorf("move %s into place: %w", filepath.Base(staged), err)
	}
	return nil
}

// Remove implements playout.AssetStorage.
func (s *Storage) Remove(key playout.AssetKey) error {
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List implements playout.AssetStorage. Dotfiles, directories and
// descriptor documents are skipped.
func (s *Storage) List() ([]playout.AssetKey, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read media dir: %w", err)
	}
	var keys []playout.AssetKey
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, descriptorExt) {
			continue
		}
		key, ok := splitKey(name)
		if !ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// splitKey parses "<name>.<format>"; the format is the last extension.
func splitKey(file string) (playout.AssetKey, bool) {
	i := strings.LastIndexByte(file, '.')
	if i <= 0 || i == len(file)-1 {
		return playout.AssetKey{}, false
	}
	return playout.AssetKey{Name: file[:i], Format: file[i+1:]}, true
}
