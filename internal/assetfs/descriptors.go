package assetfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.yaml.in/yaml/v2"

	"playout/internal/playout"
)

const (
	descriptorSchemaVersion = 1
	descriptorFileType      = "asset_descriptor"
	lockRetryDelay          = 50 * time.Millisecond
)

// document is the on-disk form of one descriptor.
type document struct {
	SchemaVersion int           `yaml:"schema_version"`
	FileType      string        `yaml:"file_type"`
	Asset         playout.Asset `yaml:"asset"`
}

// DescriptorStore persists one YAML document per asset as
// <name>.<format>.yaml. Writes are atomic and serialized across processes
// by an advisory lock on .descriptors.lock.
type DescriptorStore struct {
	dir  string
	mu   sync.Mutex
	lock *flock.Flock
}

var _ playout.DescriptorStore = (*DescriptorStore)(nil)

// NewDescriptorStore returns a store writing into dir.
func NewDescriptorStore(dir string) (*DescriptorStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create descriptor dir: %w", err)
	}
	return &DescriptorStore{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, ".descriptors.lock")),
	}, nil
}

func (s *DescriptorStore) path(key playout.AssetKey) string {
	return filepath.Join(s.dir, key.String()+descriptorExt)
}

// Load implements playout.DescriptorStore.
func (s *DescriptorStore) Load(ctx context.Context) ([]playout.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lock.TryRLockContext(ctx, lockRetryDelay); err != nil {
		return nil, fmt.Errorf("lock descriptors: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	files, err := filepath.Glob(filepath.Join(s.dir, "*"+descriptorExt))
	if err != nil {
		return nil, fmt.Errorf("list descriptors: %w", err)
	}
	out := make([]playout.Asset, 0, len(files))
	for _, file := range files {
		a, err := readDescriptor(file)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func readDescriptor(file string) (playout.Asset, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return playout.Asset{}, fmt.Errorf("read descriptor %s: %w", filepath.Base(file), err)
	}
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return playout.Asset{}, fmt.Errorf("decode descriptor %s: %w", filepath.Base(file), err)
	}
	if doc.FileType != descriptorFileType || doc.SchemaVersion != descriptorSchemaVersion {
		return playout.Asset{}, fmt.Errorf("descriptor %s: unsupported %s v%d", filepath.Base(file), doc.FileType, doc.SchemaVersion)
	}
	if doc.Asset.Key().String()+descriptorExt != filepath.Base(file) {
		return playout.Asset{}, fmt.Errorf("descriptor %s describes %s", filepath.Base(file), doc.Asset.Key())
	}
	if doc.Asset.References == nil {
		doc.Asset.References = []playout.EntryID{}
	}
	return doc.Asset, nil
}

// Save implements playout.DescriptorStore.
func (s *DescriptorStore) Save(ctx context.Context, a playout.Asset) error {
	b, err := yaml.Marshal(document{
		SchemaVersion: descriptorSchemaVersion,
		FileType:      descriptorFileType,
		Asset:         a,
	})
	if err != nil {
		return fmt.Errorf("encode descriptor %s: %w", a.Key(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("lock descriptors: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	return writeAtomic(s.path(a.Key()), b)
}

// Delete implements playout.DescriptorStore.
func (s *DescriptorStore) Delete(ctx context.Context, key playout.AssetKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("lock descriptors: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete descriptor %s: %w", key, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".descriptor-*")
	if err != nil {
		return fmt.Errorf("create temp descriptor: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("sync descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close descriptor: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("replace descriptor: %w", err)
	}
	return nil
}
