package playout

import (
	"context"
	"sync"
)

// DescriptorStore is the persistence abstraction for asset descriptors.
// Implementations can be in-memory, file-based, or remote. The Registry
// writes through to it before changing its in-memory view.
type DescriptorStore interface {
	Load(ctx context.Context) ([]Asset, error)
	Save(ctx context.Context, a Asset) error
	Delete(ctx context.Context, key AssetKey) error
}

// InMemoryDescriptorStore is an in-memory implementation of DescriptorStore.
type InMemoryDescriptorStore struct {
	mu     sync.Mutex
	assets map[AssetKey]Asset
}

// NewInMemoryDescriptorStore returns a new empty in-memory store.
func NewInMemoryDescriptorStore() *InMemoryDescriptorStore {
	return &InMemoryDescriptorStore{
		assets: make(map[AssetKey]Asset),
	}
}

// Load implements DescriptorStore.Load.
func (s *InMemoryDescriptorStore) Load(context.Context) ([]Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Asset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, a.clone())
	}
	return out, nil
}

// Save implements DescriptorStore.Save.
func (s *InMemoryDescriptorStore) Save(_ context.Context, a Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assets[a.Key()] = a.clone()
	return nil
}

// Delete implements DescriptorStore.Delete.
func (s *InMemoryDescriptorStore) Delete(_ context.Context, key AssetKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.assets, key)
	return nil
}
