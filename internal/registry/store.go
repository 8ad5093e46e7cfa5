package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound reports that no asset exists for the requested identifier.
var ErrNotFound = errors.New("asset not found")

// Store persists registered assets, indexed by PAID and by source key.
// Implementations must make PutIfAbsent and Update atomic so that racing
// registrations and read-modify-write mutations cannot lose updates.
type Store interface {
	// PutIfAbsent stores a new asset unless one already exists for its
	// source key. Returns the stored record and whether it was created.
	PutIfAbsent(ctx context.Context, a Asset) (Asset, bool, error)

	Get(ctx context.Context, paid string) (Asset, error)
	GetBySource(ctx context.Context, sourceApp, sourceID string) (Asset, error)

	// Update applies fn to a copy of the record under the store's write
	// lock and persists the result. fn returning an error aborts.
	Update(ctx context.Context, paid string, fn func(a *Asset) error) (Asset, error)

	ListByOwner(ctx context.Context, ownerID string) ([]Asset, error)
}

// MemoryStore is the in-process Store. A single mutex guards both indexes,
// which keeps the check-then-insert of PutIfAbsent atomic.
type MemoryStore struct {
	mu      sync.Mutex
	byPAID  map[string]Asset
	bySrcID map[string]string // source key -> PAID
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byPAID:  make(map[string]Asset),
		bySrcID: make(map[string]string),
	}
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, a Asset) (Asset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := SourceKey(a.SourceApp, a.SourceAssetID)
	if paid, ok := s.bySrcID[key]; ok {
		return s.byPAID[paid], false, nil
	}
	s.byPAID[a.PAID] = a
	s.bySrcID[key] = a.PAID
	return a, true, nil
}

func (s *MemoryStore) Get(_ context.Context, paid string) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byPAID[paid]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) GetBySource(_ context.Context, sourceApp, sourceID string) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paid, ok := s.bySrcID[SourceKey(sourceApp, sourceID)]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return s.byPAID[paid], nil
}

func (s *MemoryStore) Update(_ context.Context, paid string, fn func(a *Asset) error) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byPAID[paid]
	if !ok {
		return Asset{}, ErrNotFound
	}
	next := current // copy-on-write; fn never sees the stored record
	if err := fn(&next); err != nil {
		return Asset{}, err
	}
	s.byPAID[paid] = next
	return next, nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Asset
	for _, a := range s.byPAID {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}
