package livestream

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a stream or seller reference does not exist.
	ErrNotFound = errors.New("stream not found")

	// ErrVersionMismatch is returned by Store.Put when the stored version is
	// not the expected one: another writer committed first.
	ErrVersionMismatch = errors.New("stream version mismatch")
)

// Store is the persistence abstraction for stream records.
// Implementations can be in-memory, Redis or DynamoDB.
// The Repository uses Store for all reads and writes; callers of Repository
// do not need to know which Store is used.
type Store interface {
	// Get returns a copy of the record or ErrNotFound.
	Get(ctx context.Context, id StreamID) (*StreamRecord, error)

	// Put writes rec if the stored version equals expectedVersion.
	// expectedVersion 0 means the record must not exist yet.
	Put(ctx context.Context, rec *StreamRecord, expectedVersion int64) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id StreamID) error

	// List returns every stored stream id.
	List(ctx context.Context) ([]StreamID, error)

	// SetSellerStream points a seller at their current stream.
	SetSellerStream(ctx context.Context, sellerID string, id StreamID) error

	// GetSellerStream returns the seller's current stream id or ErrNotFound.
	GetSellerStream(ctx context.Context, sellerID string) (StreamID, error)

	// ClearSellerStream removes the seller reference only if it still
	// points at id.
	ClearSellerStream(ctx context.Context, sellerID string, id StreamID) error
}

// InMemoryStore is a concurrency-safe in-memory implementation of Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	streams map[StreamID]StreamRecord
	sellers map[string]StreamID
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams: make(map[StreamID]StreamRecord),
		sellers: make(map[string]StreamID),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(_ context.Context, id StreamID) (*StreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.streams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(_ context.Context, rec *StreamRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.streams[rec.ID]
	switch {
	case !ok && expectedVersion != 0:
		return ErrVersionMismatch
	case ok && cur.Version != expectedVersion:
		return ErrVersionMismatch
	}
	s.streams[rec.ID] = *rec
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(_ context.Context, id StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.streams, id)
	return nil
}

// List implements Store.List. Ids are sorted for stable output.
func (s *InMemoryStore) List(_ context.Context) ([]StreamID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]StreamID, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SetSellerStream implements Store.SetSellerStream.
func (s *InMemoryStore) SetSellerStream(_ context.Context, sellerID string, id StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sellers[sellerID] = id
	return nil
}

// GetSellerStream implements Store.GetSellerStream.
func (s *InMemoryStore) GetSellerStream(_ context.Context, sellerID string) (StreamID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.sellers[sellerID]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// ClearSellerStream implements Store.ClearSellerStream.
func (s *InMemoryStore) ClearSellerStream(_ context.Context, sellerID string, id StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sellers[sellerID] == id {
		delete(s.sellers, sellerID)
	}
	return nil
}
