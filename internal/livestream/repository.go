package livestream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// keyedMutex hands out one mutex per stream id and frees it once no caller
// holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[StreamID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[StreamID]*refMutex)}
}

// Lock blocks until id is held and returns the matching unlock.
func (k *keyedMutex) Lock(id StreamID) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// Repository is the only writer of stream records. Every mutation of a
// given stream id runs under that id's lock, so a reconciler tick and a
// seller action never interleave into a torn record. Each committed write
// bumps Version and is checked against the store's copy.
type Repository struct {
	store   Store
	locks   *keyedMutex
	timeout time.Duration
	now     func() time.Time
}

// RepositoryOption customizes a Repository.
type RepositoryOption func(*Repository)

// WithStoreTimeout bounds every store call. Zero disables the bound.
func WithStoreTimeout(d time.Duration) RepositoryOption {
	return func(r *Repository) { r.timeout = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) { r.now = now }
}

// NewRepository wraps store.
func NewRepository(store Store, opts ...RepositoryOption) *Repository {
	r := &Repository{
		store:   store,
		locks:   newKeyedMutex(),
		timeout: 3 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Get returns the current record or ErrNotFound.
func (r *Repository) Get(ctx context.Context, id StreamID) (*StreamRecord, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	return r.store.Get(ctx, id)
}

// Create stores a new record at version 1.
func (r *Repository) Create(ctx context.Context, rec *StreamRecord) error {
	unlock := r.locks.Lock(rec.ID)
	defer unlock()

	now := r.now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.store.Put(ctx, rec, 0); err != nil {
		return fmt.Errorf("create stream %s: %w", rec.ID, err)
	}
	return nil
}

// Update loads the record, applies fn to a copy under the stream's lock and
// writes the result if fn changed anything. An error from fn aborts the
// update and is returned as is. The returned bool reports whether a write
// was committed.
func (r *Repository) Update(ctx context.Context, id StreamID, fn func(rec *StreamRecord) error) (*StreamRecord, bool, error) {
	return r.UpdateNotify(ctx, id, fn, nil)
}

// UpdateNotify is Update with a hook that runs after a committed write and
// before the stream's lock is released, so hooks of one stream run in
// version order.
func (r *Repository) UpdateNotify(ctx context.Context, id StreamID, fn func(rec *StreamRecord) error, onCommit func(rec *StreamRecord)) (*StreamRecord, bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	cur, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	next := *cur
	if err := fn(&next); err != nil {
		return cur, false, err
	}
	if next == *cur {
		return cur, false, nil
	}

	next.ID = cur.ID
	next.Version = cur.Version + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = r.now().UTC()
	if err := r.store.Put(ctx, &next, cur.Version); err != nil {
		return cur, false, fmt.Errorf("write stream %s: %w", id, err)
	}
	if onCommit != nil {
		onCommit(&next)
	}
	return &next, true, nil
}

// SetLiveFlag writes isLive.
func (r *Repository) SetLiveFlag(ctx context.Context, id StreamID, live bool) (*StreamRecord, error) {
	rec, _, err := r.Update(ctx, id, func(rec *StreamRecord) error {
		rec.IsLive = live
		return nil
	})
	return rec, err
}

// SetMode writes the presentation mode.
func (r *Repository) SetMode(ctx context.Context, id StreamID, mode Mode) (*StreamRecord, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	rec, _, err := r.Update(ctx, id, func(rec *StreamRecord) error {
		rec.Mode = mode
		return nil
	})
	return rec, err
}

// Delete removes the record if check accepts it. A missing record yields
// ErrNotFound. onDelete, if set, runs before the stream's lock is released.
func (r *Repository) Delete(ctx context.Context, id StreamID, check func(rec *StreamRecord) error, onDelete func(rec *StreamRecord)) (*StreamRecord, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	cur, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(cur); err != nil {
			return nil, err
		}
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	if onDelete != nil {
		onDelete(cur)
	}
	return cur, nil
}

// List returns every stored record. Records deleted between listing and
// reading are skipped.
func (r *Repository) List(ctx context.Context) ([]*StreamRecord, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	ids, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]*StreamRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// SetSellerStream records id as the seller's current stream.
func (r *Repository) SetSellerStream(ctx context.Context, sellerID string, id StreamID) error {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	return r.store.SetSellerStream(ctx, sellerID, id)
}

// SellerStream returns the seller's current record or ErrNotFound.
func (r *Repository) SellerStream(ctx context.Context, sellerID string) (*StreamRecord, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	id, err := r.store.GetSellerStream(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	return r.store.Get(ctx, id)
}

// ClearSellerStream drops the seller reference if it still points at id.
func (r *Repository) ClearSellerStream(ctx context.Context, sellerID string, id StreamID) error {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	return r.store.ClearSellerStream(ctx, sellerID, id)
}
