package livestream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"livestream-status/internal/platform/metrics"
	"livestream-status/internal/statussource"
)

const (
	DefaultPollInterval     = 10 * time.Second
	DefaultOfflineThreshold = 2
	DefaultFetchTimeout     = 5 * time.Second
)

// errStaleObservation aborts a tick whose record changed during the fetch.
var errStaleObservation = errors.New("observation superseded by a concurrent write")

// StatusSource reports the platform's view of a live stream.
type StatusSource interface {
	FetchStatus(ctx context.Context, liveStreamID string) (statussource.Status, error)
}

// ReconcilerConfig tunes the polling loop. Zero values take the defaults.
type ReconcilerConfig struct {
	Interval         time.Duration
	OfflineThreshold int
	FetchTimeout     time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = DefaultOfflineThreshold
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

// TickResult describes what one reconcile tick did.
type TickResult struct {
	Observation Observation
	Wrote       bool
	Signal      Signal
	Stale       bool
}

type tracker struct {
	last    Observation
	seen    bool
	offline int
}

type loop struct {
	refs   int
	cancel context.CancelFunc
}

// Reconciler keeps each record's isLive flag in line with the streaming
// platform. It goes offline only after OfflineThreshold consecutive confirmed
// idle or disabled observations; failed fetches are unknown and never write.
type Reconciler struct {
	repo    *Repository
	source  StatusSource
	broker  *Broker
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     ReconcilerConfig
	now     func() time.Time

	mu       sync.Mutex
	trackers map[StreamID]*tracker
	loops    map[StreamID]*loop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ReconcilerOption customizes a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides time.Now, for tests.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler returns a Reconciler. broker and m may be nil.
func NewReconciler(repo *Repository, source StatusSource, broker *Broker, log *slog.Logger, m *metrics.Metrics, cfg ReconcilerConfig, opts ...ReconcilerOption) *Reconciler {
	if broker == nil {
		broker = NewBroker(0)
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		repo:     repo,
		source:   source,
		broker:   broker,
		log:      log,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		trackers: make(map[StreamID]*tracker),
		loops:    make(map[StreamID]*loop),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Interval returns the poll interval.
func (r *Reconciler) Interval() time.Duration { return r.cfg.Interval }

// Tick observes the platform once for stream id and writes isLive if the
// observation warrants it.
func (r *Reconciler) Tick(ctx context.Context, id StreamID) (TickResult, error) {
	r.metrics.IncTicks()

	rec, err := r.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.dropTracker(id)
		}
		return TickResult{}, err
	}
	seenVersion := rec.Version

	obs := r.observe(ctx, rec)
	res := TickResult{Observation: obs}

	// Publishing from the commit hook keeps events in version order with
	// the seller's writes to the same stream.
	updated, wrote, err := r.repo.UpdateNotify(ctx, id, func(cur *StreamRecord) error {
		if cur.Version != seenVersion {
			return errStaleObservation
		}
		res.Signal = r.apply(id, obs, cur)
		return nil
	}, func(committed *StreamRecord) {
		r.broker.Publish(id, Event{
			Type:   EventStatusChanged,
			Source: SourceReconciler,
			Signal: res.Signal,
			Status: committed.Status(),
			At:     committed.UpdatedAt,
		})
	})
	switch {
	case errors.Is(err, errStaleObservation):
		r.metrics.IncStaleDiscards()
		r.log.Debug("stale observation discarded",
			slog.String("stream_id", string(id)),
			slog.String("observed", string(obs.Status)))
		return TickResult{Observation: obs, Stale: true}, nil
	case err != nil:
		if errors.Is(err, ErrNotFound) {
			r.dropTracker(id)
		} else {
			r.metrics.IncWriteFailures()
		}
		return TickResult{Observation: obs}, err
	}

	if !wrote {
		res.Signal = SignalNone
		return res, nil
	}
	res.Wrote = true

	direction := metrics.DirectionOffline
	if updated.IsLive {
		direction = metrics.DirectionOnline
	}
	r.metrics.IncTransition(direction)
	r.log.Info("stream live flag reconciled",
		slog.String("stream_id", string(id)),
		slog.String("live_stream_id", updated.LiveStreamID),
		slog.Bool("is_live", updated.IsLive),
		slog.String("signal", string(res.Signal)))
	return res, nil
}

func (r *Reconciler) observe(ctx context.Context, rec *StreamRecord) Observation {
	if rec.LiveStreamID == "" {
		return Observation{Status: StatusUnknown, At: r.now()}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	status, err := r.source.FetchStatus(fetchCtx, rec.LiveStreamID)
	if err != nil {
		r.metrics.IncFetchFailures()
		r.log.Warn("status fetch failed",
			slog.String("stream_id", string(rec.ID)),
			slog.String("live_stream_id", rec.LiveStreamID),
			slog.String("error", err.Error()))
		return Observation{Status: StatusUnknown, At: r.now()}
	}
	return Observation{Status: externalStatusOf(status), At: r.now()}
}

// apply records obs and mutates rec toward it. Runs under the stream's
// write lock.
func (r *Reconciler) apply(id StreamID, obs Observation, rec *StreamRecord) Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.trackerLocked(id)
	t.last = obs
	t.seen = true

	switch {
	case obs.Status == StatusActive:
		t.offline = 0
		if !rec.IsLive {
			rec.IsLive = true
			if rec.Mode == ModeDisplay {
				return SignalSwitchToVideo
			}
		}
	case obs.Status.Offline():
		t.offline++
		if rec.IsLive && t.offline >= r.cfg.OfflineThreshold {
			rec.IsLive = false
			if rec.Mode == ModeVideo {
				return SignalSwitchToDisplay
			}
		}
	}
	return SignalNone
}

func (r *Reconciler) trackerLocked(id StreamID) *tracker {
	t, ok := r.trackers[id]
	if !ok {
		t = &tracker{}
		r.trackers[id] = t
	}
	return t
}

// LastObservation returns the most recent observation of stream id.
func (r *Reconciler) LastObservation(id StreamID) (Observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[id]
	if !ok || !t.seen {
		return Observation{}, false
	}
	return t.last, true
}

// conflicts reports whether switching to mode contradicts an observation
// taken within the last poll interval.
func (r *Reconciler) conflicts(id StreamID, mode Mode) bool {
	obs, ok := r.LastObservation(id)
	if !ok || r.now().Sub(obs.At) > r.cfg.Interval {
		return false
	}
	switch mode {
	case ModeDisplay:
		return obs.Status == StatusActive
	case ModeVideo:
		return obs.Status.Offline()
	}
	return false
}

// ResetOffline clears the consecutive offline count of stream id.
func (r *Reconciler) ResetOffline(id StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[id]; ok {
		t.offline = 0
	}
}

func (r *Reconciler) dropTracker(id StreamID) {
	r.mu.Lock()
	delete(r.trackers, id)
	r.mu.Unlock()
}

// TrackedCount returns the number of streams with reconcile state.
func (r *Reconciler) TrackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// Forget drops all state of stream id and stops its loop.
func (r *Reconciler) Forget(id StreamID) {
	r.mu.Lock()
	delete(r.trackers, id)
	if l, ok := r.loops[id]; ok {
		l.cancel()
		delete(r.loops, id)
	}
	n := len(r.loops)
	r.mu.Unlock()
	r.metrics.SetWatchedStreams(n)
}

// Watch starts the polling loop of stream id if it is not running yet and
// returns a release func. The loop stops once every watcher has released.
func (r *Reconciler) Watch(id StreamID) func() {
	r.mu.Lock()
	l, ok := r.loops[id]
	if !ok {
		ctx, cancel := context.WithCancel(r.ctx)
		l = &loop{cancel: cancel}
		r.loops[id] = l
		r.wg.Add(1)
		go r.run(ctx, id)
	}
	l.refs++
	n := len(r.loops)
	r.mu.Unlock()
	r.metrics.SetWatchedStreams(n)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			l.refs--
			if l.refs == 0 {
				l.cancel()
				if r.loops[id] == l {
					delete(r.loops, id)
				}
			}
			n := len(r.loops)
			r.mu.Unlock()
			r.metrics.SetWatchedStreams(n)
		})
	}
}

// WatchedCount returns the number of running polling loops.
func (r *Reconciler) WatchedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops)
}

func (r *Reconciler) watched(id StreamID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[id]
	return ok
}

func (r *Reconciler) run(ctx context.Context, id StreamID) {
	defer r.wg.Done()

	r.tick(ctx, id)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, id)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context, id StreamID) {
	if _, err := r.Tick(ctx, id); err != nil && ctx.Err() == nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrNotFound) {
			level = slog.LevelDebug
		}
		r.log.Log(ctx, level, "reconcile tick failed",
			slog.String("stream_id", string(id)),
			slog.String("error", err.Error()))
	}
}

// Sweep ticks every live record that no loop is watching and returns how
// many were ticked. It also refreshes the live streams gauge and drops the
// state of unwatched records that are offline or gone and were not observed
// within the last interval.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	recs, err := r.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	live := 0
	for _, rec := range recs {
		if rec.IsLive {
			live++
		}
	}
	r.metrics.SetLiveStreams(live)
	r.prune(recs)

	ticked := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return ticked, ctx.Err()
		}
		if !rec.IsLive || r.watched(rec.ID) {
			continue
		}
		r.tick(ctx, rec.ID)
		ticked++
	}
	return ticked, nil
}

func (r *Reconciler) prune(recs []*StreamRecord) {
	byID := make(map[StreamID]*StreamRecord, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}
	cutoff := r.now().Add(-r.cfg.Interval)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.trackers {
		if _, ok := r.loops[id]; ok {
			continue
		}
		if rec, ok := byID[id]; ok && rec.IsLive {
			continue
		}
		if !t.seen || t.last.At.Before(cutoff) {
			delete(r.trackers, id)
		}
	}
}

// RunSweeper calls Sweep once and then every interval until ctx or the
// Reconciler is done. A non-positive interval disables sweeping.
func (r *Reconciler) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweep()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Reconciler) sweep() {
	if n, err := r.Sweep(r.ctx); err != nil {
		if r.ctx.Err() == nil {
			r.log.Warn("sweep failed", slog.String("error", err.Error()))
		}
	} else if n > 0 {
		r.log.Debug("sweep ticked unwatched streams", slog.Int("count", n))
	}
}

// Stop cancels every loop and the sweeper and waits for them to exit.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}
