package livestream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livestream-status/internal/platform/logger"
	"livestream-status/internal/platform/metrics"
	"livestream-status/internal/statussource"
)

// scriptedSource replays a fixed sequence of fetch results and repeats the
// last one once the script is exhausted.
type scriptedSource struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
	during  func()
}

type fetchResult struct {
	status statussource.Status
	err    error
}

func active() fetchResult { return fetchResult{status: statussource.StatusActive} }
func idle() fetchResult   { return fetchResult{status: statussource.StatusIdle} }
func failed() fetchResult {
	return fetchResult{err: statussource.ErrTransientFetch}
}

func (s *scriptedSource) FetchStatus(_ context.Context, _ string) (statussource.Status, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	var res fetchResult
	if len(s.results) > 0 {
		if i >= len(s.results) {
			i = len(s.results) - 1
		}
		res = s.results[i]
	}
	during := s.during
	s.mu.Unlock()

	if during != nil {
		during()
	}
	return res.status, res.err
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type reconcilerFixture struct {
	repo   *Repository
	broker *Broker
	source *scriptedSource
	rec    *Reconciler
	clock  *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newReconcilerFixture(t *testing.T, cfg ReconcilerConfig, results ...fetchResult) *reconcilerFixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)}
	repo := NewRepository(NewInMemoryStore(), WithClock(clock.Now))
	broker := NewBroker(256)
	source := &scriptedSource{results: results}
	rec := NewReconciler(repo, source, broker, logger.Discard(), nil, cfg, WithReconcilerClock(clock.Now))
	t.Cleanup(rec.Stop)
	return &reconcilerFixture{repo: repo, broker: broker, source: source, rec: rec, clock: clock}
}

func (f *reconcilerFixture) seed(t *testing.T, live bool, mode Mode) {
	t.Helper()
	seedRecord(t, f.repo, &StreamRecord{ID: "s1", SellerID: "seller-1", LiveStreamID: "ls-1", IsLive: live, Mode: mode})
}

func (f *reconcilerFixture) tick(t *testing.T) TickResult {
	t.Helper()
	res, err := f.rec.Tick(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	f.clock.Advance(f.rec.Interval())
	return res
}

func (f *reconcilerFixture) isLive(t *testing.T) bool {
	t.Helper()
	rec, err := f.repo.Get(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	return rec.IsLive
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestReconciler_goes_offline_after_threshold(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{OfflineThreshold: 2}, idle(), idle(), idle())
	f.seed(t, true, ModeVideo)
	sub := f.broker.Subscribe("s1")
	defer sub.Close()

	first := f.tick(t)
	if first.Wrote || !f.isLive(t) {
		t.Fatalf("one idle observation must not flip isLive: %+v", first)
	}

	second := f.tick(t)
	if !second.Wrote || second.Signal != SignalSwitchToDisplay {
		t.Fatalf("second idle should write and signal: %+v", second)
	}
	if f.isLive(t) {
		t.Error("expected isLive=false after two idle polls")
	}

	third := f.tick(t)
	if third.Wrote || third.Signal != SignalNone {
		t.Errorf("matching flag must not write again: %+v", third)
	}

	events := drain(sub)
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	if events[0].Signal != SignalSwitchToDisplay || events[0].Source != SourceReconciler {
		t.Errorf("unexpected event: %+v", events[0])
	}
	if events[0].Status.Presentation != PresentationOfflinePlaceholder {
		t.Errorf("presentation = %q", events[0].Status.Presentation)
	}
}

func TestReconciler_transient_failure_keeps_live(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{OfflineThreshold: 2}, active(), failed(), active())
	f.seed(t, true, ModeVideo)

	for i := 0; i < 3; i++ {
		res := f.tick(t)
		if res.Wrote {
			t.Fatalf("tick %d wrote: %+v", i, res)
		}
		if !f.isLive(t) {
			t.Fatalf("isLive flipped false at tick %d", i)
		}
	}
}

func TestReconciler_unknown_does_not_reset_offline_count(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{OfflineThreshold: 2}, idle(), failed(), idle())
	f.seed(t, true, ModeVideo)

	f.tick(t)
	if res := f.tick(t); res.Observation.Status != StatusUnknown || res.Wrote {
		t.Fatalf("failed fetch should be unknown without a write: %+v", res)
	}
	if res := f.tick(t); !res.Wrote {
		t.Fatalf("second confirmed idle should flip: %+v", res)
	}
	if f.isLive(t) {
		t.Error("expected isLive=false")
	}
}

func TestReconciler_active_after_idle_resets_count(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{OfflineThreshold: 2}, idle(), active(), idle())
	f.seed(t, true, ModeVideo)

	for i := 0; i < 3; i++ {
		f.tick(t)
	}
	if !f.isLive(t) {
		t.Error("non-consecutive idle observations must not flip isLive")
	}
}

func TestReconciler_goes_live_immediately(t *testing.T) {
	t.Run("display_mode_signals_video", func(t *testing.T) {
		f := newReconcilerFixture(t, ReconcilerConfig{}, active())
		f.seed(t, false, ModeDisplay)

		res := f.tick(t)
		if !res.Wrote || res.Signal != SignalSwitchToVideo {
			t.Errorf("unexpected result: %+v", res)
		}
		if !f.isLive(t) {
			t.Error("expected isLive=true")
		}
	})

	t.Run("video_mode_no_signal", func(t *testing.T) {
		f := newReconcilerFixture(t, ReconcilerConfig{}, active())
		f.seed(t, false, ModeVideo)

		res := f.tick(t)
		if !res.Wrote || res.Signal != SignalNone {
			t.Errorf("unexpected result: %+v", res)
		}
	})
}

func TestReconciler_converges(t *testing.T) {
	tests := []struct {
		name    string
		script  []fetchResult
		initial bool
		want    bool
	}{
		{"flapping_then_idle", []fetchResult{active(), idle(), failed(), active(), idle(), idle()}, true, false},
		{"failures_then_active", []fetchResult{failed(), failed(), active(), active()}, false, true},
		{"idle_then_active", []fetchResult{idle(), idle(), idle(), active(), active()}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconcilerFixture(t, ReconcilerConfig{OfflineThreshold: 2}, tt.script...)
			f.seed(t, tt.initial, ModeVideo)
			for range tt.script {
				f.tick(t)
			}
			if got := f.isLive(t); got != tt.want {
				t.Errorf("isLive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReconciler_discards_stale_observation(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{OfflineThreshold: 1}, idle())
	f.seed(t, true, ModeVideo)

	// A seller write lands while the fetch is in flight.
	f.source.during = func() {
		if _, err := f.repo.SetMode(context.Background(), "s1", ModeDisplay); err != nil {
			t.Errorf("concurrent SetMode: %v", err)
		}
	}

	res := f.tick(t)
	if !res.Stale || res.Wrote {
		t.Fatalf("expected stale discard: %+v", res)
	}
	if !f.isLive(t) {
		t.Error("stale observation must not write")
	}
	if _, ok := f.rec.LastObservation("s1"); ok {
		t.Error("stale observation must not be recorded")
	}
}

func TestReconciler_missing_platform_id_is_unknown(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{OfflineThreshold: 1}, idle())
	seedRecord(t, f.repo, &StreamRecord{ID: "s1", IsLive: true, Mode: ModeVideo})

	res := f.tick(t)
	if res.Observation.Status != StatusUnknown || res.Wrote {
		t.Errorf("unexpected result: %+v", res)
	}
	if f.source.Calls() != 0 {
		t.Errorf("expected no fetch, got %d", f.source.Calls())
	}
}

func TestReconciler_Tick_not_found(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{}, active())
	if _, err := f.rec.Tick(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReconciler_conflicts(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{Interval: 10 * time.Second}, active())
	f.seed(t, true, ModeVideo)

	if f.rec.conflicts("s1", ModeDisplay) {
		t.Error("no observation must never conflict")
	}
	if _, err := f.rec.Tick(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if !f.rec.conflicts("s1", ModeDisplay) {
		t.Error("recent active observation should block display")
	}
	if f.rec.conflicts("s1", ModeVideo) {
		t.Error("active observation must not block video")
	}
	f.clock.Advance(11 * time.Second)
	if f.rec.conflicts("s1", ModeDisplay) {
		t.Error("observation older than one interval must not conflict")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestReconciler_Watch(t *testing.T) {
	repo := NewRepository(NewInMemoryStore())
	source := &scriptedSource{results: []fetchResult{active()}}
	rec := NewReconciler(repo, source, nil, logger.Discard(), nil, ReconcilerConfig{Interval: 10 * time.Millisecond})
	defer rec.Stop()
	seedRecord(t, repo, &StreamRecord{ID: "s1", LiveStreamID: "ls-1", IsLive: true})

	releaseA := rec.Watch("s1")
	releaseB := rec.Watch("s1")
	if n := rec.WatchedCount(); n != 1 {
		t.Fatalf("two watchers should share one loop, got %d", n)
	}
	waitFor(t, func() bool { return source.Calls() >= 3 })

	releaseA()
	releaseA()
	if n := rec.WatchedCount(); n != 1 {
		t.Fatalf("loop stopped while still watched, count %d", n)
	}

	releaseB()
	if n := rec.WatchedCount(); n != 0 {
		t.Fatalf("loop still registered after last release, count %d", n)
	}
	time.Sleep(30 * time.Millisecond)
	settled := source.Calls()
	time.Sleep(50 * time.Millisecond)
	if source.Calls() != settled {
		t.Errorf("polling continued after release: %d -> %d", settled, source.Calls())
	}
}

func TestReconciler_Sweep(t *testing.T) {
	repo := NewRepository(NewInMemoryStore())
	source := &scriptedSource{results: []fetchResult{idle()}}
	rec := NewReconciler(repo, source, nil, logger.Discard(), nil, ReconcilerConfig{OfflineThreshold: 1, Interval: time.Hour})
	defer rec.Stop()

	seedRecord(t, repo, &StreamRecord{ID: "live", LiveStreamID: "ls-1", IsLive: true})
	seedRecord(t, repo, &StreamRecord{ID: "offline", LiveStreamID: "ls-2", IsLive: false})
	seedRecord(t, repo, &StreamRecord{ID: "watched", LiveStreamID: "ls-3", IsLive: true})

	release := rec.Watch("watched")
	defer release()
	waitFor(t, func() bool { return source.Calls() >= 1 })
	before := source.Calls()

	n, err := rec.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept stream, got %d", n)
	}
	if source.Calls() != before+1 {
		t.Errorf("expected one fetch from sweep, got %d", source.Calls()-before)
	}
	got, _ := repo.Get(context.Background(), "live")
	if got.IsLive {
		t.Error("swept stream should have converged to offline")
	}
}

func gaugeValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) == 1 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("gauge %s not registered", name)
	return 0
}

func TestReconciler_Sweep_drops_stale_state(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{}, idle())
	ctx := context.Background()
	f.seed(t, false, ModeDisplay)
	seedRecord(t, f.repo, &StreamRecord{ID: "live", LiveStreamID: "ls-2", IsLive: true})
	seedRecord(t, f.repo, &StreamRecord{ID: "gone", LiveStreamID: "ls-3", IsLive: true})

	if _, err := f.rec.Tick(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	f.tick(t)
	if _, err := f.repo.Delete(ctx, "gone", nil, nil); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)

	if _, err := f.rec.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.rec.LastObservation("s1"); ok {
		t.Error("state of an unwatched offline stream should be dropped")
	}
	if _, ok := f.rec.LastObservation("gone"); ok {
		t.Error("state of a deleted stream should be dropped")
	}
	if _, ok := f.rec.LastObservation("live"); !ok {
		t.Error("swept live stream lost its state")
	}
	if n := f.rec.TrackedCount(); n != 1 {
		t.Errorf("expected 1 tracked stream, got %d", n)
	}

	t.Run("recent_observation_kept", func(t *testing.T) {
		f.tick(t)
		if _, err := f.rec.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
		if _, ok := f.rec.LastObservation("s1"); !ok {
			t.Error("observation within the interval must survive a sweep")
		}
	})
}

func TestReconciler_Tick_not_found_drops_state(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{}, active())
	f.seed(t, true, ModeVideo)
	f.tick(t)

	if _, err := f.repo.Delete(context.Background(), "s1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rec.Tick(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := f.rec.TrackedCount(); n != 0 {
		t.Errorf("expected no tracked streams, got %d", n)
	}
}

func TestReconciler_Sweep_sets_live_gauge(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{}, active())
	seedRecord(t, f.repo, &StreamRecord{ID: "a", LiveStreamID: "ls-1", IsLive: true})
	seedRecord(t, f.repo, &StreamRecord{ID: "b", LiveStreamID: "ls-2", IsLive: true})
	seedRecord(t, f.repo, &StreamRecord{ID: "c", LiveStreamID: "ls-3", IsLive: false, Mode: ModeDisplay})

	if _, err := f.rec.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := gaugeValue(t, f.rec.metrics, "livestream_live_streams"); got != 2 {
		t.Errorf("live gauge = %v, want 2", got)
	}

	if _, err := f.repo.SetLiveFlag(context.Background(), "a", false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rec.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := gaugeValue(t, f.rec.metrics, "livestream_live_streams"); got != 1 {
		t.Errorf("live gauge = %v after a record went offline, want 1", got)
	}
}
