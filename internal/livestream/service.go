package livestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"livestream-status/internal/platform/metrics"
	"livestream-status/internal/statussource"

	"github.com/google/uuid"
)

// ErrAllocate is returned when the streaming platform cannot issue
// credentials for a new stream.
var ErrAllocate = errors.New("allocate platform stream")

// StreamAllocator issues platform credentials for a new broadcast.
type StreamAllocator interface {
	CreateLiveStream(ctx context.Context, params statussource.CreateParams) (*statussource.LiveStream, error)
}

// CreateParams describes a new broadcast. When LiveStreamID is empty the
// Service allocates one from the platform.
type CreateParams struct {
	Title        string `json:"title"`
	LiveStreamID string `json:"liveStreamId"`
	PlaybackID   string `json:"playbackId"`
	StreamKey    string `json:"streamKey"`
	// LatencyMode is passed to the platform when it allocates the stream,
	// e.g. "low" or "standard". Empty leaves the platform default.
	LatencyMode  string `json:"latencyMode"`
}

// Service implements seller operations on stream records: creation, reads,
// and the video/display mode switches. Mode switches share the per-stream
// write lock with the Reconciler.
type Service struct {
	repo       *Repository
	reconciler *Reconciler
	broker     *Broker
	allocator  StreamAllocator
	log        *slog.Logger
	metrics    *metrics.Metrics
	newID      func() StreamID
}

// NewService wires a Service. allocator may be nil if callers always supply
// platform ids; m may be nil.
func NewService(repo *Repository, reconciler *Reconciler, broker *Broker, allocator StreamAllocator, log *slog.Logger, m *metrics.Metrics) *Service {
	if broker == nil {
		broker = NewBroker(0)
	}
	if m == nil {
		m = metrics.New()
	}
	if broker.onDrop == nil {
		broker.onDrop = func(id StreamID) {
			log.Debug("event dropped for slow subscriber", slog.String("stream_id", string(id)))
		}
	}
	return &Service{
		repo:       repo,
		reconciler: reconciler,
		broker:     broker,
		allocator:  allocator,
		log:        log,
		metrics:    m,
		newID:      func() StreamID { return StreamID(uuid.NewString()) },
	}
}

// CreateStream starts a broadcast for seller. The new record is live in
// video mode and becomes the seller's current stream.
func (s *Service) CreateStream(ctx context.Context, sellerID string, params CreateParams) (*StreamRecord, error) {
	id := s.newID()
	rec := &StreamRecord{
		ID:           id,
		SellerID:     sellerID,
		LiveStreamID: params.LiveStreamID,
		PlaybackID:   params.PlaybackID,
		StreamKey:    params.StreamKey,
		Title:        strings.TrimSpace(params.Title),
		IsLive:       true,
		Mode:         ModeVideo,
	}

	if rec.LiveStreamID == "" {
		if s.allocator == nil {
			return nil, fmt.Errorf("%w: no platform client configured", ErrAllocate)
		}
		ls, err := s.allocator.CreateLiveStream(ctx, statussource.CreateParams{
			PlaybackPolicy: "public",
			LatencyMode:    params.LatencyMode,
			Passthrough:    string(id),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAllocate, err)
		}
		rec.LiveStreamID = ls.ID
		rec.PlaybackID = ls.PlaybackID()
		rec.StreamKey = ls.StreamKey
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	// The record is written first so the reference never dangles.
	if err := s.repo.SetSellerStream(ctx, sellerID, id); err != nil {
		s.log.Error("set seller stream failed",
			slog.String("stream_id", string(id)),
			slog.String("seller_id", sellerID),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.log.Info("stream created",
		slog.String("stream_id", string(id)),
		slog.String("seller_id", sellerID),
		slog.String("live_stream_id", rec.LiveStreamID))
	return rec, nil
}

// GetStream returns the record without its ingest key.
func (s *Service) GetStream(ctx context.Context, id StreamID) (*StreamRecord, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	pub := rec.Public()
	return &pub, nil
}

// GetStatus returns isLive, mode and the presentation clients should render.
func (s *Service) GetStatus(ctx context.Context, id StreamID) (Status, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return rec.Status(), nil
}

// GetSellerStream returns the seller's current stream.
func (s *Service) GetSellerStream(ctx context.Context, sellerID string) (*StreamRecord, error) {
	rec, err := s.repo.SellerStream(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	pub := rec.Public()
	return &pub, nil
}

// SwitchToDisplay sets isLive=false and mode=display.
func (s *Service) SwitchToDisplay(ctx context.Context, sellerID string, id StreamID) (*StreamRecord, error) {
	return s.switchMode(ctx, sellerID, id, ModeDisplay)
}

// SwitchToVideo sets isLive=true and mode=video.
func (s *Service) SwitchToVideo(ctx context.Context, sellerID string, id StreamID) (*StreamRecord, error) {
	return s.switchMode(ctx, sellerID, id, ModeVideo)
}

func (s *Service) switchMode(ctx context.Context, sellerID string, id StreamID, mode Mode) (*StreamRecord, error) {
	live := mode == ModeVideo
	signal := SignalSwitchToVideo
	if mode == ModeDisplay {
		signal = SignalSwitchToDisplay
	}

	rec, changed, err := s.repo.UpdateNotify(ctx, id, func(rec *StreamRecord) error {
		if rec.SellerID != sellerID {
			return ErrForbidden
		}
		if rec.Mode == mode && rec.IsLive == live {
			return nil
		}
		if s.reconciler != nil && s.reconciler.conflicts(id, mode) {
			return ErrConflict
		}
		rec.Mode = mode
		rec.IsLive = live
		return nil
	}, func(committed *StreamRecord) {
		if s.reconciler != nil {
			s.reconciler.ResetOffline(id)
		}
		s.broker.Publish(id, Event{
			Type:   EventStatusChanged,
			Source: SourceSeller,
			Signal: signal,
			Status: committed.Status(),
			At:     committed.UpdatedAt,
		})
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.metrics.IncConflicts()
			s.log.Info("mode switch rejected",
				slog.String("stream_id", string(id)),
				slog.String("mode", string(mode)))
		}
		return nil, err
	}
	if !changed {
		return rec, nil
	}

	s.metrics.IncModeSwitch(string(mode))
	s.log.Info("mode switched",
		slog.String("stream_id", string(id)),
		slog.String("mode", string(mode)),
		slog.Int64("version", rec.Version))
	return rec, nil
}

// UpdateDetails changes the stream title.
func (s *Service) UpdateDetails(ctx context.Context, sellerID string, id StreamID, title string) (*StreamRecord, error) {
	rec, _, err := s.repo.Update(ctx, id, func(rec *StreamRecord) error {
		if rec.SellerID != sellerID {
			return ErrForbidden
		}
		rec.Title = strings.TrimSpace(title)
		return nil
	})
	if err != nil {
		return nil, err
	}
	pub := rec.Public()
	return &pub, nil
}

// DeleteStream removes the record, stops reconciling it and clears the
// seller reference if it still points here.
func (s *Service) DeleteStream(ctx context.Context, sellerID string, id StreamID) error {
	_, err := s.repo.Delete(ctx, id, func(rec *StreamRecord) error {
		if rec.SellerID != sellerID {
			return ErrForbidden
		}
		return nil
	}, func(rec *StreamRecord) {
		s.broker.Publish(id, Event{
			Type:   EventStreamDeleted,
			Source: SourceSeller,
			Status: rec.Status(),
			At:     s.repo.now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	if s.reconciler != nil {
		s.reconciler.Forget(id)
	}
	if err := s.repo.ClearSellerStream(ctx, sellerID, id); err != nil {
		s.log.Warn("clear seller stream failed",
			slog.String("stream_id", string(id)),
			slog.String("error", err.Error()))
	}
	s.log.Info("stream deleted", slog.String("stream_id", string(id)))
	return nil
}

// Subscribe returns the current status and a subscription to the stream's
// events, and keeps its reconcile loop running until release is called.
// The subscription is opened before the status is read, so an event may
// repeat the returned status but none is missed.
func (s *Service) Subscribe(ctx context.Context, id StreamID) (Status, *Subscription, func(), error) {
	sub := s.broker.Subscribe(id)
	st, err := s.GetStatus(ctx, id)
	if err != nil {
		sub.Close()
		return Status{}, nil, nil, err
	}
	release := func() {}
	if s.reconciler != nil {
		release = s.reconciler.Watch(id)
	}
	return st, sub, func() {
		release()
		sub.Close()
	}, nil
}
