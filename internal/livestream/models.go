package livestream

import (
	"errors"
	"fmt"
	"time"

	"livestream-status/internal/statussource"
)

var (
	// ErrInvalidMode is returned for a mode other than video or display.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrConflict is returned when a mode switch contradicts the platform's
	// most recent observation.
	ErrConflict = errors.New("mode switch conflicts with observed stream status")

	// ErrForbidden is returned when a seller acts on a stream they do not own.
	ErrForbidden = errors.New("stream owned by another seller")
)

// StreamID is the document key of a StreamRecord.
type StreamID string

// Mode is the seller-chosen presentation mode of a stream.
type Mode string

const (
	ModeVideo   Mode = "video"
	ModeDisplay Mode = "display"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeVideo, ModeDisplay:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// StreamRecord is the persisted state of one seller broadcast.
// Version increases by one on every committed write and is the
// compare-and-swap token used by every Store.
type StreamRecord struct {
	ID           StreamID  `json:"id" dynamodbav:"id"`
	SellerID     string    `json:"sellerId" dynamodbav:"seller_id"`
	LiveStreamID string    `json:"liveStreamId" dynamodbav:"live_stream_id"`
	PlaybackID   string    `json:"playbackId" dynamodbav:"playback_id"`
	StreamKey    string    `json:"streamKey,omitempty" dynamodbav:"stream_key,omitempty"`
	Title        string    `json:"title" dynamodbav:"title"`
	IsLive       bool      `json:"isLive" dynamodbav:"is_live"`
	Mode         Mode      `json:"mode" dynamodbav:"mode"`
	Version      int64     `json:"version" dynamodbav:"version"`
	CreatedAt    time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// Public returns a copy without the ingest key, for read endpoints.
func (r StreamRecord) Public() StreamRecord {
	r.StreamKey = ""
	return r
}

// Status is the caller-facing view of a record's live state.
type Status struct {
	StreamID     StreamID     `json:"streamId"`
	IsLive       bool         `json:"isLive"`
	Mode         Mode         `json:"mode"`
	Presentation Presentation `json:"presentation"`
	Version      int64        `json:"version"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Status derives the caller-facing view, presentation included.
func (r *StreamRecord) Status() Status {
	return Status{
		StreamID:     r.ID,
		IsLive:       r.IsLive,
		Mode:         r.Mode,
		Presentation: Select(r.IsLive, r.Mode),
		Version:      r.Version,
		UpdatedAt:    r.UpdatedAt,
	}
}

// ExternalStatus is one observation of the platform. Unknown means the fetch
// failed; it is never evidence that the stream is offline.
type ExternalStatus string

const (
	StatusActive   ExternalStatus = "active"
	StatusIdle     ExternalStatus = "idle"
	StatusDisabled ExternalStatus = "disabled"
	StatusUnknown  ExternalStatus = "unknown"
)

// Offline reports whether the platform confirmed the stream is not active.
func (s ExternalStatus) Offline() bool {
	return s == StatusIdle || s == StatusDisabled
}

func externalStatusOf(s statussource.Status) ExternalStatus {
	switch s {
	case statussource.StatusActive:
		return StatusActive
	case statussource.StatusDisabled:
		return StatusDisabled
	default:
		return StatusIdle
	}
}

// Observation is an ExternalStatus and when it was taken.
type Observation struct {
	Status ExternalStatus `json:"status"`
	At     time.Time      `json:"at"`
}

// Signal tells clients which presentation route to move to.
type Signal string

const (
	SignalNone            Signal = ""
	SignalSwitchToVideo   Signal = "switch_to_video"
	SignalSwitchToDisplay Signal = "switch_to_display"
)

// Event types published on the Broker.
const (
	EventStatusChanged = "statusChanged"
	EventStreamDeleted = "streamDeleted"
)

// Event sources.
const (
	SourceReconciler = "reconciler"
	SourceSeller     = "seller"
)

// Event is pushed to subscribers of a stream whenever a write commits.
type Event struct {
	Type   string    `json:"type"`
	Source string    `json:"source"`
	Signal Signal    `json:"signal,omitempty"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}
