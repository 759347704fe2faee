// Package statussource talks to the streaming platform: it reads the
// authoritative live status of a platform stream and allocates new streams.
package statussource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"golang.org/x/sync/singleflight"
)

// Status is the platform-reported state of a live stream.
type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusDisabled Status = "disabled"
)

var (
	// ErrTransientFetch wraps every failure to obtain a status: transport
	// errors, timeouts, non-2xx responses, an open breaker, bad bodies.
	// It says nothing about whether the stream is live.
	ErrTransientFetch = errors.New("status fetch failed")

	// ErrStreamNotFound is returned when the platform does not know the id.
	ErrStreamNotFound = errors.New("live stream not found on platform")
)

// APIError carries an unexpected HTTP status from the platform.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("streaming platform returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("streaming platform returned status %d: %s", e.StatusCode, e.Body)
}

// PlaybackID is a public or signed playback identifier.
type PlaybackID struct {
	ID     string `json:"id"`
	Policy string `json:"policy"`
}

// LiveStream is the subset of the platform's live stream object we use.
type LiveStream struct {
	ID          string       `json:"id"`
	Status      Status       `json:"status"`
	StreamKey   string       `json:"stream_key"`
	PlaybackIDs []PlaybackID `json:"playback_ids"`
}

// PlaybackID returns the first playback id, or "" if none was issued.
func (ls *LiveStream) PlaybackID() string {
	if ls == nil || len(ls.PlaybackIDs) == 0 {
		return ""
	}
	return ls.PlaybackIDs[0].ID
}

// CreateParams configures a new platform stream.
type CreateParams struct {
	PlaybackPolicy string `json:"-"`
	LatencyMode    string `json:"latency_mode,omitempty"`
	Passthrough    string `json:"passthrough,omitempty"`
}

type envelope struct {
	Data LiveStream `json:"data"`
}

// Client is an HTTP client for the streaming platform's live stream API.
// It authenticates with a token id/secret pair using Basic auth.
type Client struct {
	baseURL      string
	tokenID      string
	tokenSecret  string
	client       *http.Client
	timeout      time.Duration
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
	group        singleflight.Group
}

// Option customizes a Client.
type Option func(*Client)

// NewClient returns a Client with the default retry and breaker policy and a
// 5s per-call timeout.
func NewClient(baseURL, tokenID, tokenSecret string, opts ...Option) *Client {
	defaultConfig := DefaultExecutorConfig()
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		tokenID:      tokenID,
		tokenSecret:  tokenSecret,
		client:       &http.Client{Timeout: 10 * time.Second},
		timeout:      5 * time.Second,
		httpExecutor: NewExecutor(defaultConfig),
		shouldRetry:  defaultConfig.ShouldRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient replaces the default HTTP client. A nil client is ignored.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

// WithTimeout bounds each public call, retries included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithExecutorConfig sets the retry and circuit breaker policy of every
// platform call.
func WithExecutorConfig(cfg ExecutorConfig) Option {
	return func(c *Client) {
		cfg = normalizeExecutorConfig(cfg)
		c.httpExecutor = NewExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
	}
}

// FetchStatus returns the platform status of liveStreamID. Concurrent calls
// for the same id share one request. Errors wrap ErrTransientFetch, except a
// 404 which wraps both ErrTransientFetch and ErrStreamNotFound.
func (c *Client) FetchStatus(ctx context.Context, liveStreamID string) (Status, error) {
	if liveStreamID == "" {
		return "", fmt.Errorf("%w: empty live stream id", ErrTransientFetch)
	}

	v, err, _ := c.group.Do(liveStreamID, func() (any, error) {
		ls, err := c.GetLiveStream(ctx, liveStreamID)
		if err != nil {
			return Status(""), err
		}
		return ls.Status, nil
	})
	if err != nil {
		return "", err
	}
	return v.(Status), nil
}

// GetLiveStream fetches the full platform object for liveStreamID.
func (c *Client) GetLiveStream(ctx context.Context, liveStreamID string) (*LiveStream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s/video/v1/live-streams/%s", c.baseURL, url.PathEscape(liveStreamID))
	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.tokenID, c.tokenSecret)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransientFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %w: %s", ErrTransientFetch, ErrStreamNotFound, liveStreamID)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %w", ErrTransientFetch, readAPIError(resp))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode live stream: %w", ErrTransientFetch, err)
	}
	env.Data.Status = normalizeStatus(env.Data.Status)
	return &env.Data, nil
}

// CreateLiveStream allocates a new platform stream with a playback policy of
// params.PlaybackPolicy ("public" when empty).
func (c *Client) CreateLiveStream(ctx context.Context, params CreateParams) (*LiveStream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	policy := params.PlaybackPolicy
	if policy == "" {
		policy = "public"
	}
	body := map[string]any{
		"playback_policy": []string{policy},
		"new_asset_settings": map[string]any{
			"playback_policy": []string{policy},
		},
	}
	if params.LatencyMode != "" {
		body["latency_mode"] = params.LatencyMode
	}
	if params.Passthrough != "" {
		body["passthrough"] = params.Passthrough
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	reqURL := c.baseURL + "/video/v1/live-streams"
	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.tokenID, c.tokenSecret)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create live stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("create live stream: %w", readAPIError(resp))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode created live stream: %w", err)
	}
	if env.Data.ID == "" {
		return nil, errors.New("create live stream: platform returned no id")
	}
	env.Data.Status = normalizeStatus(env.Data.Status)
	return &env.Data, nil
}

func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if c.httpExecutor == nil {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return c.client.Do(req)
	}

	return execute(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if c.shouldRetry != nil && c.shouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
}

func readAPIError(resp *http.Response) *APIError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// normalizeStatus maps anything the platform may add later to idle; only
// "active" ever means live.
func normalizeStatus(s Status) Status {
	switch Status(strings.ToLower(string(s))) {
	case StatusActive:
		return StatusActive
	case StatusDisabled:
		return StatusDisabled
	default:
		return StatusIdle
	}
}
