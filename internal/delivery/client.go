// Package delivery transmits envelopes to the remote collector over two
// paths: an ordered retrying queue for normal events and a best-effort
// beacon for page-exit signals.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/stratosmedia/stratostrack/internal/config"
	"github.com/stratosmedia/stratostrack/internal/errs"
	"github.com/stratosmedia/stratostrack/internal/model"
)

// Client talks HTTP+JSON to the collector.
type Client struct {
	base    string
	apiKey  string
	signKey []byte

	http          *http.Client
	beaconTimeout time.Duration
	log           *zap.Logger
	now           func() time.Time
}

// NewClient constructs a collector client. httpc may be nil, in which case a
// client with cfg.RequestTimeout is used.
func NewClient(cfg *config.Config, httpc *http.Client, log *zap.Logger) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:          cfg.CollectorURL,
		apiKey:        cfg.APIKey,
		signKey:       []byte(cfg.BeaconSigningKey),
		http:          httpc,
		beaconTimeout: cfg.BeaconTimeout,
		log:           log,
		now:           time.Now,
	}
}

// PostEvent delivers one envelope over the queued path. Network errors,
// non-2xx statuses and malformed response bodies all map to
// errs.ErrDeliveryFailed so the queue retries them uniformly.
func (c *Client) PostEvent(ctx context.Context, env model.EventEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		// not transient; drop rather than wedge the queue head
		return fmt.Errorf("delivery: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/track-event", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", errs.ErrDeliveryFailed, resp.StatusCode)
	}

	var out struct {
		Tracked bool `json:"tracked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: decode response: %v", errs.ErrDeliveryFailed, err)
	}
	if !out.Tracked {
		// collector accepted the request but declined the event; retrying
		// would not change the answer
		c.log.Warn("collector declined event", zap.String("event_type", env.EventType))
	}
	return nil
}

// SendBeacon posts env on the reliable-exit path: the API key rides as a
// signed query parameter (the transport carries no custom headers) and the
// body is typed text/plain to avoid a pre-flight round trip. Fire-and-forget;
// failures are logged and never surfaced.
func (c *Client) SendBeacon(env model.EventEnvelope) {
	body, err := json.Marshal(env)
	if err != nil {
		c.log.Warn("beacon: marshal envelope", zap.Error(err))
		return
	}
	token, err := c.beaconToken()
	if err != nil {
		c.log.Warn("beacon: sign token", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.beaconTimeout)
	defer cancel()

	target := c.base + "/track-event?api_key=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		c.log.Warn("beacon: build request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("beacon send failed", zap.String("event_type", env.EventType), zap.Error(err))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// ToggleFavourite posts the intended action and returns the server-confirmed
// state. The caller decides what to do when the confirmation never arrives.
func (c *Client) ToggleFavourite(ctx context.Context, fr model.FavouriteRequest) (bool, error) {
	body, err := json.Marshal(fr)
	if err != nil {
		return false, fmt.Errorf("delivery: marshal favourite request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/toggle-favourite", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("%w: status %d", errs.ErrDeliveryFailed, resp.StatusCode)
	}

	var out model.FavouriteResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("%w: decode response: %v", errs.ErrDeliveryFailed, err)
	}
	return out.IsFavourited, nil
}

// Favourites fetches the saved favourites for a visitor.
func (c *Client) Favourites(ctx context.Context, visitorID uuid.UUID) (model.FavouritesList, error) {
	target := c.base + "/get-favourites?visitor_id=" + url.QueryEscape(visitorID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return model.FavouritesList{}, fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return model.FavouritesList{}, fmt.Errorf("%w: %v", errs.ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.FavouritesList{}, fmt.Errorf("%w: status %d", errs.ErrDeliveryFailed, resp.StatusCode)
	}

	var out model.FavouritesList
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.FavouritesList{}, fmt.Errorf("%w: decode response: %v", errs.ErrDeliveryFailed, err)
	}
	return out, nil
}
