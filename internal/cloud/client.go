// Package cloud talks to the device cloud: the registry of cameras, their
// motion event history, and the per-device stream negotiation endpoint.
// Authentication is a provisioned oauth2 token file; refreshed tokens are
// persisted back so restarts reuse them.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/porchwatch/porchwatch/internal/device"
	"github.com/porchwatch/porchwatch/internal/rtc"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultMaxRetries     = 3
	defaultRetryBackoff   = 500 * time.Millisecond
	defaultHistoryLimit   = 15

	maxResponseBytes = 1 << 20
)

// Config describes the device cloud endpoint and its credentials.
type Config struct {
	// BaseURL is the REST root, e.g. https://cloud.example.com.
	BaseURL string

	// TokenFile holds the provisioned oauth2 token, plain JSON or sealed.
	TokenFile string

	// TokenKey unseals TokenFile and seals tokens written back to it.
	// Empty means plaintext token files.
	TokenKey string

	// TokenURL, ClientID and ClientSecret drive token refresh. An empty
	// TokenURL disables refresh and uses the stored token as-is.
	TokenURL     string
	ClientID     string
	ClientSecret string

	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

func (c *Config) applyDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
}

// Client is the single connection point to the device cloud. It caches
// the device list between refreshes and implements both the monitor's
// registry contract and the session manager's negotiator contract.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     oauth2.TokenSource
	logger     *zap.Logger

	mu      sync.RWMutex
	devices []device.Device
}

// NewClient loads the token file and prepares the authenticated HTTP
// client. No network call is made until the first request.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cloud base url is required")
	}
	if cfg.TokenFile == "" {
		return nil, fmt.Errorf("cloud token file is required")
	}
	cfg.applyDefaults()

	token, err := readTokenFile(cfg.TokenFile, cfg.TokenKey)
	if err != nil {
		return nil, err
	}

	logger := zap.L().Named("cloud")

	var src oauth2.TokenSource
	if cfg.TokenURL != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		}
		src = oauthCfg.TokenSource(ctx, token)
	} else {
		src = oauth2.StaticTokenSource(token)
	}
	tokens := &persistingTokenSource{
		path:      cfg.TokenFile,
		masterKey: cfg.TokenKey,
		logger:    logger,
		src:       src,
		last:      token.AccessToken,
	}

	httpClient := oauth2.NewClient(ctx, tokens)
	httpClient.Timeout = cfg.RequestTimeout

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
	}, nil
}

// Wire shapes of the cloud's JSON surface.
type deviceRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TwoWayAudio bool   `json:"two_way_audio"`
}

type eventRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

type streamRequest struct {
	SDP string `json:"sdp"`
}

type streamResponse struct {
	SDP       string `json:"sdp"`
	SessionID string `json:"session_id"`
}

// Refresh re-fetches the device list and replaces the cache.
func (c *Client) Refresh(ctx context.Context) error {
	var records []deviceRecord
	if err := c.getJSON(ctx, "/v1/devices", &records); err != nil {
		return fmt.Errorf("refresh devices: %w", err)
	}

	devices := make([]device.Device, 0, len(records))
	for _, r := range records {
		devices = append(devices, device.Device{
			ID:          r.ID,
			Name:        r.Name,
			TwoWayAudio: r.TwoWayAudio,
		})
	}

	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()

	c.logger.Debug("device registry refreshed", zap.Int("devices", len(devices)))
	return nil
}

// Devices returns a copy of the cached device list.
func (c *Client) Devices() []device.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]device.Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// History fetches a device's recent motion-kind events, newest first.
func (c *Client) History(ctx context.Context, deviceID string, limit int) ([]device.Event, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	path := fmt.Sprintf("/v1/devices/%s/history?limit=%d&kind=motion", url.PathEscape(deviceID), limit)

	var records []eventRecord
	if err := c.getJSON(ctx, path, &records); err != nil {
		return nil, fmt.Errorf("history for device %s: %w", deviceID, err)
	}

	events := make([]device.Event, 0, len(records))
	for _, r := range records {
		events = append(events, device.Event{ID: r.ID, Kind: r.Kind, CreatedAt: r.CreatedAt})
	}
	return events, nil
}

// Negotiate exchanges a local offer for the device's answer. The cloud
// assigns the session id that later authorizes teardown. Rejections
// surface as NegotiationRejectedError; negotiation is never retried.
func (c *Client) Negotiate(ctx context.Context, deviceID, offerSDP string) (rtc.Answer, error) {
	payload, err := json.Marshal(streamRequest{SDP: offerSDP})
	if err != nil {
		return rtc.Answer{}, fmt.Errorf("marshal stream request: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/v1/devices/" + url.PathEscape(deviceID) + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return rtc.Answer{}, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rtc.Answer{}, fmt.Errorf("negotiate with device %s: %w", deviceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return rtc.Answer{}, &rtc.NegotiationRejectedError{
			DeviceID: deviceID,
			Reason:   fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
		}
	}

	var sr streamResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&sr); err != nil {
		return rtc.Answer{}, fmt.Errorf("decode stream response for device %s: %w", deviceID, err)
	}
	return rtc.Answer{SDP: sr.SDP, SessionID: sr.SessionID}, nil
}

// Teardown releases a negotiated session. A 404 means the session is
// already gone, which is the outcome we wanted.
func (c *Client) Teardown(ctx context.Context, deviceID, sessionID string) error {
	endpoint := c.cfg.BaseURL + "/v1/devices/" + url.PathEscape(deviceID) + "/stream/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build teardown request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("teardown session %s on device %s: %w", sessionID, deviceID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("teardown session %s on device %s: status %d: %s",
			sessionID, deviceID, resp.StatusCode, bytes.TrimSpace(body))
	}
}

// DialEvents opens the push event stream. The caller owns the returned
// connection.
func (c *Client) DialEvents(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("events dial: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.AccessToken)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.eventsURL(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial events stream: %w", err)
	}
	return conn, nil
}

func (c *Client) eventsURL() string {
	endpoint := c.cfg.BaseURL + "/v1/events"
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// getJSON fetches and decodes one resource. Transport errors and 5xx
// responses retry with capped exponential backoff; everything else is
// permanent.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	newBackoff := func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = c.cfg.RetryBackoff
		bo.Reset()
		return backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries))
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(body))
			if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode GET %s: %w", path, err))
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(newBackoff(), ctx))
}
