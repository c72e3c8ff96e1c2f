// Package fleetapi talks to the fleet-tracking platform's HTTP API:
// session authentication, tracker inventory and label lookup.
package fleetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Config holds connection settings for the platform API.
type Config struct {
	BaseURL  string
	Email    string
	Password string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// LabelCacheTTL bounds how long a resolved tracker label is reused.
	LabelCacheTTL time.Duration
}

// Client is a session-hash authenticated platform API client. Labels are
// cached with a TTL since they are resolved on every flush.
type Client struct {
	baseURL    string
	email      string
	password   string
	httpClient *http.Client

	mu          sync.Mutex
	sessionHash string

	labels *labelCache
}

// Tracker is one vehicle tracker as listed by the platform.
type Tracker struct {
	ID     int64  `json:"id"`
	Label  string `json:"label"`
	Source struct {
		ID int64 `json:"id"`
	} `json:"source"`
}

// New creates a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.LabelCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		email:      cfg.Email,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		labels:     newLabelCache(ttl),
	}
}

type authRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type authResponse struct {
	Success bool   `json:"success"`
	Hash    string `json:"hash"`
}

// SessionHash returns the cached session hash, authenticating on first use.
func (c *Client) SessionHash(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionHash != "" {
		return c.sessionHash, nil
	}

	var resp authResponse
	err := c.post(ctx, "/v2/user/auth", authRequest{Login: c.email, Password: c.password}, &resp)
	if err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	if !resp.Success || resp.Hash == "" {
		return "", fmt.Errorf("authentication rejected by platform")
	}

	c.sessionHash = resp.Hash
	return c.sessionHash, nil
}

// InvalidateSession drops the cached hash so the next call re-authenticates.
func (c *Client) InvalidateSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionHash = ""
}

type trackerListRequest struct {
	Hash string `json:"hash"`
}

type trackerListResponse struct {
	Success bool      `json:"success"`
	List    []Tracker `json:"list"`
}

// Trackers lists all trackers visible to the authenticated account. A
// rejected session hash is dropped and the call retried once with a fresh
// one, so an expired platform session does not wedge the client.
func (c *Client) Trackers(ctx context.Context) ([]Tracker, error) {
	var resp trackerListResponse
	err := c.withSession(ctx, func(hash string) (bool, error) {
		if err := c.post(ctx, "/v2/tracker/list", trackerListRequest{Hash: hash}, &resp); err != nil {
			return false, fmt.Errorf("list trackers: %w", err)
		}
		return resp.Success, nil
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("tracker list rejected by platform")
	}

	return resp.List, nil
}

// withSession runs fn with the current session hash. When fn reports a
// platform rejection the cached hash is invalidated and fn retried once
// with a freshly authenticated one.
func (c *Client) withSession(ctx context.Context, fn func(hash string) (bool, error)) error {
	for attempt := 0; ; attempt++ {
		hash, err := c.SessionHash(ctx)
		if err != nil {
			return err
		}

		accepted, err := fn(hash)
		if err != nil {
			return err
		}
		if accepted || attempt > 0 {
			return nil
		}

		c.InvalidateSession()
	}
}

type trackerReadRequest struct {
	Hash      string `json:"hash"`
	TrackerID int64  `json:"tracker_id"`
}

type trackerReadResponse struct {
	Success bool `json:"success"`
	Value   struct {
		Label string `json:"label"`
	} `json:"value"`
}

// TrackerLabel resolves a tracker's human-readable label, via the cache.
func (c *Client) TrackerLabel(ctx context.Context, trackerID int64) (string, error) {
	if label, ok := c.labels.get(trackerID); ok {
		return label, nil
	}

	var resp trackerReadResponse
	err := c.withSession(ctx, func(hash string) (bool, error) {
		if err := c.post(ctx, "/v2/tracker/read", trackerReadRequest{Hash: hash, TrackerID: trackerID}, &resp); err != nil {
			return false, fmt.Errorf("read tracker %d: %w", trackerID, err)
		}
		return resp.Success, nil
	})
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.Value.Label == "" {
		return "", fmt.Errorf("tracker %d has no label", trackerID)
	}

	c.labels.put(trackerID, resp.Value.Label)
	return resp.Value.Label, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("platform returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

type labelCache struct {
	mu      sync.RWMutex
	entries map[int64]labelEntry
	ttl     time.Duration
}

type labelEntry struct {
	label     string
	expiresAt time.Time
}

func newLabelCache(ttl time.Duration) *labelCache {
	return &labelCache{
		entries: make(map[int64]labelEntry),
		ttl:     ttl,
	}
}

func (c *labelCache) get(trackerID int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[trackerID]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.label, true
}

func (c *labelCache) put(trackerID int64, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[trackerID] = labelEntry{
		label:     label,
		expiresAt: time.Now().Add(c.ttl),
	}
}
