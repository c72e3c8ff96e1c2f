// Package transport maintains the WebSocket subscription to the fleet
// platform's push channel and feeds raw frames to the pipeline.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultReconnectWait matches the platform client's retry interval.
const DefaultReconnectWait = 5 * time.Second

// FrameHandler receives each raw frame exactly as it arrived, heartbeats
// included. Errors are logged and do not stop the stream.
type FrameHandler func(ctx context.Context, frame []byte) error

// HashProvider returns the current session hash for the subscribe request.
type HashProvider func(ctx context.Context) (string, error)

// Config holds the stream connection settings.
type Config struct {
	// URL is the platform's WebSocket endpoint.
	URL string
	// Origin is sent on the handshake; the platform rejects bare clients.
	Origin string
	// RateLimit throttles state batches server side, e.g. "5s".
	RateLimit        string
	ReconnectWait    time.Duration
	HandshakeTimeout time.Duration
}

type subscribeTarget struct {
	Type string `json:"type"`
}

type subscribeRequest struct {
	Type      string          `json:"type"`
	Target    subscribeTarget `json:"target"`
	RateLimit string          `json:"rate_limit"`
}

type subscribeAction struct {
	Action      string             `json:"action"`
	Hash        string             `json:"hash"`
	ISODatetime bool               `json:"iso_datetime"`
	Requests    []subscribeRequest `json:"requests"`
}

// Stream dials the push channel, subscribes to state batches and pumps
// frames into the handler, reconnecting until the context is cancelled.
type Stream struct {
	cfg     Config
	hash    HashProvider
	handler FrameHandler
	logger  *slog.Logger

	// onConnect runs after each successful subscribe, before the read
	// loop. Used to rebuild the vehicle map on reconnect.
	onConnect func(ctx context.Context) error
}

// New creates a Stream. onConnect may be nil.
func New(cfg Config, hash HashProvider, handler FrameHandler, onConnect func(ctx context.Context) error, logger *slog.Logger) *Stream {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultReconnectWait
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.RateLimit == "" {
		cfg.RateLimit = "5s"
	}
	return &Stream{
		cfg:       cfg,
		hash:      hash,
		handler:   handler,
		onConnect: onConnect,
		logger:    logger.With("component", "transport"),
	}
}

// Run connects and processes frames until ctx is cancelled. Each dropped
// connection is retried after ReconnectWait.
func (s *Stream) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("stream disconnected, retrying",
			"error", err, "wait", s.cfg.ReconnectWait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectWait):
		}
	}
}

func (s *Stream) runOnce(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := s.subscribe(ctx, conn); err != nil {
		return err
	}
	s.logger.Info("subscribed to state batches", "url", s.cfg.URL)

	if s.onConnect != nil {
		if err := s.onConnect(ctx); err != nil {
			return fmt.Errorf("on connect: %w", err)
		}
	}

	return s.readLoop(ctx, conn)
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}

	header := http.Header{}
	if s.cfg.Origin != "" {
		header.Set("Origin", s.cfg.Origin)
	}

	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", s.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

func (s *Stream) subscribe(ctx context.Context, conn *websocket.Conn) error {
	hash, err := s.hash(ctx)
	if err != nil {
		return fmt.Errorf("session hash: %w", err)
	}

	sub := subscribeAction{
		Action:      "subscribe",
		Hash:        hash,
		ISODatetime: true,
		Requests: []subscribeRequest{
			{
				Type:      "state_batch",
				Target:    subscribeTarget{Type: "all"},
				RateLimit: s.cfg.RateLimit,
			},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// ReadMessage has no context support, so cancellation closes the
	// connection out from under it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("server closed the stream")
			}
			return fmt.Errorf("read frame: %w", err)
		}

		if err := s.handler(ctx, frame); err != nil {
			s.logger.Error("frame handling failed", "error", err)
		}
	}
}
