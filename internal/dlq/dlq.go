// Package dlq writes undecodable stream frames to a NATS JetStream
// dead-letter stream so they can be inspected and replayed later.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream holding dead-lettered frames.
const StreamName = "FLEETSIGNAL_DLQ"

// subjectPrefix is combined with the failure reason to form the subject.
const subjectPrefix = "fleetsignal.dlq"

// FailedFrame is the JSON record published for each dead-lettered frame.
type FailedFrame struct {
	Timestamp time.Time `json:"timestamp"`
	Frame     []byte    `json:"frame"`
	Error     string    `json:"error"`
	Reason    string    `json:"reason"`
}

// Queue publishes failed frames to JetStream. A nil *Queue is a valid
// no-op queue, so callers never need to guard Write with a nil check.
type Queue struct {
	js      jetstream.JetStream
	stream  jetstream.Stream
	logger  *slog.Logger
	written uint64
}

// New connects the queue to an existing NATS connection and ensures the
// dead-letter stream exists.
func New(ctx context.Context, nc *nats.Conn, logger *slog.Logger) (*Queue, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is nil")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Dead letter queue for undecodable telemetry frames",
		Subjects:    []string{subjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("dlq stream ready", "stream", StreamName)

	return &Queue{
		js:     js,
		stream: stream,
		logger: logger,
	}, nil
}

// Write records a frame that could not be processed. Subject format is
// fleetsignal.dlq.<reason>.
func (q *Queue) Write(ctx context.Context, frame []byte, cause error, reason string) error {
	if q == nil {
		return nil
	}

	failed := FailedFrame{
		Timestamp: time.Now().UTC(),
		Frame:     frame,
		Error:     cause.Error(),
		Reason:    reason,
	}

	data, err := json.Marshal(failed)
	if err != nil {
		q.logger.Error("marshal dlq entry", "error", err)
		return err
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, reason)
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		q.logger.Error("publish dlq entry", "error", err, "reason", reason)
		return err
	}

	atomic.AddUint64(&q.written, 1)
	q.logger.Debug("frame dead-lettered", "reason", reason, "bytes", len(frame))
	return nil
}

// Stats returns stream counters for the admin endpoint.
func (q *Queue) Stats(ctx context.Context) map[string]any {
	if q == nil {
		return map[string]any{"enabled": false}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]any{
			"enabled":       true,
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]any{
		"enabled":        true,
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// List reads up to limit dead-lettered frames without acking them.
func (q *Queue) List(ctx context.Context, limit int) ([]FailedFrame, error) {
	if q == nil {
		return nil, fmt.Errorf("dlq not enabled")
	}
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: subjectPrefix + ".>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var frames []FailedFrame
	for msg := range msgs.Messages() {
		var failed FailedFrame
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			q.logger.Warn("skipping unparseable dlq message", "error", err)
			continue
		}
		frames = append(frames, failed)
	}
	return frames, nil
}

// Purge removes all frames from the stream.
func (q *Queue) Purge(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("dlq not enabled")
	}
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	q.logger.Info("dlq purged")
	return nil
}
