package dlq

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilQueueIsNoOp(t *testing.T) {
	var q *Queue

	t.Run("write succeeds silently", func(t *testing.T) {
		err := q.Write(context.Background(), []byte("garbage frame"), errors.New("decode failed"), "decode")
		assert.NoError(t, err)
	})

	t.Run("stats reports disabled", func(t *testing.T) {
		stats := q.Stats(context.Background())
		assert.Equal(t, false, stats["enabled"])
	})

	t.Run("list and purge report not enabled", func(t *testing.T) {
		_, err := q.List(context.Background(), 10)
		assert.Error(t, err)
		assert.Error(t, q.Purge(context.Background()))
	})
}

func TestNewRequiresConnection(t *testing.T) {
	_, err := New(context.Background(), nil, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats connection is nil")
}
