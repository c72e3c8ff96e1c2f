package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// newTestDedup returns a deduplicator with a controllable clock. The sweep
// loop still runs on the wall clock but is irrelevant at these intervals.
func newTestDedup(t *testing.T, opts Options) (*Deduplicator, *time.Time) {
	t.Helper()
	d := New(opts)
	t.Cleanup(d.Close)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	return d, &now
}

func TestIsDuplicate_TimeTolerance(t *testing.T) {
	d, now := newTestDedup(t, Options{})

	t.Run("first delivery admitted", func(t *testing.T) {
		assert.False(t, d.IsDuplicate(1, "42", 20.34, -102.47))
	})

	t.Run("repeat inside tolerance suppressed", func(t *testing.T) {
		*now = now.Add(3 * time.Second)
		assert.True(t, d.IsDuplicate(1, "42", 20.34, -102.47))
	})

	t.Run("suppressed repeat does not refresh the record", func(t *testing.T) {
		// 11s after the admitted delivery but only 8s after the
		// suppressed one: admitted, because suppression left the
		// record pinned to the first delivery.
		*now = now.Add(8 * time.Second)
		assert.False(t, d.IsDuplicate(1, "42", 20.34, -102.47))
	})

	t.Run("repeat after tolerance admitted", func(t *testing.T) {
		*now = now.Add(DefaultTimeTolerance + time.Second)
		assert.False(t, d.IsDuplicate(1, "42", 20.34, -102.47))
	})
}

func TestIsDuplicate_Keying(t *testing.T) {
	d, _ := newTestDedup(t, Options{})

	assert.False(t, d.IsDuplicate(1, "42", 20.34, -102.47))

	t.Run("different code admitted", func(t *testing.T) {
		assert.False(t, d.IsDuplicate(1, "47", 20.34, -102.47))
	})

	t.Run("different vehicle admitted", func(t *testing.T) {
		assert.False(t, d.IsDuplicate(2, "42", 20.34, -102.47))
	})
}

func TestIsDuplicate_SpatialTolerance(t *testing.T) {
	d, now := newTestDedup(t, Options{SpatialTolerance: 0.001})

	assert.False(t, d.IsDuplicate(1, "42", 20.34, -102.47))
	*now = now.Add(time.Second)

	t.Run("nearby repeat suppressed", func(t *testing.T) {
		assert.True(t, d.IsDuplicate(1, "42", 20.3401, -102.4701))
	})

	t.Run("displaced repeat admitted", func(t *testing.T) {
		assert.False(t, d.IsDuplicate(1, "42", 20.35, -102.47))
	})
}

func TestSweep(t *testing.T) {
	d, now := newTestDedup(t, Options{})

	assert.False(t, d.IsDuplicate(1, "42", 20.34, -102.47))
	assert.False(t, d.IsDuplicate(2, "33", 20.34, -102.47))
	assert.Equal(t, 2, d.Len())

	*now = now.Add(30 * time.Second)
	assert.False(t, d.IsDuplicate(2, "33", 20.34, -102.47))

	// Past retention for vehicle 1's record only.
	*now = now.Add(45 * time.Second)
	d.sweep()

	assert.Equal(t, 1, d.Len())

	// Swept record behaves like a first delivery again.
	assert.False(t, d.IsDuplicate(1, "42", 20.34, -102.47))
}
