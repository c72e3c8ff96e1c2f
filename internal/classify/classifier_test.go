package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsignal/fleetsignal/internal/telemetry"
)

func newTestClassifier(t *testing.T, cfg Config) *Classifier {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestClassify_CodeExtraction(t *testing.T) {
	c := newTestClassifier(t, Config{})

	t.Run("top-level code wins", func(t *testing.T) {
		inc, ok := c.Classify(&telemetry.SourceState{
			EventCode:  &telemetry.CodeValue{Value: CodePanic},
			Additional: &telemetry.Additional{EventCode: &telemetry.CodeValue{Value: CodePowerCut}},
		})
		require.True(t, ok)
		assert.Equal(t, CodePanic, inc.Code)
		assert.Equal(t, "Panic button", inc.Name)
	})

	t.Run("nested code as fallback", func(t *testing.T) {
		inc, ok := c.Classify(&telemetry.SourceState{
			Additional: &telemetry.Additional{EventCode: &telemetry.CodeValue{Value: CodeHarshBrake}},
		})
		require.True(t, ok)
		assert.Equal(t, CodeHarshBrake, inc.Code)
	})

	t.Run("no code", func(t *testing.T) {
		_, ok := c.Classify(&telemetry.SourceState{})
		assert.False(t, ok)
	})

	t.Run("untracked code", func(t *testing.T) {
		_, ok := c.Classify(&telemetry.SourceState{
			EventCode: &telemetry.CodeValue{Value: "99"},
		})
		assert.False(t, ok)
	})

	t.Run("nil state", func(t *testing.T) {
		_, ok := c.Classify(nil)
		assert.False(t, ok)
	})
}

func TestClassify_OverspeedThreshold(t *testing.T) {
	c := newTestClassifier(t, Config{MinOverspeedKmh: 80})

	tests := []struct {
		name     string
		speed    float64
		admitted bool
	}{
		{"above threshold", 120, true},
		{"at threshold", 80, false},
		{"below threshold", 40, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inc, ok := c.Classify(&telemetry.SourceState{
				EventCode: &telemetry.CodeValue{Value: CodeOverspeed},
				GPS: &telemetry.GPS{
					Location: telemetry.Location{Lat: 20.34, Lng: -102.47},
					Speed:    tt.speed,
				},
			})
			assert.Equal(t, tt.admitted, ok)
			if tt.admitted {
				assert.Equal(t, tt.speed, inc.Speed)
			}
		})
	}

	t.Run("threshold only applies to overspeed", func(t *testing.T) {
		_, ok := c.Classify(&telemetry.SourceState{
			EventCode: &telemetry.CodeValue{Value: CodePanic},
			GPS:       &telemetry.GPS{Speed: 0},
		})
		assert.True(t, ok)
	})
}

func TestClassify_Coordinates(t *testing.T) {
	c := newTestClassifier(t, Config{})

	t.Run("missing gps yields unknown coordinates", func(t *testing.T) {
		inc, ok := c.Classify(&telemetry.SourceState{
			EventCode: &telemetry.CodeValue{Value: CodePanic},
		})
		require.True(t, ok)
		assert.Zero(t, inc.Lat)
		assert.Zero(t, inc.Lng)
	})

	t.Run("coordinates carried through", func(t *testing.T) {
		inc, ok := c.Classify(&telemetry.SourceState{
			EventCode: &telemetry.CodeValue{Value: CodePanic},
			GPS: &telemetry.GPS{
				Location: telemetry.Location{Lat: 24.626428, Lng: -107.463373},
			},
		})
		require.True(t, ok)
		assert.Equal(t, 24.626428, inc.Lat)
		assert.Equal(t, -107.463373, inc.Lng)
	})
}

func TestClassify_EventDate(t *testing.T) {
	c := newTestClassifier(t, Config{})

	t.Run("renders reported update time", func(t *testing.T) {
		inc, ok := c.Classify(&telemetry.SourceState{
			EventCode: &telemetry.CodeValue{Value: CodePanic},
			Updated:   "2025-06-01T09:30:00Z",
		})
		require.True(t, ok)
		assert.Equal(t, "01 Jun 2025, 09:30:00", inc.EventDate)
	})

	t.Run("falls back to gps update time", func(t *testing.T) {
		inc, ok := c.Classify(&telemetry.SourceState{
			EventCode: &telemetry.CodeValue{Value: CodePanic},
			GPS:       &telemetry.GPS{Updated: "2025-06-01T10:15:00Z"},
		})
		require.True(t, ok)
		assert.Equal(t, "01 Jun 2025, 10:15:00", inc.EventDate)
	})

	t.Run("unparseable time falls back to now", func(t *testing.T) {
		inc, ok := c.Classify(&telemetry.SourceState{
			EventCode: &telemetry.CodeValue{Value: CodePanic},
			Updated:   "not-a-date",
		})
		require.True(t, ok)
		assert.Equal(t, "01 Jun 2025, 12:00:00", inc.EventDate)
	})

	t.Run("configured timezone applied", func(t *testing.T) {
		mx := newTestClassifier(t, Config{Timezone: "America/Mexico_City"})
		inc, ok := mx.Classify(&telemetry.SourceState{
			EventCode: &telemetry.CodeValue{Value: CodePanic},
			Updated:   "2025-06-01T09:30:00Z",
		})
		require.True(t, ok)
		assert.Equal(t, "01 Jun 2025, 03:30:00", inc.EventDate)
	})

	t.Run("invalid timezone rejected", func(t *testing.T) {
		_, err := New(Config{Timezone: "Not/AZone"})
		assert.Error(t, err)
	})
}
