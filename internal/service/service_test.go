package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsignal/fleetsignal/internal/classify"
	"github.com/fleetsignal/fleetsignal/internal/dedup"
	"github.com/fleetsignal/fleetsignal/internal/fleetapi"
	"github.com/fleetsignal/fleetsignal/internal/repository"
	"github.com/fleetsignal/fleetsignal/internal/window"
)

type memoryRepo struct {
	mu      sync.Mutex
	records []*repository.IncidentRecord
	failErr error
}

func (r *memoryRepo) LogIncident(_ context.Context, rec *repository.IncidentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	r.records = append(r.records, rec)
	return nil
}

func (r *memoryRepo) Close() error { return nil }

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func fakePlatform(t *testing.T) *fleetapi.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/user/auth", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "hash": "h"})
	})
	mux.HandleFunc("/v2/tracker/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"list": []map[string]any{
				{"id": 101, "label": "Torton 104", "source": map[string]any{"id": 10433582}},
				{"id": 102, "label": "Torton 105", "source": map[string]any{"id": 10433583}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fleetapi.New(fleetapi.Config{BaseURL: srv.URL, Email: "x", Password: "y"})
}

func newTestService(t *testing.T, repo repository.Repository) *Service {
	t.Helper()

	classifier, err := classify.New(classify.Config{Timezone: "UTC"})
	require.NoError(t, err)

	dd := dedup.New(dedup.Options{})
	t.Cleanup(dd.Close)

	agg := window.New(window.Options{Grace: time.Hour}, func(int64, []classify.Incident) {})
	t.Cleanup(agg.Close)

	svc := New(Options{
		CompanyID:  31,
		Classifier: classifier,
		Dedup:      dd,
		Aggregator: agg,
		Fleet:      fakePlatform(t),
		Repo:       repo,
		Logger:     slog.Default(),
	})
	require.NoError(t, svc.RefreshVehicleMap(context.Background()))
	return svc
}

func stateBatchFrame(sourceID int64, code string, lat, lng float64) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "event",
		"event": "state_batch",
		"data": [{
			"type": "source_state_event",
			"state": {
				"source_id": %d,
				"event_code": {"value": %q},
				"gps": {"location": {"lat": %g, "lng": %g}, "speed": 88},
				"updated": "2025-06-01T09:30:00Z"
			}
		}]
	}`, sourceID, code, lat, lng))
}

func TestRefreshVehicleMap(t *testing.T) {
	svc := newTestService(t, nil)

	id, ok := svc.VehicleFor(10433582)
	require.True(t, ok)
	assert.Equal(t, int64(101), id)

	id, ok = svc.VehicleFor(10433583)
	require.True(t, ok)
	assert.Equal(t, int64(102), id)

	_, ok = svc.VehicleFor(99999999)
	assert.False(t, ok)
}

func TestRefreshVehicleMap_DepartedVehicleDropsBuffer(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	list := []map[string]any{
		{"id": 101, "label": "Torton 104", "source": map[string]any{"id": 10433582}},
		{"id": 102, "label": "Torton 105", "source": map[string]any{"id": 10433583}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/user/auth", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "hash": "h"})
	})
	mux.HandleFunc("/v2/tracker/list", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"success": true, "list": list})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	classifier, err := classify.New(classify.Config{Timezone: "UTC"})
	require.NoError(t, err)
	dd := dedup.New(dedup.Options{})
	t.Cleanup(dd.Close)
	agg := window.New(window.Options{Grace: time.Hour}, func(int64, []classify.Incident) {})
	t.Cleanup(agg.Close)

	svc := New(Options{
		CompanyID:  31,
		Classifier: classifier,
		Dedup:      dd,
		Aggregator: agg,
		Fleet:      fleetapi.New(fleetapi.Config{BaseURL: srv.URL, Email: "x", Password: "y"}),
		Logger:     slog.Default(),
	})
	require.NoError(t, svc.RefreshVehicleMap(ctx))

	// Both vehicles buffer an incident.
	require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(10433582, "42", 24.6, -107.4)))
	require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(10433583, "42", 24.7, -107.5)))
	require.Equal(t, 2, agg.Vehicles())

	// Vehicle 102 leaves the fleet.
	mu.Lock()
	list = list[:1]
	mu.Unlock()
	require.NoError(t, svc.RefreshVehicleMap(ctx))

	assert.Equal(t, 1, agg.Vehicles())
	assert.Nil(t, agg.Snapshot(102))
	assert.NotNil(t, agg.Snapshot(101))

	_, ok := svc.VehicleFor(10433583)
	assert.False(t, ok)
}

func TestHandleFrame(t *testing.T) {
	ctx := context.Background()

	t.Run("heartbeat frames are ignored", func(t *testing.T) {
		svc := newTestService(t, nil)
		assert.NoError(t, svc.HandleFrame(ctx, []byte("2")))
		assert.NoError(t, svc.HandleFrame(ctx, []byte("  \n")))
		assert.NoError(t, svc.HandleFrame(ctx, nil))
	})

	t.Run("malformed json is reported", func(t *testing.T) {
		svc := newTestService(t, nil)
		err := svc.HandleFrame(ctx, []byte(`{"type": "event", "data": [`))
		assert.Error(t, err)
	})

	t.Run("admitted incident reaches the repository and the buffer", func(t *testing.T) {
		repo := &memoryRepo{}
		svc := newTestService(t, repo)

		require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(10433582, "42", 24.6, -107.4)))

		require.Equal(t, 1, repo.count())
		rec := repo.records[0]
		assert.Equal(t, int64(31), rec.CompanyID)
		assert.Equal(t, int64(101), rec.VehicleID)
		assert.Equal(t, int64(10433582), rec.SourceID)
		assert.Equal(t, "state_batch", rec.EventType)
		assert.Equal(t, "42", rec.Code)
		assert.Equal(t, "Panic button", rec.Name)
		assert.Contains(t, string(rec.Payload), `"source_id": 10433582`)
	})
}

func TestHandleMessageFiltering(t *testing.T) {
	ctx := context.Background()
	repo := &memoryRepo{}
	svc := newTestService(t, repo)

	t.Run("non state_batch messages are ignored", func(t *testing.T) {
		require.NoError(t, svc.HandleFrame(ctx, []byte(`{"type":"event","event":"readings_batch","data":[]}`)))
		assert.Equal(t, 0, repo.count())
	})

	t.Run("unknown source is skipped", func(t *testing.T) {
		require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(55555, "42", 24.6, -107.4)))
		assert.Equal(t, 0, repo.count())
	})

	t.Run("untracked code is skipped", func(t *testing.T) {
		require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(10433582, "99", 24.6, -107.4)))
		assert.Equal(t, 0, repo.count())
	})
}

func TestHandleMessageDedup(t *testing.T) {
	ctx := context.Background()
	repo := &memoryRepo{}
	svc := newTestService(t, repo)

	// Same vehicle, same code, same spot, back to back.
	require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(10433582, "42", 24.6, -107.4)))
	require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(10433582, "42", 24.6, -107.4)))
	assert.Equal(t, 1, repo.count(), "transport repeat must be suppressed")

	// Different code on the same vehicle passes.
	require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(10433582, "47", 24.6, -107.4)))
	assert.Equal(t, 2, repo.count())

	// Same code on the other vehicle passes.
	require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(10433583, "42", 24.6, -107.4)))
	assert.Equal(t, 3, repo.count())
}

func TestPersistFailureDoesNotBlockAggregation(t *testing.T) {
	ctx := context.Background()
	repo := &memoryRepo{failErr: fmt.Errorf("connection refused")}

	classifier, err := classify.New(classify.Config{Timezone: "UTC"})
	require.NoError(t, err)
	dd := dedup.New(dedup.Options{})
	t.Cleanup(dd.Close)

	flushed := make(chan int64, 1)
	agg := window.New(window.Options{Grace: 10 * time.Millisecond, RequiredUniqueCodes: 3},
		func(vehicleID int64, _ []classify.Incident) { flushed <- vehicleID })
	t.Cleanup(agg.Close)

	svc := New(Options{
		CompanyID:  31,
		Classifier: classifier,
		Dedup:      dd,
		Aggregator: agg,
		Fleet:      fakePlatform(t),
		Repo:       repo,
		Logger:     slog.Default(),
	})
	require.NoError(t, svc.RefreshVehicleMap(ctx))

	require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(10433582, "42", 24.6, -107.4)))
	require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(10433582, "47", 24.6, -107.4)))
	require.NoError(t, svc.HandleFrame(ctx, stateBatchFrame(10433582, "46", 24.6, -107.4)))

	select {
	case vehicleID := <-flushed:
		assert.Equal(t, int64(101), vehicleID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a flush despite persistence failures")
	}
}
