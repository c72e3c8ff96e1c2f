// Package service wires the ingest pipeline: decode a raw frame, classify
// each source state, suppress transport repeats, persist the incident and
// feed it to the sliding-window aggregator.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetsignal/fleetsignal/internal/classify"
	"github.com/fleetsignal/fleetsignal/internal/dedup"
	"github.com/fleetsignal/fleetsignal/internal/dlq"
	"github.com/fleetsignal/fleetsignal/internal/fleetapi"
	"github.com/fleetsignal/fleetsignal/internal/metrics"
	"github.com/fleetsignal/fleetsignal/internal/repository"
	"github.com/fleetsignal/fleetsignal/internal/telemetry"
	"github.com/fleetsignal/fleetsignal/internal/window"
)

// Options collects the collaborators of the pipeline. Repo and Queue may
// be nil, in which case persistence and dead-lettering are skipped.
type Options struct {
	CompanyID  int64
	Classifier *classify.Classifier
	Dedup      *dedup.Deduplicator
	Aggregator *window.Aggregator
	Fleet      *fleetapi.Client
	Repo       repository.Repository
	Queue      *dlq.Queue
	Logger     *slog.Logger
}

// Service is the per-frame processing pipeline.
type Service struct {
	companyID  int64
	classifier *classify.Classifier
	dedup      *dedup.Deduplicator
	agg        *window.Aggregator
	fleet      *fleetapi.Client
	repo       repository.Repository
	queue      *dlq.Queue
	logger     *slog.Logger

	mu              sync.RWMutex
	sourceToVehicle map[int64]int64
}

// New builds the pipeline. RefreshVehicleMap must be called before frames
// arrive or every state will be skipped as coming from an unknown source.
func New(opts Options) *Service {
	return &Service{
		companyID:       opts.CompanyID,
		classifier:      opts.Classifier,
		dedup:           opts.Dedup,
		agg:             opts.Aggregator,
		fleet:           opts.Fleet,
		repo:            opts.Repo,
		queue:           opts.Queue,
		logger:          opts.Logger,
		sourceToVehicle: make(map[int64]int64),
	}
}

// RefreshVehicleMap rebuilds the source ID to vehicle ID mapping from the
// platform's tracker list. Vehicles that left the fleet have their
// aggregation buffer dropped, canceling any pending grace timer.
func (s *Service) RefreshVehicleMap(ctx context.Context) error {
	trackers, err := s.fleet.Trackers(ctx)
	if err != nil {
		return fmt.Errorf("list trackers: %w", err)
	}

	next := make(map[int64]int64, len(trackers))
	keep := make(map[int64]bool, len(trackers))
	for _, tr := range trackers {
		if tr.Source.ID == 0 {
			continue
		}
		next[tr.Source.ID] = tr.ID
		keep[tr.ID] = true
		s.logger.Info("tracker active", "label", tr.Label, "vehicle_id", tr.ID, "source_id", tr.Source.ID)
	}

	s.mu.Lock()
	prev := s.sourceToVehicle
	s.sourceToVehicle = next
	s.mu.Unlock()

	for _, vehicleID := range prev {
		if !keep[vehicleID] {
			s.agg.Remove(vehicleID)
			s.logger.Info("vehicle left the fleet", "vehicle_id", vehicleID)
		}
	}

	s.logger.Info("vehicle map refreshed", "vehicles", len(next))
	return nil
}

// VehicleFor resolves a platform source ID to its vehicle ID.
func (s *Service) VehicleFor(sourceID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sourceToVehicle[sourceID]
	return id, ok
}

// HandleFrame processes one raw frame from the stream. Heartbeat frames
// (anything that is not a JSON object) are ignored. Undecodable JSON is
// counted, dead-lettered and reported to the caller.
func (s *Service) HandleFrame(ctx context.Context, frame []byte) error {
	text := bytes.TrimSpace(frame)
	if len(text) == 0 || text[0] != '{' {
		return nil
	}

	var msg telemetry.Message
	if err := json.Unmarshal(text, &msg); err != nil {
		metrics.DecodeFailures.Inc()
		s.logger.Error("frame decode failed", "error", err, "bytes", len(frame))
		if dlqErr := s.queue.Write(ctx, frame, err, "decode"); dlqErr != nil {
			s.logger.Error("dead-letter write failed", "error", dlqErr)
		}
		return fmt.Errorf("decode frame: %w", err)
	}

	return s.HandleMessage(ctx, &msg)
}

// HandleMessage runs the classification pipeline over a decoded envelope.
// Messages that are not state batches are ignored.
func (s *Service) HandleMessage(ctx context.Context, msg *telemetry.Message) error {
	if msg.Type != telemetry.TypeEvent || msg.Event != telemetry.EventStateBatch {
		return nil
	}

	for _, item := range msg.Data {
		if item.Type != telemetry.ItemSourceState {
			continue
		}
		metrics.StateEventsTotal.Inc()

		state, err := item.SourceState()
		if err != nil {
			metrics.DecodeFailures.Inc()
			s.logger.Error("state decode failed", "error", err)
			if dlqErr := s.queue.Write(ctx, item.State, err, "state_decode"); dlqErr != nil {
				s.logger.Error("dead-letter write failed", "error", dlqErr)
			}
			continue
		}

		s.processState(ctx, msg.Event, item.State, state)
	}
	return nil
}

func (s *Service) processState(ctx context.Context, eventType string, raw []byte, state *telemetry.SourceState) {
	vehicleID, ok := s.VehicleFor(state.SourceID)
	if !ok {
		metrics.IncidentsSkipped.WithLabelValues("unknown_source").Inc()
		return
	}

	inc, ok := s.classifier.Classify(state)
	if !ok {
		metrics.IncidentsSkipped.WithLabelValues("untracked_code").Inc()
		return
	}

	if s.dedup.IsDuplicate(vehicleID, inc.Code, inc.Lat, inc.Lng) {
		metrics.DuplicatesSuppressed.Inc()
		s.logger.Debug("transport repeat suppressed", "vehicle_id", vehicleID, "code", inc.Code)
		return
	}

	s.persist(ctx, eventType, raw, state, vehicleID, inc)

	metrics.IncidentsAdmitted.WithLabelValues(inc.Code).Inc()
	res := s.agg.Record(vehicleID, inc)
	s.logger.Info("incident admitted",
		"vehicle_id", vehicleID,
		"code", inc.Code,
		"name", inc.Name,
		"buffered", res.Buffered,
		"unique_codes", res.UniqueCodes,
		"timer_scheduled", res.TimerScheduled,
		"cooldown", res.Cooldown,
	)
}

// persist writes the incident to the log. Failures are counted and logged
// but never block aggregation.
func (s *Service) persist(ctx context.Context, eventType string, raw []byte, state *telemetry.SourceState, vehicleID int64, inc classify.Incident) {
	if s.repo == nil {
		return
	}

	rec := &repository.IncidentRecord{
		CompanyID: s.companyID,
		VehicleID: vehicleID,
		SourceID:  state.SourceID,
		EventType: eventType,
		Code:      inc.Code,
		Name:      inc.Name,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if state.SubEventCode != nil {
		rec.SubCode = state.SubEventCode.Value
	}

	if err := s.repo.LogIncident(ctx, rec); err != nil {
		metrics.PersistFailures.Inc()
		s.logger.Error("incident log write failed", "vehicle_id", vehicleID, "code", inc.Code, "error", err)
	}
}
