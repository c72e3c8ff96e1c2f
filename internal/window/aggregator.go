// Package window owns the per-vehicle sliding-window correlation state:
// incident buffers, grace-period debounce timers and post-flush cooldown.
package window

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fleetsignal/fleetsignal/internal/classify"
	"github.com/fleetsignal/fleetsignal/internal/metrics"
)

// Policy decides how the unique-code count is compared against the
// required threshold, both when scheduling a timer and when honoring it.
type Policy string

const (
	// PolicyExact fires only while exactly N distinct codes are buffered.
	PolicyExact Policy = "exact"
	// PolicyAtLeast fires once N or more distinct codes are buffered.
	PolicyAtLeast Policy = "at_least"
)

// Defaults mirror the production tuning of the upstream deployment.
const (
	DefaultWindow              = 5 * time.Minute
	DefaultGrace               = 30 * time.Second
	DefaultRequiredUniqueCodes = 3
	DefaultSweepInterval       = time.Minute
)

// FlushFunc receives the finalized snapshot for a vehicle: one incident per
// distinct code, sorted ascending by occurrence time. Invoked outside the
// aggregator's lock.
type FlushFunc func(vehicleID int64, snapshot []classify.Incident)

// Options configures an Aggregator. Zero values take the defaults above.
type Options struct {
	Window              time.Duration
	Grace               time.Duration
	RequiredUniqueCodes int
	Policy              Policy
	SweepInterval       time.Duration

	Clock     Clock
	Scheduler Scheduler
	Logger    *slog.Logger
}

// RecordResult reports what a Record call did, so callers and tests can
// observe the state machine instead of inferring it from side effects.
type RecordResult struct {
	Buffered       int
	UniqueCodes    int
	TimerScheduled bool
	TimerPending   bool
	Cooldown       bool
}

type buffer struct {
	incidents   []classify.Incident
	lastFlushAt time.Time
	timer       Timer
}

// Aggregator owns one buffer per vehicle and fires the flush callback when
// a qualifying pattern of distinct incident types survives the grace
// period. All buffer state is guarded by one mutex; timer callbacks
// re-enter through the same lock, and the flush callback runs outside it.
type Aggregator struct {
	mu      sync.Mutex
	buffers map[int64]*buffer

	window   time.Duration
	grace    time.Duration
	required int
	policy   Policy

	clock  Clock
	sched  Scheduler
	flush  FlushFunc
	logger *slog.Logger

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// New creates an Aggregator and starts its idle-buffer sweep.
func New(opts Options, flush FlushFunc) *Aggregator {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.RequiredUniqueCodes <= 0 {
		opts.RequiredUniqueCodes = DefaultRequiredUniqueCodes
	}
	if opts.Policy == "" {
		opts.Policy = PolicyExact
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = SystemScheduler()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &Aggregator{
		buffers:       make(map[int64]*buffer),
		window:        opts.Window,
		grace:         opts.Grace,
		required:      opts.RequiredUniqueCodes,
		policy:        opts.Policy,
		clock:         opts.Clock,
		sched:         opts.Scheduler,
		flush:         flush,
		logger:        opts.Logger.With("component", "window"),
		sweepInterval: opts.SweepInterval,
		stopCh:        make(chan struct{}),
	}

	go a.sweepLoop()

	return a
}

// Record appends an incident to the vehicle's buffer, purges entries that
// have aged out of the window, and schedules the grace timer when the
// distinct-code threshold is met. The incident is retained even while a
// timer is pending or cooldown is active, so it still reaches the eventual
// flush contents.
func (a *Aggregator) Record(vehicleID int64, inc classify.Incident) RecordResult {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.buffers[vehicleID]
	if b == nil {
		b = &buffer{}
		a.buffers[vehicleID] = b
	}

	b.incidents = append(b.incidents, inc)
	b.incidents = purge(b.incidents, now.Add(-a.window))

	unique := countUniqueCodes(b.incidents)
	res := RecordResult{
		Buffered:     len(b.incidents),
		UniqueCodes:  unique,
		TimerPending: b.timer != nil,
		Cooldown:     a.inCooldown(b, now),
	}

	if res.TimerPending || res.Cooldown {
		return res
	}

	if a.meets(unique) {
		b.timer = a.sched.AfterFunc(a.grace, func() { a.onTimer(vehicleID) })
		res.TimerScheduled = true
		a.logger.Debug("grace timer scheduled",
			"vehicle_id", vehicleID,
			"unique_codes", unique,
			"grace", a.grace,
		)
	}

	return res
}

// onTimer re-validates the buffer against the current clock and either
// flushes a snapshot or aborts silently. Either way the timer handle is
// cleared, so a later Record can schedule again.
func (a *Aggregator) onTimer(vehicleID int64) {
	now := a.clock.Now()

	a.mu.Lock()
	b := a.buffers[vehicleID]
	if b == nil {
		a.mu.Unlock()
		return
	}
	b.timer = nil

	b.incidents = purge(b.incidents, now.Add(-a.window))
	byCode := earliestPerCode(b.incidents)

	if !a.meets(len(byCode)) {
		a.mu.Unlock()
		metrics.FlushAborts.Inc()
		a.logger.Debug("flush aborted, window no longer qualifies",
			"vehicle_id", vehicleID,
			"unique_codes", len(byCode),
		)
		return
	}

	snapshot := make([]classify.Incident, 0, len(byCode))
	for _, inc := range byCode {
		snapshot = append(snapshot, inc)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].OccurredAt.Before(snapshot[j].OccurredAt)
	})

	b.lastFlushAt = now
	a.mu.Unlock()

	metrics.FlushesDispatched.Inc()
	if a.flush != nil {
		a.flush(vehicleID, snapshot)
	}
}

// Snapshot returns the vehicle's currently buffered incidents sorted by
// occurrence time. Diagnostic accessor; the returned slice is a copy.
func (a *Aggregator) Snapshot(vehicleID int64) []classify.Incident {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.buffers[vehicleID]
	if b == nil {
		return nil
	}

	out := make([]classify.Incident, len(b.incidents))
	copy(out, b.incidents)
	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out
}

// Remove drops the vehicle's buffer, canceling any pending timer. Used
// when a vehicle leaves the fleet.
func (a *Aggregator) Remove(vehicleID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if b := a.buffers[vehicleID]; b != nil && b.timer != nil {
		b.timer.Stop()
	}
	delete(a.buffers, vehicleID)
}

// Vehicles returns the number of tracked buffers.
func (a *Aggregator) Vehicles() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Close stops the sweep loop. Pending timers still fire but find their
// buffers via the map, so Close followed by Remove quiesces a vehicle.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *Aggregator) inCooldown(b *buffer, now time.Time) bool {
	return !b.lastFlushAt.IsZero() && now.Sub(b.lastFlushAt) < a.window
}

func (a *Aggregator) meets(unique int) bool {
	if a.policy == PolicyAtLeast {
		return unique >= a.required
	}
	return unique == a.required
}

// sweepLoop drops buffers for vehicles that have gone silent: everything
// aged out, no pending timer, cooldown expired.
func (a *Aggregator) sweepLoop() {
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sweepIdle()
		case <-a.stopCh:
			return
		}
	}
}

func (a *Aggregator) sweepIdle() {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	for id, b := range a.buffers {
		b.incidents = purge(b.incidents, now.Add(-a.window))
		if len(b.incidents) == 0 && b.timer == nil && !a.inCooldown(b, now) {
			delete(a.buffers, id)
		}
	}
	metrics.VehicleBuffers.Set(float64(len(a.buffers)))
}

// purge keeps incidents at or after the cutoff, preserving arrival order.
func purge(incidents []classify.Incident, cutoff time.Time) []classify.Incident {
	kept := incidents[:0]
	for _, inc := range incidents {
		if !inc.OccurredAt.Before(cutoff) {
			kept = append(kept, inc)
		}
	}
	return kept
}

func countUniqueCodes(incidents []classify.Incident) int {
	codes := make(map[string]struct{}, len(incidents))
	for _, inc := range incidents {
		codes[inc.Code] = struct{}{}
	}
	return len(codes)
}

// earliestPerCode picks, for each distinct code, the incident with the
// earliest occurrence time.
func earliestPerCode(incidents []classify.Incident) map[string]classify.Incident {
	byCode := make(map[string]classify.Incident)
	for _, inc := range incidents {
		if prev, ok := byCode[inc.Code]; !ok || inc.OccurredAt.Before(prev.OccurredAt) {
			byCode[inc.Code] = inc
		}
	}
	return byCode
}
