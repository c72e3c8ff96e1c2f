// Package dispatch fans a finalized flush snapshot out to registered
// listeners, isolating their failures from one another and from the
// aggregation path.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fleetsignal/fleetsignal/internal/classify"
	"github.com/fleetsignal/fleetsignal/internal/metrics"
)

// Listener handles one consolidated alert. Implementations must not mutate
// the snapshot.
type Listener interface {
	Name() string
	HandleFlush(ctx context.Context, vehicleID int64, snapshot []classify.Incident) error
}

// Func adapts a plain function to a named Listener.
func Func(name string, fn func(ctx context.Context, vehicleID int64, snapshot []classify.Incident) error) Listener {
	return funcListener{name: name, fn: fn}
}

type funcListener struct {
	name string
	fn   func(ctx context.Context, vehicleID int64, snapshot []classify.Incident) error
}

func (l funcListener) Name() string { return l.name }

func (l funcListener) HandleFlush(ctx context.Context, vehicleID int64, snapshot []classify.Incident) error {
	return l.fn(ctx, vehicleID, snapshot)
}

// Failure records one listener's error during a dispatch.
type Failure struct {
	Listener string
	Err      error
}

// Result summarizes a dispatch: listeners invoked and the failures among
// them. Failures never abort the remaining listeners.
type Result struct {
	Delivered int
	Failures  []Failure
}

// Dispatcher holds the ordered listener registry. Registration is
// append-only; duplicate registrations both fire.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *slog.Logger
}

// New creates an empty Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger.With("component", "dispatch")}
}

// Register appends a listener. Listeners fire in registration order.
func (d *Dispatcher) Register(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Dispatch invokes every registered listener sequentially with the
// snapshot. A failing listener is logged and counted; subsequent listeners
// still run, and no error propagates to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, vehicleID int64, snapshot []classify.Incident) Result {
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()

	var res Result
	for _, l := range listeners {
		res.Delivered++
		if err := l.HandleFlush(ctx, vehicleID, snapshot); err != nil {
			res.Failures = append(res.Failures, Failure{Listener: l.Name(), Err: err})
			metrics.ListenerFailures.WithLabelValues(l.Name()).Inc()
			d.logger.Error("flush listener failed",
				"listener", l.Name(),
				"vehicle_id", vehicleID,
				"error", err,
			)
		}
	}
	return res
}
