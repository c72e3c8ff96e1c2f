// Package dedup suppresses transport-level repeats of the same incident
// type from the same vehicle.
package dedup

import (
	"math"
	"sync"
	"time"
)

// Defaults match the tolerances of the upstream platform's redelivery
// behavior: the same physical event is typically redelivered within a few
// seconds at effectively the same position.
const (
	DefaultTimeTolerance    = 10 * time.Second
	DefaultSpatialTolerance = 0.0005 // degrees, L1
	DefaultRetention        = 60 * time.Second
	DefaultSweepInterval    = 30 * time.Second
)

type key struct {
	vehicleID int64
	code      string
}

type record struct {
	lastSeen time.Time
	lat, lng float64
}

// Options configures a Deduplicator. Zero values take the defaults above.
type Options struct {
	TimeTolerance    time.Duration
	SpatialTolerance float64
	Retention        time.Duration
	SweepInterval    time.Duration
}

// Deduplicator keeps one last-seen record per (vehicle, incident code) and
// reports duplicates inside the time/space tolerance. Records older than
// the retention window are evicted by a background sweep.
type Deduplicator struct {
	mu      sync.Mutex
	records map[key]record

	timeTolerance    time.Duration
	spatialTolerance float64
	retention        time.Duration
	sweepInterval    time.Duration

	now    func() time.Time
	stopCh chan struct{}
}

// New creates a Deduplicator and starts its sweep loop.
func New(opts Options) *Deduplicator {
	if opts.TimeTolerance <= 0 {
		opts.TimeTolerance = DefaultTimeTolerance
	}
	if opts.SpatialTolerance <= 0 {
		opts.SpatialTolerance = DefaultSpatialTolerance
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	d := &Deduplicator{
		records:          make(map[key]record),
		timeTolerance:    opts.TimeTolerance,
		spatialTolerance: opts.SpatialTolerance,
		retention:        opts.Retention,
		sweepInterval:    opts.SweepInterval,
		now:              time.Now,
		stopCh:           make(chan struct{}),
	}

	go d.sweepLoop()

	return d
}

// IsDuplicate reports whether the incident repeats the last admitted one
// for (vehicleID, code) within both tolerances. On a non-duplicate the
// last-seen record is upserted; a duplicate leaves it untouched, so a
// sustained repeat storm stays pinned to the first delivery.
func (d *Deduplicator) IsDuplicate(vehicleID int64, code string, lat, lng float64) bool {
	now := d.now()
	k := key{vehicleID: vehicleID, code: code}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.records[k]; ok {
		if now.Sub(prev.lastSeen) < d.timeTolerance && l1Distance(prev.lat, prev.lng, lat, lng) < d.spatialTolerance {
			return true
		}
	}

	d.records[k] = record{lastSeen: now, lat: lat, lng: lng}
	return false
}

// Len returns the number of retained records.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Close stops the sweep loop.
func (d *Deduplicator) Close() {
	close(d.stopCh)
}

func (d *Deduplicator) sweepLoop() {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Deduplicator) sweep() {
	cutoff := d.now().Add(-d.retention)

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, rec := range d.records {
		if rec.lastSeen.Before(cutoff) {
			delete(d.records, k)
		}
	}
}

func l1Distance(lat1, lng1, lat2, lng2 float64) float64 {
	return math.Abs(lat1-lat2) + math.Abs(lng1-lng2)
}
