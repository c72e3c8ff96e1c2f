// Package repository persists classified incidents.
package repository

import (
	"context"
	"time"
)

// IncidentRecord is one classified, non-duplicate incident as written to
// the incident log. Logged once per incident, independent of whether the
// aggregation later produces a flush.
type IncidentRecord struct {
	ID        string
	CompanyID int64
	VehicleID int64
	SourceID  int64
	EventType string
	Code      string
	SubCode   string
	Name      string
	Payload   []byte
	CreatedAt time.Time
}

// Repository is the incident log store.
type Repository interface {
	LogIncident(ctx context.Context, rec *IncidentRecord) error
	Close() error
}
