// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/lurkerwatch/discovery"
	"github.com/onnwee/lurkerwatch/store"
)

// SweepRunner is the conductor surface the API drives.
type SweepRunner interface {
	StartSweep(ctx context.Context, f discovery.Filters) (uuid.UUID, error)
	AbortSweep(id uuid.UUID) error
	SweepStatus(ctx context.Context, id uuid.UUID) (store.Sweep, error)
	ActiveCount() int
}

// PassRunner triggers a classification pass on demand.
type PassRunner interface {
	RunPass(ctx context.Context) (int, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store      store.Store
	conductor  SweepRunner
	classifier PassRunner
	db         Pinger // nil skips database probes
	startedAt  time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(st store.Store, conductor SweepRunner, classifier PassRunner, db Pinger) *Handlers {
	return &Handlers{
		store:      st,
		conductor:  conductor,
		classifier: classifier,
		db:         db,
		startedAt:  time.Now().UTC(),
	}
}
