package storage

import (
	"context"

	"github.com/example/parking-match/internal/models"
)

// Batch is the set of records written by one store operation.
type Batch struct {
	Reservations []models.Reservation
	Drivers      []models.Driver
}

// Persister makes store writes durable before the store call returns, and
// reloads the collections after a restart.
type Persister interface {
	Persist(ctx context.Context, b Batch) error
	Load(ctx context.Context) (Batch, error)
	Close() error
}

// NopPersister keeps everything in memory.
type NopPersister struct{}

func (NopPersister) Persist(context.Context, Batch) error { return nil }
func (NopPersister) Load(context.Context) (Batch, error) { return Batch{}, nil }
func (NopPersister) Close() error { return nil }
