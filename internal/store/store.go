package store

import (
	"context"
	"time"
)

// Store defines the persistence operations the rest of the system relies on.
// Any durable store satisfying these operations is acceptable; the shipped
// implementation is SQLite.
type Store interface {
	// Event operations
	AppendEvents(ctx context.Context, events []Event) error
	QueryEvents(ctx context.Context, flagKey string, from, to time.Time) ([]Event, error)

	// Rollout operations
	CreateRollout(ctx context.Context, r *Rollout) error
	SaveRolloutStatus(ctx context.Context, id string, status *RolloutStatus) error
	AppendRolloutHistory(ctx context.Context, id string, rec IncrementRecord) error
	GetRollout(ctx context.Context, id string) (*Rollout, error)
	ListRollouts(ctx context.Context) ([]*Rollout, error)
	ListOpenRollouts(ctx context.Context) ([]*Rollout, error)

	// Flag distribution (read by the external flag server)
	SetVariantPercentage(ctx context.Context, flagKey, variant string, percentage float64) error
	GetVariantPercentage(ctx context.Context, flagKey, variant string) (float64, error)

	// Lifecycle
	Close() error
}
