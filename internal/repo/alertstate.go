package repo

import (
	"context"
	"time"

	"adwatch/internal/domain"
)

// AlertState holds the last level we alerted at and when, per alert key
// (entity plus event type). Used to suppress repeats inside the cooldown
// window; a level escalation bypasses the cooldown.
type AlertState struct {
	Key        string
	LastLevel  domain.AlertLevel
	LastAlive  bool
	LastSentAt *time.Time
}

// AlertStateStore is implemented by a persistence layer to store alert
// dedup state.
type AlertStateStore interface {
	// GetState returns nil, nil if there is no record yet.
	GetState(ctx context.Context, key string) (*AlertState, error)
	// SetState upserts the record. A zero sentAt stores no send time.
	SetState(ctx context.Context, key string, level domain.AlertLevel, alive bool, sentAt time.Time) error
}
