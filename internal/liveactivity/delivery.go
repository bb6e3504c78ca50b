package liveactivity

import (
	"context"
	"errors"
	"time"
)

// Outcome is the result of one push attempt.
type Outcome string

const (
	OutcomeDelivered        Outcome = "delivered"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomeInvalidToken     Outcome = "invalid_token"
)

// DeliveryResult is produced once per push attempt and never persisted.
type DeliveryResult struct {
	Key       TokenKey  `json:"key"`
	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// FanOutResult aggregates every delivery of one lifecycle event.
type FanOutResult struct {
	CycleID           string        `json:"cycleId"`
	Event             Event         `json:"event"`
	Source            string        `json:"source"`
	Attempted         int           `json:"attempted"`
	Delivered         int           `json:"delivered"`
	InvalidRemoved    int           `json:"invalidRemoved"`
	TransientFailures int           `json:"transientFailures"`
	StartedAt         time.Time     `json:"startedAt"`
	Duration          time.Duration `json:"durationNs"`
}

// ErrStoreUnavailable wraps every failure of the durable token store.
var ErrStoreUnavailable = errors.New("token store unavailable")

// Stats summarises the store contents.
type Stats struct {
	CountsByKind     map[Kind]int `json:"countsByKind"`
	Total            int          `json:"total"`
	LastRegisteredAt *time.Time   `json:"lastRegisteredAt,omitempty"`
}

// NewStats returns Stats with a zero count for every kind.
func NewStats() Stats {
	counts := make(map[Kind]int, len(Kinds()))
	for _, k := range Kinds() {
		counts[k] = 0
	}
	return Stats{CountsByKind: counts}
}

// TokenStore is the single writer of PushToken records. Every mutation is
// durable before it returns, and writes to the same key are serialized.
type TokenStore interface {
	// Register validates and upserts the token by its key.
	Register(ctx context.Context, token PushToken) error
	List(ctx context.Context) ([]PushToken, error)
	ListByKind(ctx context.Context, kind Kind) ([]PushToken, error)
	// Remove deletes the record for key. Missing records are not an error.
	Remove(ctx context.Context, key TokenKey) error
	// RemoveIfToken deletes the record only while it still holds token, so a
	// re-registration racing with pruning is kept.
	RemoveIfToken(ctx context.Context, key TokenKey, token string) (bool, error)
	Stats(ctx context.Context) (Stats, error)
}
