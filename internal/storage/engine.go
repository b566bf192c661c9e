package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/statebridge-io/statebridge/internal/core/domain"
)

// Notifier receives change notifications from the store. The protocol
// server implements it to drive subscription fan-out. Implementations
// must tolerate being called from timer goroutines.
type Notifier interface {
	// StateChanged is called after a state value has been stored.
	StateChanged(id string, v *domain.Value)

	// StateExpired is called after a state has been removed because its
	// TTL elapsed.
	StateExpired(id string)
}

// Engine is the storage collaborator consumed by the command router.
// All operations are error-first; a missing state or session yields
// domain.ErrKeyNotFound / domain.ErrSessionNotFound.
type Engine interface {
	// GetState retrieves a state value by logical id.
	GetState(ctx context.Context, id string) (*domain.Value, error)

	// GetStates retrieves several states positionally. Missing entries
	// are nil, not errors.
	GetStates(ctx context.Context, ids []string) ([]*domain.Value, error)

	// SetState stores a state value without expiry.
	SetState(ctx context.Context, id string, v *domain.Value) error

	// SetStateTTL stores a state value that expires after ttl.
	SetStateTTL(ctx context.Context, id string, v *domain.Value, ttl time.Duration) error

	// DelState removes a state and returns the removal count (0 or 1).
	DelState(ctx context.Context, id string) (int, error)

	// Keys enumerates state ids matching a Redis glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// GetSession retrieves a session value by logical id.
	GetSession(ctx context.Context, id string) (*domain.Value, error)

	// SetSession stores a session value; ttl <= 0 means no expiry.
	SetSession(ctx context.Context, id string, v *domain.Value, ttl time.Duration) error

	// DestroySession removes a session. Removing an absent session is
	// not an error.
	DestroySession(ctx context.Context, id string) error

	// Counts returns the live state count and the number of states that
	// carry an expiry.
	Counts(ctx context.Context) (keys int, expires int)

	// Close releases timers and any persistence resources.
	Close() error
}

// Config configures the in-memory store.
type Config struct {
	// DataDir is the directory for Badger persistence. Ignored unless
	// Persist is set.
	DataDir string

	// Persist enables write-through persistence of states.
	Persist bool

	// Logger is the structured logger.
	Logger *slog.Logger
}
