package incident

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no record exists for the given key.
	ErrNotFound = errors.New("incident: not found")

	// ErrDuplicateAlert means a record for the alert ID already exists.
	ErrDuplicateAlert = errors.New("incident: duplicate alert")

	// ErrVersionConflict means an Update lost an optimistic-concurrency race.
	// Callers re-read and retry against fresh state.
	ErrVersionConflict = errors.New("incident: version conflict")

	// ErrTerminal means the stored record is in a terminal state and
	// permits no further writes.
	ErrTerminal = errors.New("incident: record is terminal")
)

// Store is the persistence interface for incident records.
//
// Update applies the caller's copy only if the stored Version still equals
// the copy's Version, then persists it with Version+1 and returns the stored
// result. A mismatch returns ErrVersionConflict; a write against a record
// already in a terminal state returns ErrTerminal.
type Store interface {
	Create(ctx context.Context, inc *Incident) error
	Get(ctx context.Context, id string) (*Incident, bool, error)
	GetByAlertID(ctx context.Context, alertID string) (*Incident, bool, error)
	GetByToken(ctx context.Context, token string) (*Incident, bool, error)
	Update(ctx context.Context, inc *Incident) (*Incident, error)
	ExpiredApprovals(ctx context.Context, now time.Time) ([]*Incident, error)
}
