// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Store holds incident records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]*incident.Incident // incident ID -> record
	byAlert map[string]string             // alert ID -> incident ID (ingest dedup)
	byToken map[string]string             // approval token -> incident ID
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string]*incident.Incident),
		byAlert: make(map[string]string),
		byToken: make(map[string]string),
	}
}

// Create stores a copy of a new incident record. The alert ID must not be
// in use by another record.
func (s *Store) Create(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAlert[inc.AlertID]; ok {
		return incident.ErrDuplicateAlert
	}
	s.records[inc.ID] = inc.Clone()
	s.byAlert[inc.AlertID] = inc.ID
	if inc.ApprovalToken != "" {
		s.byToken[inc.ApprovalToken] = inc.ID
	}
	return nil
}

// Get retrieves an incident by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

// GetByAlertID retrieves an incident by alert ID, for ingest deduplication.
// Returns a copy.
func (s *Store) GetByAlertID(_ context.Context, alertID string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAlert[alertID]
	if !ok {
		return nil, false, nil
	}
	return s.records[id].Clone(), true, nil
}

// GetByToken retrieves the incident bound to an outstanding approval token.
// Returns a copy.
func (s *Store) GetByToken(_ context.Context, token string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, false, nil
	}
	return s.records[id].Clone(), true, nil
}

// Update applies inc if the stored version still matches inc.Version, then
// persists it with the version incremented and returns a copy of the stored
// result. Records already in a terminal state reject all writes.
func (s *Store) Update(_ context.Context, inc *incident.Incident) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[inc.ID]
	if !ok {
		return nil, incident.ErrNotFound
	}
	if cur.Status.Terminal() {
		return nil, incident.ErrTerminal
	}
	if cur.Version != inc.Version {
		return nil, incident.ErrVersionConflict
	}

	next := inc.Clone()
	next.Version = cur.Version + 1
	s.records[inc.ID] = next

	if cur.ApprovalToken != next.ApprovalToken {
		if cur.ApprovalToken != "" {
			delete(s.byToken, cur.ApprovalToken)
		}
		if next.ApprovalToken != "" {
			s.byToken[next.ApprovalToken] = next.ID
		}
	}
	return next.Clone(), nil
}

// ExpiredApprovals returns copies of every record still awaiting approval
// whose expiry is at or before now.
func (s *Store) ExpiredApprovals(_ context.Context, now time.Time) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*incident.Incident
	for _, rec := range s.records {
		if rec.Status != incident.StateAwaitingApproval {
			continue
		}
		if rec.ApprovalExpiresAt == nil || rec.ApprovalExpiresAt.After(now) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}
