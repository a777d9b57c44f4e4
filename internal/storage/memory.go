package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/lorawan-server/loraedge-tracker/internal/models"
)

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[models.SessionKey]*models.DeviceSession
	evidence []*models.EvidenceRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[models.SessionKey]*models.DeviceSession),
	}
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// GetSession gets a session
func (s *MemoryStore) GetSession(ctx context.Context, key models.SessionKey) (*models.DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

// CreateSession creates a session
func (s *MemoryStore) CreateSession(ctx context.Context, session *models.DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.Key]; ok {
		return ErrDuplicateKey
	}
	session.Version = 1
	s.sessions[session.Key] = session.Clone()
	return nil
}

// UpdateSession conditionally replaces a session
func (s *MemoryStore) UpdateSession(ctx context.Context, session *models.DeviceSession, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[session.Key]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expected {
		return ErrVersionConflict
	}
	session.Version = expected + 1
	s.sessions[session.Key] = session.Clone()
	return nil
}

// DeleteSession conditionally removes a session
func (s *MemoryStore) DeleteSession(ctx context.Context, key models.SessionKey, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expected {
		return ErrVersionConflict
	}
	delete(s.sessions, key)
	return nil
}

// CountSessions counts live sessions
func (s *MemoryStore) CountSessions(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

// ListSessions lists sessions, least recently updated first
func (s *MemoryStore) ListSessions(ctx context.Context, filter SessionFilter, limit int) ([]*models.DeviceSession, error) {
	s.mu.RLock()
	var out []*models.DeviceSession
	for _, session := range s.sessions {
		if filter.match(session) {
			out = append(out, session.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key.String() < out[j].Key.String()
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendEvidence appends evidence records in order
func (s *MemoryStore) AppendEvidence(ctx context.Context, records ...*models.EvidenceRecord) error {
	for _, r := range records {
		if err := prepareEvidence(r); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		c := *r
		s.evidence = append(s.evidence, &c)
	}
	return nil
}

// ListEvidence lists evidence records in insertion order
func (s *MemoryStore) ListEvidence(ctx context.Context, filter EvidenceFilter, limit, offset int) ([]*models.EvidenceRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.EvidenceRecord
	for _, r := range s.evidence {
		if filter.match(r) {
			matched = append(matched, r)
		}
	}

	total := int64(len(matched))
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*models.EvidenceRecord, len(matched))
	for i, r := range matched {
		c := *r
		out[i] = &c
	}
	return out, total, nil
}
