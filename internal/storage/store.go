package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
)

// Common errors
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrInvalidData     = errors.New("invalid data")
	ErrVersionConflict = errors.New("version conflict")
)

// SessionStore holds correlator state shared between handler instances.
// Writes after creation are conditional on the version last read.
type SessionStore interface {
	GetSession(ctx context.Context, key models.SessionKey) (*models.DeviceSession, error)

	// CreateSession inserts a new session at version 1, or fails with ErrDuplicateKey
	CreateSession(ctx context.Context, session *models.DeviceSession) error

	// UpdateSession writes the session if its stored version still equals
	// expected, then sets session.Version to expected+1
	UpdateSession(ctx context.Context, session *models.DeviceSession, expected int64) error

	// DeleteSession removes the session if its stored version equals expected
	DeleteSession(ctx context.Context, key models.SessionKey, expected int64) error

	CountSessions(ctx context.Context) (int, error)

	// ListSessions returns sessions ordered by least recently updated first
	ListSessions(ctx context.Context, filter SessionFilter, limit int) ([]*models.DeviceSession, error)
}

// EvidenceStore is the append-only storage sink
type EvidenceStore interface {
	AppendEvidence(ctx context.Context, records ...*models.EvidenceRecord) error
	ListEvidence(ctx context.Context, filter EvidenceFilter, limit, offset int) ([]*models.EvidenceRecord, int64, error)
}

// Store defines the storage interface
type Store interface {
	SessionStore
	EvidenceStore

	// Close the store
	Close() error
}

// SessionFilter narrows ListSessions
type SessionFilter struct {
	States        []models.SessionState
	UpdatedBefore *time.Time
}

func (f SessionFilter) match(s *models.DeviceSession) bool {
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if s.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UpdatedBefore != nil && !s.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}

// EvidenceFilter narrows ListEvidence
type EvidenceFilter struct {
	DevEUI *lorawan.EUI64
	Window *uint32
	Type   *models.EvidenceType
}

func (f EvidenceFilter) match(r *models.EvidenceRecord) bool {
	if f.DevEUI != nil && r.DevEUI != *f.DevEUI {
		return false
	}
	if f.Window != nil && r.Window != *f.Window {
		return false
	}
	if f.Type != nil && r.Type != *f.Type {
		return false
	}
	return true
}
