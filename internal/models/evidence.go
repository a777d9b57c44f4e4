package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
)

// EvidenceRecord is one append-only entry in the storage sink
type EvidenceRecord struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	CreatedAt time.Time     `json:"createdAt" db:"created_at"`
	DevEUI    lorawan.EUI64 `json:"devEUI" db:"dev_eui"`
	Window    uint32        `json:"window" db:"window"`
	FCnt      uint32        `json:"fCnt" db:"f_cnt"`

	// Seq orders records taken from the same uplink
	Seq int `json:"seq" db:"seq"`

	Type  EvidenceType  `json:"type" db:"type"`
	Level EvidenceLevel `json:"level" db:"level"`

	// Tag and Payload are set for raw ROSE records
	Tag     *uint8 `json:"tag,omitempty" db:"tag"`
	Payload []byte `json:"payload,omitempty" db:"payload"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EvidenceType represents evidence types
type EvidenceType string

const (
	EvidenceRecordRaw EvidenceType = "RECORD"
	EvidencePosition  EvidenceType = "POSITION"
	EvidenceFailure   EvidenceType = "FAILURE"
	EvidenceDownlink  EvidenceType = "DOWNLINK"
)

// EvidenceLevel represents evidence severity levels
type EvidenceLevel string

const (
	EvidenceLevelInfo    EvidenceLevel = "INFO"
	EvidenceLevelWarning EvidenceLevel = "WARNING"
	EvidenceLevelError   EvidenceLevel = "ERROR"
)

// NewEvidence returns a record with a fresh id and timestamp
func NewEvidence(key SessionKey, fCnt uint32, typ EvidenceType, level EvidenceLevel) *EvidenceRecord {
	return &EvidenceRecord{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		DevEUI:    key.DevEUI,
		Window:    key.Window,
		FCnt:      fCnt,
		Type:      typ,
		Level:     level,
		Details:   Variables{},
	}
}
