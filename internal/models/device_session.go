package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lorawan-server/loraedge-tracker/pkg/crypto"
	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

// SessionState is the lifecycle state of a DeviceSession
type SessionState string

const (
	SessionCollecting     SessionState = "COLLECTING"
	SessionAwaitingSolver SessionState = "AWAITING_SOLVER"
	SessionResolved       SessionState = "RESOLVED"
	SessionExpired        SessionState = "EXPIRED"
)

// Terminal reports whether no further transitions are possible
func (s SessionState) Terminal() bool {
	return s == SessionResolved || s == SessionExpired
}

// Outcome describes how a session ended
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomePosition Outcome = "POSITION"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeExpired  Outcome = "EXPIRED"
)

// SessionKey identifies a session by device and uplink sequence window
type SessionKey struct {
	DevEUI lorawan.EUI64 `json:"devEUI"`
	Window uint32        `json:"window"`
}

// NewSessionKey derives the key for an uplink frame counter
func NewSessionKey(devEUI lorawan.EUI64, fCnt, windowSize uint32) SessionKey {
	if windowSize == 0 {
		windowSize = 1
	}
	return SessionKey{DevEUI: devEUI, Window: fCnt / windowSize}
}

// String returns "<deveui>/<window>"
func (k SessionKey) String() string {
	return k.DevEUI.String() + "/" + strconv.FormatUint(uint64(k.Window), 10)
}

// ParseSessionKey parses the form produced by SessionKey.String
func ParseSessionKey(s string) (SessionKey, error) {
	var key SessionKey

	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return key, fmt.Errorf("invalid session key %q", s)
	}

	eui, err := lorawan.ParseEUI64(parts[0])
	if err != nil {
		return key, err
	}
	window, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return key, fmt.Errorf("invalid session window %q: %w", parts[1], err)
	}

	key.DevEUI = eui
	key.Window = uint32(window)
	return key, nil
}

// DeviceSession is one uplink-to-solver exchange cycle
type DeviceSession struct {
	Key   SessionKey
	State SessionState

	// Records accumulated for the solver, in arrival order
	Records []rose.Record

	// Submitted is the number of Records covered by the last solver request
	Submitted   int
	Requested   []rose.Kind
	Submissions int
	FollowUps   int

	// Digests of uplinks already applied, for redelivery suppression
	Digests  []crypto.Digest
	LastFCnt uint32

	Outcome Outcome
	Reason  string

	// Version is bumped on every conditional update
	Version int64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
	ClosedAt    *time.Time
}

// NewDeviceSession returns an empty Collecting session
func NewDeviceSession(key SessionKey, now time.Time) *DeviceSession {
	return &DeviceSession{
		Key:       key,
		State:     SessionCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasDigest reports whether the uplink was already applied
func (s *DeviceSession) HasDigest(d crypto.Digest) bool {
	for _, seen := range s.Digests {
		if seen == d {
			return true
		}
	}
	return false
}

// RememberDigest records an applied uplink, keeping at most limit digests
func (s *DeviceSession) RememberDigest(d crypto.Digest, limit int) {
	s.Digests = append(s.Digests, d)
	if limit > 0 && len(s.Digests) > limit {
		s.Digests = s.Digests[len(s.Digests)-limit:]
	}
}

// Pending returns records that arrived after the last submission
func (s *DeviceSession) Pending() []rose.Record {
	if s.Submitted >= len(s.Records) {
		return nil
	}
	return s.Records[s.Submitted:]
}

// Clone returns a copy safe to mutate independently
func (s *DeviceSession) Clone() *DeviceSession {
	c := *s
	c.Records = append([]rose.Record(nil), s.Records...)
	c.Requested = append([]rose.Kind(nil), s.Requested...)
	c.Digests = append([]crypto.Digest(nil), s.Digests...)
	if s.SubmittedAt != nil {
		t := *s.SubmittedAt
		c.SubmittedAt = &t
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
