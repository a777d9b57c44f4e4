package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/storage"
	"github.com/lorawan-server/loraedge-tracker/pkg/crypto"
	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

var (
	// ErrSessionClosed is returned when a transition targets a terminal session
	ErrSessionClosed = errors.New("session closed")
	// ErrContention is returned when conditional writes keep losing
	ErrContention = errors.New("session update contention")
)

const maxWriteAttempts = 32

// Config bounds session lifetime and count
type Config struct {
	Trigger      Trigger
	WindowSize   uint32
	MaxSessions  int
	MaxFollowUps int
	MaxDigests   int

	CollectTimeout time.Duration
	SolverWait     time.Duration
	Retention      time.Duration
}

// Uplink is the evidence one uplink contributes to its session
type Uplink struct {
	DevEUI  lorawan.EUI64
	FCnt    uint32
	Digest  crypto.Digest
	Records []rose.Record
}

// Decision is the outcome of appending an uplink
type Decision struct {
	Key models.SessionKey

	// Submit is set for exactly one caller per solver request
	Submit   bool
	FollowUp bool
	// Records is the record set to send when Submit is set
	Records []rose.Record

	// Duplicate means the uplink was already applied
	Duplicate bool
	// Closed means the session is terminal and the uplink was not applied
	Closed bool

	Session *models.DeviceSession

	// Evicted holds sessions removed to make room for this one
	Evicted []*models.DeviceSession
}

// Correlator tracks device sessions in a shared SessionStore.
// It holds no session state itself, so any number of instances may
// share one store.
type Correlator struct {
	store storage.SessionStore
	cfg   Config
	now   func() time.Time
}

// Option configures a Correlator
type Option func(*Correlator)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		c.now = now
	}
}

// New creates a correlator
func New(store storage.SessionStore, cfg Config, opts ...Option) *Correlator {
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 1
	}
	c := &Correlator{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the session key an uplink belongs to
func (c *Correlator) Key(devEUI lorawan.EUI64, fCnt uint32) models.SessionKey {
	return models.NewSessionKey(devEUI, fCnt, c.cfg.WindowSize)
}

// Get returns the current state of a session
func (c *Correlator) Get(ctx context.Context, key models.SessionKey) (*models.DeviceSession, error) {
	return c.store.GetSession(ctx, key)
}

// Append adds an uplink's records to its session and reports whether
// this caller must issue a solver request. Concurrent callers for the
// same session race on the conditional write; losers re-read and
// append without submitting.
func (c *Correlator) Append(ctx context.Context, up Uplink) (*Decision, error) {
	key := c.Key(up.DevEUI, up.FCnt)

	// Sessions deleted to make room are reported on every return path,
	// including when this caller then loses the create race.
	var evicted []*models.DeviceSession
	result := func(d *Decision, err error) (*Decision, error) {
		if len(evicted) == 0 {
			return d, err
		}
		if d == nil {
			d = &Decision{Key: key}
		}
		d.Evicted = evicted
		return d, err
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result(nil, err)
		}

		session, err := c.store.GetSession(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			d, err := c.create(ctx, key, up, &evicted)
			if errors.Is(err, storage.ErrDuplicateKey) {
				continue
			}
			return result(d, err)
		}
		if err != nil {
			return result(nil, fmt.Errorf("get session %s: %w", key, err))
		}

		if session.HasDigest(up.Digest) {
			return result(&Decision{Key: key, Duplicate: true, Session: session}, nil)
		}
		if session.State.Terminal() {
			return result(&Decision{Key: key, Closed: true, Session: session}, nil)
		}

		expected := session.Version
		d := c.apply(session, up)

		err = c.store.UpdateSession(ctx, session, expected)
		if errors.Is(err, storage.ErrVersionConflict) || errors.Is(err, storage.ErrNotFound) {
			log.Debug().Str("session", key.String()).Int("attempt", attempt).Msg("Session write lost race, retrying")
			continue
		}
		if err != nil {
			return result(nil, fmt.Errorf("update session %s: %w", key, err))
		}
		return result(d, nil)
	}

	return result(nil, fmt.Errorf("%w: %s", ErrContention, key))
}

// create inserts a new session, appending any sessions it had to evict
// to evicted even when the insert fails
func (c *Correlator) create(ctx context.Context, key models.SessionKey, up Uplink, evicted *[]*models.DeviceSession) (*Decision, error) {
	removed, err := c.makeRoom(ctx)
	*evicted = append(*evicted, removed...)
	if err != nil {
		return nil, err
	}

	session := models.NewDeviceSession(key, c.now().UTC())
	d := c.apply(session, up)

	if err := c.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return d, nil
}

// apply mutates session with the uplink and decides on submission
func (c *Correlator) apply(session *models.DeviceSession, up Uplink) *Decision {
	now := c.now().UTC()

	session.Records = append(session.Records, up.Records...)
	session.RememberDigest(up.Digest, c.cfg.MaxDigests)
	if up.FCnt > session.LastFCnt {
		session.LastFCnt = up.FCnt
	}
	session.UpdatedAt = now

	d := &Decision{Key: session.Key, Session: session}

	switch session.State {
	case models.SessionCollecting:
		if c.cfg.Trigger.Fires(session.Records) {
			c.submit(session, now)
			d.Submit = true
		}

	case models.SessionAwaitingSolver:
		if len(session.Requested) > 0 && covers(session.Pending(), session.Requested) {
			c.submit(session, now)
			session.FollowUps++
			d.Submit = true
			d.FollowUp = true
		}
	}

	if d.Submit {
		d.Records = append([]rose.Record(nil), session.Records...)
	}
	return d
}

func (c *Correlator) submit(session *models.DeviceSession, now time.Time) {
	session.State = models.SessionAwaitingSolver
	session.Submitted = len(session.Records)
	session.Submissions++
	session.Requested = nil
	session.SubmittedAt = &now
}

// makeRoom evicts least recently updated sessions until one more fits
func (c *Correlator) makeRoom(ctx context.Context) ([]*models.DeviceSession, error) {
	if c.cfg.MaxSessions <= 0 {
		return nil, nil
	}

	count, err := c.store.CountSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	excess := count - c.cfg.MaxSessions + 1
	if excess <= 0 {
		return nil, nil
	}

	oldest, err := c.store.ListSessions(ctx, storage.SessionFilter{}, excess)
	if err != nil {
		return nil, fmt.Errorf("list sessions for eviction: %w", err)
	}

	var evicted []*models.DeviceSession
	for _, s := range oldest {
		err := c.store.DeleteSession(ctx, s.Key, s.Version)
		if errors.Is(err, storage.ErrVersionConflict) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return evicted, fmt.Errorf("evict session %s: %w", s.Key, err)
		}
		log.Warn().Str("session", s.Key.String()).Str("state", string(s.State)).Msg("Evicted least recently updated session")
		evicted = append(evicted, s)
	}
	return evicted, nil
}

// mutate applies fn under a conditional write. fn returns false to
// leave the session unchanged.
func (c *Correlator) mutate(ctx context.Context, key models.SessionKey, fn func(*models.DeviceSession) bool) (*models.DeviceSession, bool, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		session, err := c.store.GetSession(ctx, key)
		if err != nil {
			return nil, false, err
		}

		expected := session.Version
		if !fn(session) {
			return session, false, nil
		}
		session.UpdatedAt = c.now().UTC()

		err = c.store.UpdateSession(ctx, session, expected)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return session, true, nil
	}
	return nil, false, fmt.Errorf("%w: %s", ErrContention, key)
}

func (c *Correlator) close(session *models.DeviceSession, state models.SessionState, outcome models.Outcome, reason string) {
	now := c.now().UTC()
	session.State = state
	session.Outcome = outcome
	session.Reason = reason
	session.Requested = nil
	session.ClosedAt = &now
}

// Resolve closes an awaiting session with a final outcome. It reports
// false when the session was already terminal, so a redelivered
// response has no further effect.
func (c *Correlator) Resolve(ctx context.Context, key models.SessionKey, outcome models.Outcome, reason string) (*models.DeviceSession, bool, error) {
	return c.mutate(ctx, key, func(s *models.DeviceSession) bool {
		if s.State != models.SessionAwaitingSolver {
			return false
		}
		c.close(s, models.SessionResolved, outcome, reason)
		return true
	})
}

// MoreData records a solver request for more evidence. When records of
// the requested kinds already arrived while the request was in flight,
// the returned decision carries a follow-up submission.
func (c *Correlator) MoreData(ctx context.Context, key models.SessionKey, kinds []rose.Kind) (*Decision, bool, error) {
	var d *Decision
	session, applied, err := c.mutate(ctx, key, func(s *models.DeviceSession) bool {
		d = &Decision{Key: key, Session: s}

		// A request is already recorded for the outstanding submission
		if s.State != models.SessionAwaitingSolver || len(s.Requested) > 0 {
			return false
		}

		if s.FollowUps >= c.cfg.MaxFollowUps {
			c.close(s, models.SessionResolved, models.OutcomeFailed, "follow-up limit reached")
			d.Closed = true
			return true
		}

		s.Requested = append([]rose.Kind(nil), kinds...)
		if covers(s.Pending(), kinds) {
			c.submit(s, c.now().UTC())
			s.FollowUps++
			d.Submit = true
			d.FollowUp = true
			d.Records = append([]rose.Record(nil), s.Records...)
		}
		return true
	})
	if err != nil {
		return nil, false, err
	}
	d.Session = session
	return d, applied, nil
}

// Expire moves a live session to Expired. Only the caller whose write
// wins observes true, so expiry is reported exactly once.
func (c *Correlator) Expire(ctx context.Context, key models.SessionKey, reason string) (*models.DeviceSession, bool, error) {
	return c.mutate(ctx, key, func(s *models.DeviceSession) bool {
		if s.State.Terminal() {
			return false
		}
		c.close(s, models.SessionExpired, models.OutcomeExpired, reason)
		return true
	})
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Expired []*models.DeviceSession
	Removed int
}

// Sweep expires idle sessions and removes terminal ones past retention
func (c *Correlator) Sweep(ctx context.Context) (*SweepResult, error) {
	now := c.now().UTC()
	res := &SweepResult{}

	// Collecting sessions time out on inactivity. Awaiting sessions time
	// out on the age of the outstanding request; uplinks appended while
	// waiting do not extend it.
	stale := []struct {
		state  models.SessionState
		limit  time.Duration
		reason string
		since  func(*models.DeviceSession) time.Time
	}{
		{models.SessionCollecting, c.cfg.CollectTimeout, "no submission before inactivity timeout", updatedAt},
		{models.SessionAwaitingSolver, c.cfg.SolverWait, "no solver response before timeout", submittedAt},
	}

	for _, st := range stale {
		if st.limit <= 0 {
			continue
		}
		cutoff := now.Add(-st.limit)
		filter := storage.SessionFilter{States: []models.SessionState{st.state}}
		if st.state == models.SessionCollecting {
			filter.UpdatedBefore = &cutoff
		}
		sessions, err := c.store.ListSessions(ctx, filter, 0)
		if err != nil {
			return res, fmt.Errorf("list %s sessions: %w", st.state, err)
		}

		for _, s := range sessions {
			if !st.since(s).Before(cutoff) {
				continue
			}
			expired, ok, err := c.mutate(ctx, s.Key, func(cur *models.DeviceSession) bool {
				if cur.State != st.state || !st.since(cur).Before(cutoff) {
					return false
				}
				c.close(cur, models.SessionExpired, models.OutcomeExpired, st.reason)
				return true
			})
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return res, err
			}
			if ok {
				res.Expired = append(res.Expired, expired)
			}
		}
	}

	if c.cfg.Retention > 0 {
		cutoff := now.Add(-c.cfg.Retention)
		closed, err := c.store.ListSessions(ctx, storage.SessionFilter{
			States:        []models.SessionState{models.SessionResolved, models.SessionExpired},
			UpdatedBefore: &cutoff,
		}, 0)
		if err != nil {
			return res, fmt.Errorf("list closed sessions: %w", err)
		}
		for _, s := range closed {
			err := c.store.DeleteSession(ctx, s.Key, s.Version)
			if errors.Is(err, storage.ErrVersionConflict) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return res, fmt.Errorf("remove session %s: %w", s.Key, err)
			}
			res.Removed++
		}
	}

	return res, nil
}

func updatedAt(s *models.DeviceSession) time.Time { return s.UpdatedAt }

// submittedAt falls back to UpdatedAt for sessions stored without a
// submission time
func submittedAt(s *models.DeviceSession) time.Time {
	if s.SubmittedAt != nil {
		return *s.SubmittedAt
	}
	return s.UpdatedAt
}
