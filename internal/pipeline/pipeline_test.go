package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/loraedge-tracker/internal/correlator"
	"github.com/lorawan-server/loraedge-tracker/internal/dispatcher"
	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/router"
	"github.com/lorawan-server/loraedge-tracker/internal/solver"
	"github.com/lorawan-server/loraedge-tracker/internal/storage"
	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

var devEUI = lorawan.EUI64{0x00, 0x16, 0xC0, 0x01, 0xFF, 0xFE, 0x00, 0x01}

// GNSS record followed by a WiFi RSSI record
var scenarioPayload = []byte{0x01, 0x04, 0xAA, 0xBB, 0xCC, 0xDD, 0x02, 0x02, 0xC4, 0xB0}

type fakeSolver struct {
	mu       sync.Mutex
	requests []*solver.Request
	joins    []lorawan.EUI64
	respond  func(n int, req *solver.Request) (*solver.Response, error)
}

func (s *fakeSolver) Submit(ctx context.Context, req *solver.Request) (*solver.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	s.mu.Unlock()
	return s.respond(n, req)
}

func (s *fakeSolver) NotifyJoin(ctx context.Context, eui lorawan.EUI64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = append(s.joins, eui)
	return nil
}

func (s *fakeSolver) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type queue struct {
	mu   sync.Mutex
	cmds []*models.DownlinkCommand
}

func (q *queue) Enqueue(ctx context.Context, cmd *models.DownlinkCommand) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cmds = append(q.cmds, cmd)
	return nil
}

type harness struct {
	store    *storage.MemoryStore
	solver   *fakeSolver
	queue    *queue
	now      time.Time
	pipeline *Pipeline
}

func newHarness(t *testing.T, respond func(n int, req *solver.Request) (*solver.Response, error)) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemoryStore(),
		solver: &fakeSolver{respond: respond},
		queue:  &queue{},
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	sessions := correlator.New(h.store, correlator.Config{
		Trigger:        correlator.Trigger{OnKinds: []rose.Kind{rose.KindGnssScan}, OnFlush: true},
		WindowSize:     16,
		MaxSessions:    100,
		MaxFollowUps:   2,
		MaxDigests:     16,
		CollectTimeout: 5 * time.Minute,
		SolverWait:     2 * time.Minute,
		Retention:      10 * time.Minute,
	}, correlator.WithClock(func() time.Time { return h.now }))

	r := router.New(sessions, h.store, h.queue, nil, router.Config{ScanPort: 199, InstructionPort: 150})
	h.pipeline = New(dispatcher.New(h.store), sessions, h.solver, r, Config{
		Port:              199,
		JoinNotify:        true,
		JoinFCntThreshold: 2,
		SubmitTimeout:     time.Second,
		StoreTimeout:      time.Second,
	})
	return h
}

func (h *harness) evidence(t *testing.T, typ models.EvidenceType) []*models.EvidenceRecord {
	t.Helper()
	records, _, err := h.store.ListEvidence(context.Background(), storage.EvidenceFilter{Type: &typ}, 0, 0)
	require.NoError(t, err)
	return records
}

func uplink(fCnt uint32, payload []byte) *models.UplinkEvent {
	return &models.UplinkEvent{
		DevEUI:     devEUI,
		FCnt:       fCnt,
		FPort:      199,
		Payload:    payload,
		ReceivedAt: time.Unix(1700000000, 0).UTC(),
		DR:         3,
		Frequency:  868100000,
	}
}

func respondPosition(attempts int) func(int, *solver.Request) (*solver.Response, error) {
	return func(call int, req *solver.Request) (*solver.Response, error) {
		return &solver.Response{
			Result: &solver.Position{
				Latitude:  45.0,
				Longitude: -93.0,
				Accuracy:  10,
				Timestamp: time.Unix(1700000000, 0).UTC(),
			},
			Attempts: attempts,
		}, nil
	}
}

func TestHandleUplinkScenario(t *testing.T) {
	h := newHarness(t, respondPosition(3))
	ctx := context.Background()

	res, err := h.pipeline.HandleUplink(ctx, uplink(12, scenarioPayload))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Records)
	require.True(t, res.Decision.Submit)
	require.Equal(t, 1, h.solver.calls())

	req := h.solver.requests[0]
	assert.Equal(t, []rose.Kind{rose.KindGnssScan, rose.KindWifiScan}, rose.KindsOf(req.Records))
	assert.Equal(t, uint32(12), req.FCnt)
	assert.Equal(t, uint8(199), req.Port)
	assert.Equal(t, 3, req.DR)

	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Applied)
	assert.Equal(t, models.SessionResolved, res.Outcome.Session.State)
	assert.Empty(t, h.queue.cmds)

	assert.Len(t, h.evidence(t, models.EvidenceRecordRaw), 2)
	assert.Len(t, h.evidence(t, models.EvidencePosition), 1)
}

func TestHandleUplinkRejectsEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.UplinkEvent)
	}{
		{"wrong port", func(ev *models.UplinkEvent) { ev.FPort = 2 }},
		{"empty payload", func(ev *models.UplinkEvent) { ev.Payload = nil }},
		{"missing device", func(ev *models.UplinkEvent) { ev.DevEUI = lorawan.EUI64{} }},
		{"missing timestamp", func(ev *models.UplinkEvent) { ev.ReceivedAt = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, respondPosition(1))
			ev := uplink(12, scenarioPayload)
			tt.mutate(ev)

			_, err := h.pipeline.HandleUplink(context.Background(), ev)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
			assert.Zero(t, h.solver.calls())
		})
	}
}

func TestHandleUplinkDropsMalformedFrame(t *testing.T) {
	h := newHarness(t, respondPosition(1))

	_, err := h.pipeline.HandleUplink(context.Background(), uplink(12, []byte{0x01, 0x09, 0xAA}))
	assert.ErrorIs(t, err, rose.ErrMalformedFrame)

	assert.Zero(t, h.solver.calls())
	assert.Empty(t, h.evidence(t, models.EvidenceRecordRaw))
	n, err := h.store.CountSessions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleUplinkSuppressesDuplicate(t *testing.T) {
	h := newHarness(t, respondPosition(1))
	ctx := context.Background()

	_, err := h.pipeline.HandleUplink(ctx, uplink(12, scenarioPayload))
	require.NoError(t, err)

	res, err := h.pipeline.HandleUplink(ctx, uplink(12, scenarioPayload))
	require.NoError(t, err)
	assert.True(t, res.Decision.Duplicate)

	assert.Equal(t, 1, h.solver.calls())
	assert.Len(t, h.evidence(t, models.EvidenceRecordRaw), 2)
}

func TestHandleUplinkConcurrentSingleSubmission(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(n int, req *solver.Request) (*solver.Response, error) {
		<-release
		return respondPosition(1)(n, req)
	})
	ctx := context.Background()

	const uplinks = 12
	var wg sync.WaitGroup
	errs := make(chan error, uplinks)
	for i := 0; i < uplinks; i++ {
		wg.Add(1)
		go func(fCnt uint32) {
			defer wg.Done()
			payload := []byte{0x01, 0x02, 0xAA, byte(fCnt)}
			_, err := h.pipeline.HandleUplink(ctx, uplink(fCnt+2, payload))
			errs <- err
		}(uint32(i))
	}

	// Let losers land while the winner's request is outstanding
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.solver.calls())
	assert.Len(t, h.evidence(t, models.EvidencePosition), 1)
}

func TestNeedMoreDataThenFollowUp(t *testing.T) {
	h := newHarness(t, func(n int, req *solver.Request) (*solver.Response, error) {
		if n == 1 {
			return &solver.Response{Result: &solver.NeedMoreData{Kinds: []rose.Kind{rose.KindWifiScan}}}, nil
		}
		return respondPosition(1)(n, req)
	})
	ctx := context.Background()

	res, err := h.pipeline.HandleUplink(ctx, uplink(20, []byte{0x01, 0x02, 0xAA, 0xBB}))
	require.NoError(t, err)

	require.Len(t, h.queue.cmds, 1)
	assert.Equal(t, []byte{0x10, 0x02}, h.queue.cmds[0].Data)
	assert.Equal(t, models.PriorityHigh, h.queue.cmds[0].Priority)

	s, err := h.pipeline.Session(ctx, res.Key)
	require.NoError(t, err)
	assert.Equal(t, models.SessionAwaitingSolver, s.State)

	res, err = h.pipeline.HandleUplink(ctx, uplink(21, []byte{0x02, 0x02, 0xC4, 0xB0}))
	require.NoError(t, err)
	assert.True(t, res.Decision.FollowUp)

	require.Equal(t, 2, h.solver.calls())
	assert.Equal(t, []rose.Kind{rose.KindGnssScan, rose.KindWifiScan}, rose.KindsOf(h.solver.requests[1].Records))

	s, err = h.pipeline.Session(ctx, res.Key)
	require.NoError(t, err)
	assert.Equal(t, models.SessionResolved, s.State)
	assert.Equal(t, models.OutcomePosition, s.Outcome)
	assert.Len(t, h.queue.cmds, 1)
}

func TestSolverFailuresCloseSession(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		state   models.SessionState
		outcome models.Outcome
	}{
		{
			name:    "unauthorized",
			err:     &solver.Error{Kind: solver.ErrUnauthorized, StatusCode: 401},
			state:   models.SessionResolved,
			outcome: models.OutcomeFailed,
		},
		{
			name:    "invalid request",
			err:     &solver.Error{Kind: solver.ErrInvalidRequest, StatusCode: 400},
			state:   models.SessionResolved,
			outcome: models.OutcomeFailed,
		},
		{
			name:    "retries exhausted",
			err:     &solver.Error{Kind: solver.ErrThrottled, StatusCode: 429},
			state:   models.SessionExpired,
			outcome: models.OutcomeExpired,
		},
		{
			name:    "deadline",
			err:     &solver.Error{Kind: solver.ErrUnreachable, Err: context.DeadlineExceeded},
			state:   models.SessionExpired,
			outcome: models.OutcomeExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(int, *solver.Request) (*solver.Response, error) {
				return nil, tt.err
			})
			ctx := context.Background()

			res, err := h.pipeline.HandleUplink(ctx, uplink(12, scenarioPayload))
			require.NoError(t, err)
			require.NotNil(t, res.Outcome)
			assert.True(t, res.Outcome.Applied)

			s, err := h.pipeline.Session(ctx, res.Key)
			require.NoError(t, err)
			assert.Equal(t, tt.state, s.State)
			assert.Equal(t, tt.outcome, s.Outcome)
			assert.Len(t, h.evidence(t, models.EvidenceFailure), 1)
			assert.Equal(t, 1, h.solver.calls())
		})
	}
}

func TestJoinNotification(t *testing.T) {
	h := newHarness(t, respondPosition(1))
	ctx := context.Background()

	_, err := h.pipeline.HandleUplink(ctx, uplink(0, scenarioPayload))
	require.NoError(t, err)
	_, err = h.pipeline.HandleUplink(ctx, uplink(5, []byte{0x0B, 0x02, 0x0E, 0x10}))
	require.NoError(t, err)

	assert.Equal(t, []lorawan.EUI64{devEUI}, h.solver.joins)
}

func TestHandleSolverResponseAsync(t *testing.T) {
	h := newHarness(t, func(int, *solver.Request) (*solver.Response, error) {
		return nil, errors.New("not used")
	})
	ctx := context.Background()

	res, err := h.pipeline.HandleUplink(ctx, uplink(3, []byte{0x0B, 0x02, 0x0E, 0x10}))
	require.NoError(t, err)
	assert.False(t, res.Decision.Submit)

	// Responses for sessions that never submitted are ignored
	out, err := h.pipeline.HandleSolverResponse(ctx, res.Key, &solver.Response{Result: &solver.Failure{Reason: "late"}})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Empty(t, h.evidence(t, models.EvidenceFailure))
}

func TestSweepReportsExpiredSessions(t *testing.T) {
	h := newHarness(t, respondPosition(1))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		eui := devEUI
		eui[7] = byte(0x10 + i)
		ev := uplink(40, []byte{0x0B, 0x02, 0x0E, 0x10})
		ev.DevEUI = eui
		_, err := h.pipeline.HandleUplink(ctx, ev)
		require.NoError(t, err, "device %d", i)
	}

	expired, removed, err := h.pipeline.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Zero(t, removed)

	h.now = h.now.Add(6 * time.Minute)
	expired, _, err = h.pipeline.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, expired)
	assert.Len(t, h.evidence(t, models.EvidenceFailure), 3)

	h.now = h.now.Add(11 * time.Minute)
	_, removed, err = h.pipeline.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestAnswerAppliedAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	position := respondPosition(1)
	h := newHarness(t, func(n int, req *solver.Request) (*solver.Response, error) {
		// the caller goes away while the solver is answering
		cancel()
		return position(n, req)
	})

	res, err := h.pipeline.HandleUplink(ctx, uplink(10, scenarioPayload))
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Applied)
	assert.Equal(t, 1, h.solver.calls())

	s, err := h.pipeline.Session(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, models.SessionResolved, s.State)
	assert.Equal(t, models.OutcomePosition, s.Outcome)
	assert.Len(t, h.evidence(t, models.EvidencePosition), 1)
}
