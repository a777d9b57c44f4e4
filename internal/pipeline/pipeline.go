package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loraedge-tracker/internal/correlator"
	"github.com/lorawan-server/loraedge-tracker/internal/dispatcher"
	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/router"
	"github.com/lorawan-server/loraedge-tracker/internal/solver"
	"github.com/lorawan-server/loraedge-tracker/internal/validation"
	"github.com/lorawan-server/loraedge-tracker/pkg/crypto"
	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

const defaultStoreTimeout = 5 * time.Second

// ErrInvalidEnvelope is returned for uplink events rejected before decoding
var ErrInvalidEnvelope = errors.New("invalid uplink envelope")

// Solver is the geolocation backend
type Solver interface {
	Submit(ctx context.Context, req *solver.Request) (*solver.Response, error)
	NotifyJoin(ctx context.Context, devEUI lorawan.EUI64) error
}

// Config holds pipeline settings
type Config struct {
	// Port is the only FPort accepted at ingress
	Port              uint8
	JoinNotify        bool
	JoinFCntThreshold uint32

	// SubmitTimeout bounds one solver exchange including retries
	SubmitTimeout time.Duration
	// StoreTimeout bounds each shared-state operation
	StoreTimeout  time.Duration
	SweepInterval time.Duration
}

// Pipeline processes uplinks from decode to downlink. It keeps no session
// state of its own; any number of pipelines may share one store.
type Pipeline struct {
	validator  *validation.Validator
	dispatcher *dispatcher.Dispatcher
	sessions   *correlator.Correlator
	solver     Solver
	router     *router.Router
	cfg        Config
}

// New creates a pipeline
func New(d *dispatcher.Dispatcher, sessions *correlator.Correlator, s Solver, r *router.Router, cfg Config) *Pipeline {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	return &Pipeline{
		validator:  validation.NewValidator(),
		dispatcher: d,
		sessions:   sessions,
		solver:     s,
		router:     r,
		cfg:        cfg,
	}
}

// Result describes how one uplink was handled
type Result struct {
	Key models.SessionKey
	// Records is the number of decoded records
	Records  int
	Decision *correlator.Decision
	// Outcome is set when a solver exchange completed during the call
	Outcome *router.Outcome
}

// HandleUplink runs one uplink through the pipeline
func (p *Pipeline) HandleUplink(ctx context.Context, ev *models.UplinkEvent) (*Result, error) {
	if err := p.validator.Validate(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if ev.FPort != p.cfg.Port {
		return nil, fmt.Errorf("%w: fPort %d is not the ROSE port %d", ErrInvalidEnvelope, ev.FPort, p.cfg.Port)
	}

	logger := log.With().Str("devEUI", ev.DevEUI.String()).Uint32("fCnt", ev.FCnt).Logger()

	if p.cfg.JoinNotify && ev.FCnt < p.cfg.JoinFCntThreshold {
		if err := p.solver.NotifyJoin(ctx, ev.DevEUI); err != nil {
			logger.Warn().Err(err).Msg("Failed to notify solver of join")
		} else {
			logger.Info().Msg("Solver notified of join")
		}
	}

	frame, err := rose.Decode(ev.Payload)
	if err != nil {
		logger.Warn().Err(err).Hex("payload", ev.Payload).Msg("Dropping malformed frame")
		return nil, err
	}

	key := p.sessions.Key(ev.DevEUI, ev.FCnt)
	res := &Result{Key: key, Records: len(frame.Records)}
	classified := dispatcher.Classify(ev, frame)

	storeCtx, cancel := p.storeContext(ctx)
	d, err := p.sessions.Append(storeCtx, correlator.Uplink{
		DevEUI:  ev.DevEUI,
		FCnt:    ev.FCnt,
		Digest:  crypto.UplinkDigest(ev.DevEUI, ev.FCnt, ev.Payload),
		Records: classified.Solver,
	})
	cancel()
	if d != nil {
		p.reportEvicted(ctx, d.Evicted)
	}
	if err != nil {
		return nil, fmt.Errorf("correlate uplink: %w", err)
	}
	res.Decision = d

	if d.Duplicate {
		logger.Debug().Str("session", key.String()).Msg("Duplicate uplink suppressed")
		return res, nil
	}

	storeCtx, cancel = p.storeContext(ctx)
	_, err = p.dispatcher.Record(storeCtx, key, ev, frame)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to store raw records")
	}

	if d.Closed {
		logger.Info().
			Str("session", key.String()).
			Str("state", string(d.Session.State)).
			Msg("Uplink for closed session stored without submission")
		return res, nil
	}

	logger.Debug().
		Str("session", key.String()).
		Int("records", len(frame.Records)).
		Int("solverRecords", len(classified.Solver)).
		Bool("submit", d.Submit).
		Msg("Uplink correlated")

	if d.Submit {
		out, err := p.exchange(ctx, d, requestMeta{
			fCnt:      ev.FCnt,
			dr:        ev.DR,
			frequency: ev.Frequency,
			timestamp: ev.ReceivedAt,
		})
		res.Outcome = out
		if err != nil {
			return res, err
		}
	}

	return res, nil
}

// HandleSolverResponse applies a solver answer that arrived outside the
// synchronous submit path
func (p *Pipeline) HandleSolverResponse(ctx context.Context, key models.SessionKey, resp *solver.Response) (*router.Outcome, error) {
	out, err := p.route(ctx, key, resp)
	if err != nil {
		return out, err
	}
	if out.FollowUp != nil && out.FollowUp.Submit {
		return p.exchange(ctx, out.FollowUp, requestMeta{})
	}
	return out, nil
}

// Session returns the current state of a session
func (p *Pipeline) Session(ctx context.Context, key models.SessionKey) (*models.DeviceSession, error) {
	return p.sessions.Get(ctx, key)
}

type requestMeta struct {
	fCnt      uint32
	dr        int
	frequency uint32
	timestamp time.Time
}

// exchange submits a decision's record set and routes the answer,
// following up for as long as the solver asks for evidence already held
func (p *Pipeline) exchange(ctx context.Context, d *correlator.Decision, meta requestMeta) (*router.Outcome, error) {
	for {
		req := &solver.Request{
			DevEUI:    d.Key.DevEUI,
			FCnt:      meta.fCnt,
			Port:      p.cfg.Port,
			Timestamp: meta.timestamp,
			DR:        meta.dr,
			Frequency: meta.frequency,
			Records:   d.Records,
		}
		if req.FCnt == 0 && d.Session != nil {
			req.FCnt = d.Session.LastFCnt
		}
		if req.Timestamp.IsZero() {
			req.Timestamp = time.Now().UTC()
		}

		resp, err := p.submit(ctx, req)
		if err != nil {
			return p.fail(ctx, d.Key, err)
		}

		out, err := p.route(ctx, d.Key, resp)
		if err != nil || out.FollowUp == nil || !out.FollowUp.Submit {
			return out, err
		}

		log.Info().Str("session", d.Key.String()).Int("records", len(out.FollowUp.Records)).Msg("Submitting follow-up with evidence on hand")
		d = out.FollowUp
	}
}

func (p *Pipeline) submit(ctx context.Context, req *solver.Request) (*solver.Response, error) {
	if p.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.SubmitTimeout)
		defer cancel()
	}

	log.Debug().
		Str("devEUI", req.DevEUI.String()).
		Uint32("fCnt", req.FCnt).
		Strs("kinds", kindNames(req.Records)).
		Msg("Submitting to solver")

	return p.solver.Submit(ctx, req)
}

// route applies a solver answer. The answer has already been paid for,
// so the writes are detached from ctx and bounded by the store timeout.
func (p *Pipeline) route(ctx context.Context, key models.SessionKey, resp *solver.Response) (*router.Outcome, error) {
	storeCtx, cancel := p.storeContext(context.WithoutCancel(ctx))
	defer cancel()
	return p.router.Route(storeCtx, key, resp)
}

// reportEvicted records sessions deleted to make room for a new one
func (p *Pipeline) reportEvicted(ctx context.Context, evicted []*models.DeviceSession) {
	for _, s := range evicted {
		storeCtx, cancel := p.storeContext(context.WithoutCancel(ctx))
		err := p.router.ReportClosed(storeCtx, s)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("session", s.Key.String()).Msg("Failed to record evicted session")
		}
	}
}

// fail turns a solver error into a terminal session state. The write
// uses a context detached from ctx so a cancelled exchange still closes
// the session.
func (p *Pipeline) fail(ctx context.Context, key models.SessionKey, err error) (*router.Outcome, error) {
	storeCtx, cancel := p.storeContext(context.WithoutCancel(ctx))
	defer cancel()

	if solver.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("session", key.String()).Msg("Solver unavailable, expiring session")
		return p.router.Expire(storeCtx, key, err.Error())
	}

	log.Error().Err(err).Str("session", key.String()).Msg("Solver rejected request")
	return p.router.Fail(storeCtx, key, err.Error())
}

func (p *Pipeline) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.StoreTimeout)
}

func kindNames(records []rose.Record) []string {
	kinds := rose.KindsOf(records)
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return names
}
