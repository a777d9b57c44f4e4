package router

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loraedge-tracker/internal/correlator"
	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/solver"
	"github.com/lorawan-server/loraedge-tracker/internal/storage"
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

// Downlinker accepts device-bound commands for asynchronous delivery
type Downlinker interface {
	Enqueue(ctx context.Context, cmd *models.DownlinkCommand) error
}

// PositionPublisher fans computed positions out to subscribers
type PositionPublisher interface {
	PublishPosition(ctx context.Context, session *models.DeviceSession, pos *solver.Position) error
}

// Config selects downlink ports
type Config struct {
	// ScanPort carries scan request commands, normally the ROSE port
	ScanPort uint8
	// InstructionPort carries solver instructions addressed to port 0
	InstructionPort uint8
}

// Router applies solver outcomes to sessions, persists them and emits
// downlinks
type Router struct {
	sessions  *correlator.Correlator
	evidence  storage.EvidenceStore
	downlinks Downlinker
	publisher PositionPublisher
	cfg       Config
}

// New creates a router. publisher may be nil.
func New(sessions *correlator.Correlator, evidence storage.EvidenceStore, downlinks Downlinker, publisher PositionPublisher, cfg Config) *Router {
	return &Router{
		sessions:  sessions,
		evidence:  evidence,
		downlinks: downlinks,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Outcome reports what routing a response did
type Outcome struct {
	// Applied is false when the response was a redelivery
	Applied bool
	Session *models.DeviceSession
	// FollowUp is set when evidence for a requested scan was already on hand
	FollowUp  *correlator.Decision
	Downlinks []*models.DownlinkCommand
}

// Route applies a solver response to the session it answers
func (r *Router) Route(ctx context.Context, key models.SessionKey, resp *solver.Response) (*Outcome, error) {
	var (
		out *Outcome
		err error
	)

	switch res := resp.Result.(type) {
	case *solver.Position:
		out, err = r.position(ctx, key, res)
	case *solver.NeedMoreData:
		out, err = r.moreData(ctx, key, res)
	case *solver.Failure:
		out, err = r.Fail(ctx, key, res.Reason)
	default:
		return nil, fmt.Errorf("unsupported solver result %T", resp.Result)
	}
	if err != nil || !out.Applied {
		return out, err
	}

	if resp.Instruction != nil {
		cmd, err := r.instruction(ctx, out.Session, resp.Instruction)
		if err != nil {
			return out, err
		}
		out.Downlinks = append(out.Downlinks, cmd)
	}

	return out, nil
}

func (r *Router) position(ctx context.Context, key models.SessionKey, pos *solver.Position) (*Outcome, error) {
	session, applied, err := r.sessions.Resolve(ctx, key, models.OutcomePosition, "")
	if err != nil {
		return nil, fmt.Errorf("resolve session %s: %w", key, err)
	}
	out := &Outcome{Applied: applied, Session: session}
	if !applied {
		log.Debug().Str("session", key.String()).Msg("Duplicate solver response ignored")
		return out, nil
	}

	e := models.NewEvidence(key, session.LastFCnt, models.EvidencePosition, models.EvidenceLevelInfo)
	e.Details = models.Variables{
		"latitude":    pos.Latitude,
		"longitude":   pos.Longitude,
		"altitude":    pos.Altitude,
		"accuracy":    pos.Accuracy,
		"gdop":        pos.GDOP,
		"timestamp":   pos.Timestamp.Unix(),
		"submissions": session.Submissions,
	}
	if err := r.evidence.AppendEvidence(ctx, e); err != nil {
		return out, fmt.Errorf("store position: %w", err)
	}

	log.Info().
		Str("devEUI", key.DevEUI.String()).
		Uint32("window", key.Window).
		Float64("lat", pos.Latitude).
		Float64("lon", pos.Longitude).
		Float64("accuracy", pos.Accuracy).
		Msg("Position resolved")

	if r.publisher != nil {
		if err := r.publisher.PublishPosition(ctx, session, pos); err != nil {
			log.Error().Err(err).Str("session", key.String()).Msg("Failed to publish position")
		}
	}

	return out, nil
}

func (r *Router) moreData(ctx context.Context, key models.SessionKey, more *solver.NeedMoreData) (*Outcome, error) {
	payload, err := rose.EncodeScanRequest(more.Kinds...)
	if err != nil {
		return r.Fail(ctx, key, fmt.Sprintf("invalid scan request: %v", err))
	}

	d, applied, err := r.sessions.MoreData(ctx, key, more.Kinds)
	if err != nil {
		return nil, fmt.Errorf("request more data for %s: %w", key, err)
	}
	out := &Outcome{Applied: applied, Session: d.Session}
	if !applied {
		log.Debug().Str("session", key.String()).Msg("Duplicate need-more-data response ignored")
		return out, nil
	}

	if d.Closed {
		return out, r.recordFailure(ctx, d.Session, models.EvidenceLevelWarning)
	}
	if d.Submit {
		out.FollowUp = d
		return out, nil
	}

	cmd := models.NewDownlinkCommand(key.DevEUI, r.cfg.ScanPort, payload, models.PriorityHigh)
	cmd.Reason = "scan request"
	if err := r.emit(ctx, d.Session, cmd); err != nil {
		return out, err
	}
	out.Downlinks = append(out.Downlinks, cmd)

	return out, nil
}

// Fail closes an awaiting session as a failed resolution
func (r *Router) Fail(ctx context.Context, key models.SessionKey, reason string) (*Outcome, error) {
	session, applied, err := r.sessions.Resolve(ctx, key, models.OutcomeFailed, reason)
	if err != nil {
		return nil, fmt.Errorf("fail session %s: %w", key, err)
	}
	out := &Outcome{Applied: applied, Session: session}
	if !applied {
		return out, nil
	}
	return out, r.recordFailure(ctx, session, models.EvidenceLevelError)
}

// Expire closes a live session as expired
func (r *Router) Expire(ctx context.Context, key models.SessionKey, reason string) (*Outcome, error) {
	session, applied, err := r.sessions.Expire(ctx, key, reason)
	if err != nil {
		return nil, fmt.Errorf("expire session %s: %w", key, err)
	}
	out := &Outcome{Applied: applied, Session: session}
	if !applied {
		return out, nil
	}
	return out, r.ReportClosed(ctx, session)
}

// ReportClosed records a session that was already moved to a terminal
// state or evicted
func (r *Router) ReportClosed(ctx context.Context, session *models.DeviceSession) error {
	return r.recordFailure(ctx, session, models.EvidenceLevelWarning)
}

func (r *Router) recordFailure(ctx context.Context, session *models.DeviceSession, level models.EvidenceLevel) error {
	reason := session.Reason
	if reason == "" {
		reason = "session closed in state " + string(session.State)
	}

	e := models.NewEvidence(session.Key, session.LastFCnt, models.EvidenceFailure, level)
	e.Details = models.Variables{
		"state":       string(session.State),
		"outcome":     string(session.Outcome),
		"reason":      reason,
		"submissions": session.Submissions,
		"records":     len(session.Records),
	}
	if err := r.evidence.AppendEvidence(ctx, e); err != nil {
		return fmt.Errorf("store failure: %w", err)
	}

	log.Warn().
		Str("devEUI", session.Key.DevEUI.String()).
		Uint32("window", session.Key.Window).
		Str("state", string(session.State)).
		Str("reason", reason).
		Msg("Session closed without position")
	return nil
}

func (r *Router) instruction(ctx context.Context, session *models.DeviceSession, ins *solver.Instruction) (*models.DownlinkCommand, error) {
	port := r.cfg.ScanPort
	if ins.Port == 0 {
		port = r.cfg.InstructionPort
	}
	cmd := models.NewDownlinkCommand(session.Key.DevEUI, port, ins.Payload, models.PriorityNormal)
	cmd.Reason = "solver instruction"
	return cmd, r.emit(ctx, session, cmd)
}

// emit enqueues a downlink and records it, at error level when the queue
// refused it; delivery is not awaited
func (r *Router) emit(ctx context.Context, session *models.DeviceSession, cmd *models.DownlinkCommand) error {
	var queueErr error
	if r.downlinks != nil {
		queueErr = r.downlinks.Enqueue(ctx, cmd)
	}

	e := models.NewEvidence(session.Key, session.LastFCnt, models.EvidenceDownlink, models.EvidenceLevelInfo)
	e.Payload = cmd.Data
	e.Details = models.Variables{
		"id":       cmd.ID.String(),
		"fPort":    cmd.FPort,
		"priority": cmd.Priority.String(),
		"reason":   cmd.Reason,
		"queued":   r.downlinks != nil && queueErr == nil,
	}
	if cmd.FPort == r.cfg.ScanPort {
		if kinds, err := rose.DecodeScanRequest(cmd.Data); err == nil {
			names := make([]string, 0, len(kinds))
			for _, k := range kinds {
				names = append(names, k.String())
			}
			e.Details["scan"] = names
		}
	}
	if queueErr != nil {
		e.Level = models.EvidenceLevelError
		e.Details["error"] = queueErr.Error()
	}

	if err := r.evidence.AppendEvidence(ctx, e); err != nil {
		if queueErr != nil {
			log.Error().Err(err).Str("id", cmd.ID.String()).Msg("Failed to store refused downlink")
			return fmt.Errorf("enqueue downlink: %w", queueErr)
		}
		return fmt.Errorf("store downlink: %w", err)
	}
	if queueErr != nil {
		return fmt.Errorf("enqueue downlink: %w", queueErr)
	}

	log.Info().
		Str("devEUI", cmd.DevEUI.String()).
		Uint8("fPort", cmd.FPort).
		Str("priority", cmd.Priority.String()).
		Str("reason", cmd.Reason).
		Msg("Downlink queued")
	return nil
}
