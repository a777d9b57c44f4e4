package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loraedge-tracker/internal/config"
	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/pipeline"
	"github.com/lorawan-server/loraedge-tracker/internal/router"
	"github.com/lorawan-server/loraedge-tracker/internal/solver"
	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
)

// Pipeline is what the subscriber feeds
type Pipeline interface {
	HandleUplink(ctx context.Context, ev *models.UplinkEvent) (*pipeline.Result, error)
	HandleSolverResponse(ctx context.Context, key models.SessionKey, resp *solver.Response) (*router.Outcome, error)
}

// NATSSubscriber NATS subscriber
type NATSSubscriber struct {
	nc       *nats.Conn
	pipeline Pipeline
	cfg      config.NATSConfig
	timeout  time.Duration
	subs     []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber. timeout bounds the handling
// of one message.
func NewNATSSubscriber(nc *nats.Conn, p Pipeline, cfg config.NATSConfig, timeout time.Duration) *NATSSubscriber {
	return &NATSSubscriber{
		nc:       nc,
		pipeline: p,
		cfg:      cfg,
		timeout:  timeout,
		subs:     make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions
func (s *NATSSubscriber) Start(ctx context.Context) error {
	// Queue groups let several tracker processes share one uplink stream
	sub1, err := s.nc.QueueSubscribe(s.cfg.UplinkSubject, s.cfg.QueueGroup, func(msg *nats.Msg) {
		s.handleApplicationUplink(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe application uplink: %w", err)
	}
	s.subs = append(s.subs, sub1)

	sub2, err := s.nc.QueueSubscribe(s.cfg.SolverResponseSubject, s.cfg.QueueGroup, func(msg *nats.Msg) {
		s.handleSolverResponse(ctx, msg)
	})
	if err != nil {
		sub1.Unsubscribe()
		return fmt.Errorf("subscribe solver response: %w", err)
	}
	s.subs = append(s.subs, sub2)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Str("uplinkSubject", s.cfg.UplinkSubject).
		Str("solverSubject", s.cfg.SolverResponseSubject).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// uplinkMessage is the application uplink published by the network server
type uplinkMessage struct {
	ApplicationID string `json:"applicationID"`
	DevEUI        string `json:"devEUI"`
	FCnt          uint32 `json:"fCnt"`
	FPort         *uint8 `json:"fPort"`
	Data          []byte `json:"data"`
	RXInfo        []struct {
		RSSI float64 `json:"rssi"`
		LSNR float64 `json:"lsnr"`
		// Freq is in MHz as reported by the packet forwarder
		Freq float64 `json:"freq"`
		DR   int     `json:"dr"`
		Time string  `json:"time"`
	} `json:"rxInfo"`
	ReceivedAt *time.Time `json:"receivedAt,omitempty"`
}

// parseUplink converts a network server message into an uplink event
func parseUplink(data []byte, now time.Time) (*models.UplinkEvent, error) {
	var msg uplinkMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidEnvelope, err)
	}

	eui, err := lorawan.ParseEUI64(msg.DevEUI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidEnvelope, err)
	}
	if msg.FPort == nil {
		return nil, fmt.Errorf("%w: missing fPort", pipeline.ErrInvalidEnvelope)
	}

	ev := &models.UplinkEvent{
		DevEUI:     eui,
		FCnt:       msg.FCnt,
		FPort:      *msg.FPort,
		Payload:    msg.Data,
		ReceivedAt: now.UTC(),
		Source:     "nats",
	}
	if msg.ReceivedAt != nil {
		ev.ReceivedAt = msg.ReceivedAt.UTC()
	}

	// Strongest gateway wins
	best := -1
	for i, rx := range msg.RXInfo {
		if best < 0 || rx.RSSI > msg.RXInfo[best].RSSI {
			best = i
		}
	}
	if best >= 0 {
		rx := msg.RXInfo[best]
		ev.RSSI = rx.RSSI
		ev.SNR = rx.LSNR
		ev.DR = rx.DR
		ev.Frequency = uint32(math.Round(rx.Freq * 1e6))
		if t, err := time.Parse(time.RFC3339Nano, rx.Time); err == nil && msg.ReceivedAt == nil {
			ev.ReceivedAt = t.UTC()
		}
	}

	return ev, nil
}

// handleApplicationUplink handles application uplink messages
func (s *NATSSubscriber) handleApplicationUplink(ctx context.Context, msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received application uplink")

	ev, err := parseUplink(msg.Data, time.Now())
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to parse application uplink")
		s.reply(msg, err)
		return
	}

	ctx, cancel := s.messageContext(ctx)
	defer cancel()

	res, err := s.pipeline.HandleUplink(ctx, ev)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidEnvelope) {
			log.Debug().Err(err).Str("devEUI", ev.DevEUI.String()).Msg("Uplink ignored")
		} else {
			log.Error().Err(err).Str("devEUI", ev.DevEUI.String()).Uint32("fCnt", ev.FCnt).Msg("Uplink processing failed")
		}
		s.reply(msg, err)
		return
	}

	log.Info().
		Str("devEUI", ev.DevEUI.String()).
		Uint32("fCnt", ev.FCnt).
		Str("session", res.Key.String()).
		Int("records", res.Records).
		Msg("Application uplink processed")
	s.reply(msg, nil)
}

// solverMessage carries an asynchronous solver answer for one session
type solverMessage struct {
	Session  string          `json:"session"`
	Response json.RawMessage `json:"response"`
}

func parseSolverMessage(data []byte) (models.SessionKey, *solver.Response, error) {
	var msg solverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.SessionKey{}, nil, err
	}
	key, err := models.ParseSessionKey(msg.Session)
	if err != nil {
		return key, nil, err
	}
	resp, err := solver.DecodeResponse(msg.Response, key.DevEUI)
	if err != nil {
		return key, nil, err
	}
	return key, resp, nil
}

// handleSolverResponse handles solver answers delivered over the bus
func (s *NATSSubscriber) handleSolverResponse(ctx context.Context, msg *nats.Msg) {
	key, resp, err := parseSolverMessage(msg.Data)
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to parse solver response")
		s.reply(msg, err)
		return
	}

	ctx, cancel := s.messageContext(ctx)
	defer cancel()

	out, err := s.pipeline.HandleSolverResponse(ctx, key, resp)
	if err != nil {
		log.Error().Err(err).Str("session", key.String()).Msg("Solver response handling failed")
		s.reply(msg, err)
		return
	}

	log.Info().
		Str("session", key.String()).
		Bool("applied", out.Applied).
		Int("downlinks", len(out.Downlinks)).
		Msg("Solver response processed")
	s.reply(msg, nil)
}

func (s *NATSSubscriber) messageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// reply answers request-style publishers; plain publishes are left alone
func (s *NATSSubscriber) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	body := map[string]interface{}{"ok": err == nil}
	if err != nil {
		body["error"] = err.Error()
	}
	data, _ := json.Marshal(body)
	if rerr := msg.Respond(data); rerr != nil {
		log.Warn().Err(rerr).Str("subject", msg.Subject).Msg("Failed to reply")
	}
}
