package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loraedge-tracker/internal/config"
	"github.com/lorawan-server/loraedge-tracker/internal/models"
)

// ErrQueueFull is returned when the downlink queue cannot take more commands
var ErrQueueFull = errors.New("downlink queue full")

// Requester is the subset of *nats.Conn used for delivery
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// DeliveryFunc observes the final result of each command
type DeliveryFunc func(cmd *models.DownlinkCommand, attempts int, err error)

// Downlinker delivers downlink commands to the network server over NATS.
// Each command is sent as a request and retried until the network server
// acknowledges it or the attempt cap is reached, so delivery is at least
// once. High priority commands are sent first.
type Downlinker struct {
	nc      Requester
	subject string

	high   chan *models.DownlinkCommand
	normal chan *models.DownlinkCommand

	maxAttempts   int
	ackTimeout    time.Duration
	retryInterval time.Duration

	onDelivery DeliveryFunc
}

// NewDownlinker creates a downlinker
func NewDownlinker(nc Requester, subject string, cfg config.DownlinkConfig) *Downlinker {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return &Downlinker{
		nc:            nc,
		subject:       subject,
		high:          make(chan *models.DownlinkCommand, size),
		normal:        make(chan *models.DownlinkCommand, size),
		maxAttempts:   attempts,
		ackTimeout:    cfg.AckTimeout,
		retryInterval: cfg.RetryInterval,
	}
}

// OnDelivery registers a callback for delivery results
func (d *Downlinker) OnDelivery(fn DeliveryFunc) {
	d.onDelivery = fn
}

// Enqueue queues a command without waiting for delivery
func (d *Downlinker) Enqueue(ctx context.Context, cmd *models.DownlinkCommand) error {
	q := d.normal
	if cmd.Priority == models.PriorityHigh {
		q = d.high
	}

	select {
	case q <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, cmd.Priority)
	}
}

// Start runs the delivery worker until ctx is done
func (d *Downlinker) Start(ctx context.Context) error {
	log.Info().Str("subject", d.subject).Msg("Downlink worker started")

	for {
		cmd, ok := d.next(ctx)
		if !ok {
			log.Info().Msg("Downlink worker stopped")
			return ctx.Err()
		}
		d.deliver(ctx, cmd)
	}
}

// next returns the next command, high priority first
func (d *Downlinker) next(ctx context.Context) (*models.DownlinkCommand, bool) {
	select {
	case cmd := <-d.high:
		return cmd, true
	default:
	}

	select {
	case cmd := <-d.high:
		return cmd, true
	case cmd := <-d.normal:
		return cmd, true
	case <-ctx.Done():
		return nil, false
	}
}

// networkDownlink is the message format the network server accepts
type networkDownlink struct {
	ID        string `json:"id"`
	DevEUI    string `json:"devEUI"`
	FPort     uint8  `json:"fPort"`
	Data      []byte `json:"data"`
	Confirmed bool   `json:"confirmed"`
	Priority  string `json:"priority"`
}

type networkAck struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func (d *Downlinker) subjectFor(cmd *models.DownlinkCommand) string {
	if strings.Contains(d.subject, "%s") {
		return fmt.Sprintf(d.subject, cmd.DevEUI.String())
	}
	return d.subject
}

func (d *Downlinker) deliver(ctx context.Context, cmd *models.DownlinkCommand) {
	data, err := json.Marshal(networkDownlink{
		ID:        cmd.ID.String(),
		DevEUI:    cmd.DevEUI.String(),
		FPort:     cmd.FPort,
		Data:      cmd.Data,
		Confirmed: cmd.Confirmed,
		Priority:  cmd.Priority.String(),
	})
	if err != nil {
		d.report(cmd, 0, fmt.Errorf("marshal downlink: %w", err))
		return
	}

	subject := d.subjectFor(cmd)
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				d.report(cmd, attempt-1, ctx.Err())
				return
			case <-time.After(d.retryInterval):
			}
		}

		lastErr = d.send(ctx, subject, data)
		if lastErr == nil {
			log.Info().
				Str("devEUI", cmd.DevEUI.String()).
				Str("id", cmd.ID.String()).
				Uint8("fPort", cmd.FPort).
				Int("attempt", attempt).
				Msg("Downlink acknowledged by network server")
			d.report(cmd, attempt, nil)
			return
		}

		log.Warn().
			Err(lastErr).
			Str("devEUI", cmd.DevEUI.String()).
			Str("id", cmd.ID.String()).
			Int("attempt", attempt).
			Msg("Downlink delivery failed")
	}

	log.Error().
		Err(lastErr).
		Str("devEUI", cmd.DevEUI.String()).
		Str("id", cmd.ID.String()).
		Int("attempts", d.maxAttempts).
		Msg("Downlink dropped after retries")
	d.report(cmd, d.maxAttempts, lastErr)
}

func (d *Downlinker) send(ctx context.Context, subject string, data []byte) error {
	if d.ackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ackTimeout)
		defer cancel()
	}

	reply, err := d.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return err
	}

	var ack networkAck
	if len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, &ack); err != nil {
			return fmt.Errorf("invalid ack: %w", err)
		}
	}
	if ack.Error != "" {
		return errors.New(ack.Error)
	}
	return nil
}

func (d *Downlinker) report(cmd *models.DownlinkCommand, attempts int, err error) {
	if d.onDelivery != nil {
		d.onDelivery(cmd, attempts, err)
	}
}
