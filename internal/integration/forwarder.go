package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loraedge-tracker/internal/config"
	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/solver"
)

// PositionForwarder publishes resolved positions to an MQTT broker
type PositionForwarder struct {
	client mqtt.Client
	cfg    config.MQTTConfig
}

// NewPositionForwarder connects to the configured broker
func NewPositionForwarder(cfg config.MQTTConfig) (*PositionForwarder, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.BrokerURL, err)
	}

	return newPositionForwarder(client, cfg), nil
}

func newPositionForwarder(client mqtt.Client, cfg config.MQTTConfig) *PositionForwarder {
	return &PositionForwarder{client: client, cfg: cfg}
}

// positionMessage is the published JSON document
type positionMessage struct {
	DevEUI      string    `json:"devEUI"`
	Window      uint32    `json:"window"`
	FCnt        uint32    `json:"fCnt"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Altitude    float64   `json:"altitude"`
	Accuracy    float64   `json:"accuracy"`
	GDOP        float64   `json:"gdop,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Submissions int       `json:"submissions"`
}

// Topic returns the topic positions of a device are published on
func (f *PositionForwarder) Topic(devEUI string) string {
	return strings.TrimRight(f.cfg.TopicPrefix, "/") + "/" + devEUI + "/position"
}

// PublishPosition publishes one resolved position
func (f *PositionForwarder) PublishPosition(ctx context.Context, session *models.DeviceSession, pos *solver.Position) error {
	data, err := json.Marshal(positionMessage{
		DevEUI:      session.Key.DevEUI.String(),
		Window:      session.Key.Window,
		FCnt:        session.LastFCnt,
		Latitude:    pos.Latitude,
		Longitude:   pos.Longitude,
		Altitude:    pos.Altitude,
		Accuracy:    pos.Accuracy,
		GDOP:        pos.GDOP,
		Timestamp:   pos.Timestamp,
		Submissions: session.Submissions,
	})
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	topic := f.Topic(session.Key.DevEUI.String())
	token := f.client.Publish(topic, f.cfg.QoS, f.cfg.Retained, data)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.cfg.Timeout):
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	log.Debug().
		Str("devEUI", session.Key.DevEUI.String()).
		Str("topic", topic).
		Msg("Position forwarded to MQTT")
	return nil
}

// Close disconnects from the broker
func (f *PositionForwarder) Close() {
	if f.client.IsConnected() {
		f.client.Disconnect(250)
	}
	log.Info().Msg("MQTT client disconnected")
}
