package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
)

// UplinkEvent is one decoded uplink delivered by an ingress adapter
type UplinkEvent struct {
	DevEUI     lorawan.EUI64 `json:"devEUI" validate:"required"`
	FCnt       uint32        `json:"fCnt"`
	FPort      uint8         `json:"fPort" validate:"required"`
	Payload    []byte        `json:"data" validate:"required,max=255"`
	ReceivedAt time.Time     `json:"receivedAt" validate:"required"`

	// Radio metadata, forwarded to the solver when known
	DR        int     `json:"dr"`
	Frequency uint32  `json:"frequency"`
	RSSI      float64 `json:"rssi"`
	SNR       float64 `json:"snr"`

	// Source names the adapter the event came through
	Source string `json:"source,omitempty"`
}

// DownlinkPriority orders queued downlinks
type DownlinkPriority int

const (
	PriorityNormal DownlinkPriority = iota
	PriorityHigh
)

// String returns the priority name
func (p DownlinkPriority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// DownlinkCommand is a device-bound payload produced by the pipeline
type DownlinkCommand struct {
	ID        uuid.UUID        `json:"id"`
	DevEUI    lorawan.EUI64    `json:"devEUI"`
	FPort     uint8            `json:"fPort"`
	Data      []byte           `json:"data"`
	Confirmed bool             `json:"confirmed"`
	Priority  DownlinkPriority `json:"priority"`
	Reason    string           `json:"reason,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// NewDownlinkCommand returns a command with a fresh id
func NewDownlinkCommand(devEUI lorawan.EUI64, fPort uint8, data []byte, priority DownlinkPriority) *DownlinkCommand {
	return &DownlinkCommand{
		ID:        uuid.New(),
		DevEUI:    devEUI,
		FPort:     fPort,
		Data:      data,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}
