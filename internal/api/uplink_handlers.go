package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/pipeline"
	"github.com/lorawan-server/loraedge-tracker/internal/solver"
	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
)

// maxBodySize bounds ingress request bodies
const maxBodySize = 64 << 10

// number accepts a JSON number or a numeric string
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", data)
	}
	*n = number(f)
	return nil
}

// wirelessEvent is an uplink in the AWS IoT Core for LoRaWAN rule format
type wirelessEvent struct {
	WirelessDeviceID string `json:"WirelessDeviceId"`
	PayloadData      []byte `json:"PayloadData"`
	WirelessMetadata struct {
		LoRaWAN *struct {
			DevEui    string `json:"DevEui"`
			FCnt      number `json:"FCnt"`
			FPort     number `json:"FPort"`
			DataRate  number `json:"DataRate"`
			Frequency number `json:"Frequency"`
			Timestamp string `json:"Timestamp"`
			Gateways  []struct {
				Rssi number `json:"Rssi"`
				Snr  number `json:"Snr"`
			} `json:"Gateways"`
		} `json:"LoRaWAN"`
	} `json:"WirelessMetadata"`
}

// toUplinkEvent converts the wire event, leaving value checks to the pipeline
func (e *wirelessEvent) toUplinkEvent(now time.Time) (*models.UplinkEvent, error) {
	lw := e.WirelessMetadata.LoRaWAN
	if lw == nil {
		return nil, fmt.Errorf("%w: missing LoRaWAN metadata", pipeline.ErrInvalidEnvelope)
	}

	eui, err := lorawan.ParseEUI64(lw.DevEui)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidEnvelope, err)
	}
	if lw.FPort < 0 || lw.FPort > 255 || lw.FCnt < 0 {
		return nil, fmt.Errorf("%w: frame counter or port out of range", pipeline.ErrInvalidEnvelope)
	}

	ev := &models.UplinkEvent{
		DevEUI:     eui,
		FCnt:       uint32(lw.FCnt),
		FPort:      uint8(lw.FPort),
		Payload:    e.PayloadData,
		ReceivedAt: now.UTC(),
		DR:         int(lw.DataRate),
		Frequency:  uint32(lw.Frequency),
		Source:     "http",
	}
	if lw.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, lw.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timestamp %q", pipeline.ErrInvalidEnvelope, lw.Timestamp)
		}
		ev.ReceivedAt = ts.UTC()
	}
	for i, gw := range lw.Gateways {
		if i == 0 || float64(gw.Rssi) > ev.RSSI {
			ev.RSSI = float64(gw.Rssi)
			ev.SNR = float64(gw.Snr)
		}
	}

	return ev, nil
}

// HandleUplink ingests one uplink event
func (s *RESTServer) HandleUplink(w http.ResponseWriter, r *http.Request) {
	var event wirelessEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&event); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev, err := event.toUplinkEvent(time.Now())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.pipeline.HandleUplink(r.Context(), ev)
	if err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("devEUI", ev.DevEUI.String()).Msg("Uplink processing failed")
		}
		s.respondError(w, status, err.Error())
		return
	}

	body := map[string]interface{}{
		"session":   res.Key.String(),
		"records":   res.Records,
		"duplicate": res.Decision.Duplicate,
		"closed":    res.Decision.Closed,
		"submitted": res.Decision.Submit,
	}
	if res.Decision.Session != nil {
		body["state"] = res.Decision.Session.State
	}
	if res.Outcome != nil {
		body["state"] = res.Outcome.Session.State
		body["outcome"] = res.Outcome.Session.Outcome
		body["downlinks"] = len(res.Outcome.Downlinks)
	}

	s.respondJSON(w, http.StatusAccepted, body)
}

// HandleSolverResponse accepts an asynchronous solver answer
func (s *RESTServer) HandleSolverResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Session  string          `json:"session"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, err := models.ParseSessionKey(req.Session)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := solver.DecodeResponse(req.Response, key.DevEUI)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.pipeline.HandleSolverResponse(r.Context(), key, resp)
	if err != nil {
		s.respondError(w, errorStatus(err), err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"session":   key.String(),
		"applied":   out.Applied,
		"state":     out.Session.State,
		"downlinks": len(out.Downlinks),
	})
}
