package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/loraedge-tracker/internal/config"
	"github.com/lorawan-server/loraedge-tracker/internal/correlator"
	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/pipeline"
	"github.com/lorawan-server/loraedge-tracker/internal/router"
	"github.com/lorawan-server/loraedge-tracker/internal/solver"
	"github.com/lorawan-server/loraedge-tracker/internal/storage"
	"github.com/lorawan-server/loraedge-tracker/pkg/crypto"
	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

var testEUI = lorawan.EUI64{0x00, 0x16, 0xc0, 0x01, 0xff, 0x00, 0x00, 0x01}

type fakePipeline struct {
	uplinks   []*models.UplinkEvent
	responses []*solver.Response
	sessions  map[models.SessionKey]*models.DeviceSession
	err       error
}

func (p *fakePipeline) HandleUplink(ctx context.Context, ev *models.UplinkEvent) (*pipeline.Result, error) {
	p.uplinks = append(p.uplinks, ev)
	if p.err != nil {
		return nil, p.err
	}
	key := models.NewSessionKey(ev.DevEUI, ev.FCnt, 16)
	session := models.NewDeviceSession(key, ev.ReceivedAt)
	session.State = models.SessionAwaitingSolver
	return &pipeline.Result{
		Key:      key,
		Records:  2,
		Decision: &correlator.Decision{Key: key, Submit: true, Session: session},
	}, nil
}

func (p *fakePipeline) HandleSolverResponse(ctx context.Context, key models.SessionKey, resp *solver.Response) (*router.Outcome, error) {
	p.responses = append(p.responses, resp)
	if p.err != nil {
		return nil, p.err
	}
	session := models.NewDeviceSession(key, time.Now())
	session.State = models.SessionResolved
	return &router.Outcome{Applied: true, Session: session}, nil
}

func (p *fakePipeline) Session(ctx context.Context, key models.SessionKey) (*models.DeviceSession, error) {
	s, ok := p.sessions[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

type harness struct {
	srv      *RESTServer
	pipeline *fakePipeline
	store    *storage.MemoryStore
	token    string
}

func newHarness(t *testing.T, webhookToken string) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.JWT.Secret = "test-secret"
	if webhookToken != "" {
		hash, err := crypto.HashToken(webhookToken)
		require.NoError(t, err)
		cfg.Webhook.TokenHash = hash
	}

	h := &harness{
		pipeline: &fakePipeline{sessions: map[models.SessionKey]*models.DeviceSession{}},
		store:    storage.NewMemoryStore(),
	}
	h.srv = NewRESTServer(cfg, h.pipeline, h.store)

	access, _, err := h.srv.auth.GenerateTokenPair("ops")
	require.NoError(t, err)
	h.token = access
	return h
}

func (h *harness) do(method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + h.token}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

const wirelessUplink = `{
	"WirelessDeviceId": "5b0d3d1f-2b3e-4b77-9a57-1f6c6f3a7c10",
	"PayloadData": "AQNBQkMCAmZm",
	"WirelessMetadata": {
		"LoRaWAN": {
			"DevEui": "0016c001ff000001",
			"FCnt": 35,
			"FPort": 199,
			"DataRate": "3",
			"Frequency": "868100000",
			"Timestamp": "2026-10-18T09:30:00Z",
			"Gateways": [
				{"Rssi": -110, "Snr": -3.5},
				{"Rssi": -92, "Snr": 7.25}
			]
		}
	}
}`

func TestHealth(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestUplinkIngress(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(http.MethodPost, "/api/v1/uplinks", wirelessUplink, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, h.pipeline.uplinks, 1)
	ev := h.pipeline.uplinks[0]
	assert.Equal(t, testEUI, ev.DevEUI)
	assert.Equal(t, uint32(35), ev.FCnt)
	assert.Equal(t, uint8(199), ev.FPort)
	assert.Equal(t, []byte{0x01, 0x03, 'A', 'B', 'C', 0x02, 0x02, 'f', 'f'}, ev.Payload)
	assert.Equal(t, 3, ev.DR)
	assert.Equal(t, uint32(868100000), ev.Frequency)
	assert.Equal(t, -92.0, ev.RSSI)
	assert.Equal(t, 7.25, ev.SNR)
	assert.Equal(t, time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC), ev.ReceivedAt)
	assert.Equal(t, "http", ev.Source)

	body := decodeBody(t, rec)
	assert.Equal(t, "0016c001ff000001/2", body["session"])
	assert.Equal(t, true, body["submitted"])
	assert.Equal(t, string(models.SessionAwaitingSolver), body["state"])
}

func TestUplinkIngressRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"no metadata", `{"PayloadData":"AQ=="}`},
		{"bad deveui", `{"PayloadData":"AQ==","WirelessMetadata":{"LoRaWAN":{"DevEui":"zz","FCnt":1,"FPort":199}}}`},
		{"port range", `{"PayloadData":"AQ==","WirelessMetadata":{"LoRaWAN":{"DevEui":"0016c001ff000001","FCnt":1,"FPort":300}}}`},
		{"bad number", `{"PayloadData":"AQ==","WirelessMetadata":{"LoRaWAN":{"DevEui":"0016c001ff000001","FCnt":"x","FPort":199}}}`},
		{"bad timestamp", `{"PayloadData":"AQ==","WirelessMetadata":{"LoRaWAN":{"DevEui":"0016c001ff000001","FCnt":1,"FPort":199,"Timestamp":"yesterday"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "")
			rec := h.do(http.MethodPost, "/api/v1/uplinks", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, h.pipeline.uplinks)
		})
	}
}

func TestUplinkErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: fport 0", pipeline.ErrInvalidEnvelope), http.StatusBadRequest},
		{&rose.FrameError{Offset: 1, Reason: "truncated"}, http.StatusUnprocessableEntity},
		{correlator.ErrContention, http.StatusConflict},
		{fmt.Errorf("store down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := newHarness(t, "")
			h.pipeline.err = tt.err
			rec := h.do(http.MethodPost, "/api/v1/uplinks", wirelessUplink, nil)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestWebhookToken(t *testing.T) {
	h := newHarness(t, "s3cret")

	rec := h.do(http.MethodPost, "/api/v1/uplinks", wirelessUplink, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/uplinks", wirelessUplink, map[string]string{"X-Webhook-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/uplinks", wirelessUplink, map[string]string{"X-Webhook-Token": "s3cret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/uplinks", wirelessUplink, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Len(t, h.pipeline.uplinks, 2)
}

func TestSolverResponseIngress(t *testing.T) {
	h := newHarness(t, "")

	raw, err := solver.EncodeResponse(testEUI, &solver.Response{
		Result: &solver.Position{Latitude: 45.5, Longitude: -73.6, Accuracy: 12},
	})
	require.NoError(t, err)

	rec := h.do(http.MethodPost, "/api/v1/solver/responses", map[string]interface{}{
		"session":  "0016c001ff000001/2",
		"response": json.RawMessage(raw),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, h.pipeline.responses, 1)
	pos, ok := h.pipeline.responses[0].Result.(*solver.Position)
	require.True(t, ok)
	assert.Equal(t, 45.5, pos.Latitude)
	assert.Equal(t, true, decodeBody(t, rec)["applied"])

	rec = h.do(http.MethodPost, "/api/v1/solver/responses", map[string]interface{}{
		"session":  "nope",
		"response": json.RawMessage(raw),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSession(t *testing.T) {
	h := newHarness(t, "")

	key := models.SessionKey{DevEUI: testEUI, Window: 2}
	rec, err := rose.NewRecord(rose.TagWifiScan, []byte{0xaa, 0xbb})
	require.NoError(t, err)
	session := models.NewDeviceSession(key, time.Now())
	session.Records = []rose.Record{rec}
	session.Requested = []rose.Kind{rose.KindGnssScan}
	h.pipeline.sessions[key] = session

	resp := h.do(http.MethodGet, "/api/v1/sessions/0016c001ff000001/2", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = h.do(http.MethodGet, "/api/v1/sessions/0016c001ff000001/2", nil, h.bearer())
	require.Equal(t, http.StatusOK, resp.Code)

	var view sessionView
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &view))
	assert.Equal(t, "0016c001ff000001/2", view.Session)
	assert.Equal(t, models.SessionCollecting, view.State)
	require.Len(t, view.Records, 1)
	assert.Equal(t, "0x02", view.Records[0].Tag)
	assert.Equal(t, "aabb", view.Records[0].Payload)
	assert.Equal(t, []string{rose.KindGnssScan.String()}, view.Requested)

	resp = h.do(http.MethodGet, "/api/v1/sessions/0016c001ff000001/3", nil, h.bearer())
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = h.do(http.MethodGet, "/api/v1/sessions/0016c001ff000001/x", nil, h.bearer())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListEvidence(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	key := models.SessionKey{DevEUI: testEUI, Window: 2}
	other := models.SessionKey{DevEUI: lorawan.EUI64{1}, Window: 0}
	require.NoError(t, h.store.AppendEvidence(ctx,
		models.NewEvidence(key, 35, models.EvidenceRecordRaw, models.EvidenceLevelInfo),
		models.NewEvidence(key, 35, models.EvidencePosition, models.EvidenceLevelInfo),
		models.NewEvidence(other, 1, models.EvidenceRecordRaw, models.EvidenceLevelInfo),
	))

	resp := h.do(http.MethodGet, "/api/v1/evidence?dev_eui=0016c001ff000001", nil, h.bearer())
	require.Equal(t, http.StatusOK, resp.Code)
	assert.EqualValues(t, 2, decodeBody(t, resp)["total"])

	resp = h.do(http.MethodGet, "/api/v1/evidence?dev_eui=0016c001ff000001&type=POSITION", nil, h.bearer())
	require.Equal(t, http.StatusOK, resp.Code)
	assert.EqualValues(t, 1, decodeBody(t, resp)["total"])

	resp = h.do(http.MethodGet, "/api/v1/evidence?limit=1", nil, h.bearer())
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	assert.EqualValues(t, 3, body["total"])
	assert.Len(t, body["evidence"], 1)

	resp = h.do(http.MethodGet, "/api/v1/evidence?window=abc", nil, h.bearer())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRefresh(t *testing.T) {
	h := newHarness(t, "")
	_, refresh, err := h.srv.auth.GenerateTokenPair("ops")
	require.NoError(t, err)

	rec := h.do(http.MethodPost, "/api/v1/auth/refresh", map[string]string{"refresh_token": refresh}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["access_token"])

	rec = h.do(http.MethodPost, "/api/v1/auth/refresh", map[string]string{"refresh_token": h.token}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
