package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/storage"
	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
)

type recordView struct {
	Tag     string `json:"tag"`
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

type sessionView struct {
	Session     string              `json:"session"`
	DevEUI      string              `json:"devEUI"`
	Window      uint32              `json:"window"`
	State       models.SessionState `json:"state"`
	Outcome     models.Outcome      `json:"outcome,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Records     []recordView        `json:"records"`
	Submitted   int                 `json:"submitted"`
	Requested   []string            `json:"requested,omitempty"`
	Submissions int                 `json:"submissions"`
	FollowUps   int                 `json:"followUps"`
	LastFCnt    uint32              `json:"lastFCnt"`
	Version     int64               `json:"version"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	SubmittedAt *time.Time          `json:"submittedAt,omitempty"`
	ClosedAt    *time.Time          `json:"closedAt,omitempty"`
}

func newSessionView(s *models.DeviceSession) sessionView {
	v := sessionView{
		Session:     s.Key.String(),
		DevEUI:      s.Key.DevEUI.String(),
		Window:      s.Key.Window,
		State:       s.State,
		Outcome:     s.Outcome,
		Reason:      s.Reason,
		Records:     make([]recordView, 0, len(s.Records)),
		Submitted:   s.Submitted,
		Submissions: s.Submissions,
		FollowUps:   s.FollowUps,
		LastFCnt:    s.LastFCnt,
		Version:     s.Version,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		SubmittedAt: s.SubmittedAt,
		ClosedAt:    s.ClosedAt,
	}
	for _, rec := range s.Records {
		v.Records = append(v.Records, recordView{
			Tag:     "0x" + hex.EncodeToString([]byte{rec.Tag()}),
			Kind:    rec.Kind().String(),
			Payload: hex.EncodeToString(rec.Payload()),
		})
	}
	for _, k := range s.Requested {
		v.Requested = append(v.Requested, k.String())
	}
	return v
}

// HandleGetSession returns one session by device and window
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	devEUI, err := lorawan.ParseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid DevEUI")
		return
	}

	window, err := strconv.ParseUint(chi.URLParam(r, "window"), 10, 32)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid window")
		return
	}

	key := models.SessionKey{DevEUI: devEUI, Window: uint32(window)}
	session, err := s.pipeline.Session(r.Context(), key)
	if err != nil {
		s.respondError(w, errorStatus(err), err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, newSessionView(session))
}

// HandleListEvidence lists evidence records
func (s *RESTServer) HandleListEvidence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	filter := storage.EvidenceFilter{}

	if devEUIStr := r.URL.Query().Get("dev_eui"); devEUIStr != "" {
		devEUI, err := lorawan.ParseEUI64(devEUIStr)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid DevEUI")
			return
		}
		filter.DevEUI = &devEUI
	}

	if windowStr := r.URL.Query().Get("window"); windowStr != "" {
		window, err := strconv.ParseUint(windowStr, 10, 32)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid window")
			return
		}
		w32 := uint32(window)
		filter.Window = &w32
	}

	if evidenceType := r.URL.Query().Get("type"); evidenceType != "" {
		t := models.EvidenceType(evidenceType)
		filter.Type = &t
	}

	records, total, err := s.evidence.ListEvidence(ctx, filter, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"evidence": records,
		"total":    total,
	})
}
