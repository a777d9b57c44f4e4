package dispatcher

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/storage"
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

// Dispatcher writes every decoded record to the evidence sink in frame
// order. Classify picks the ones eligible for the solver.
type Dispatcher struct {
	evidence storage.EvidenceStore
}

// New creates a dispatcher
func New(evidence storage.EvidenceStore) *Dispatcher {
	return &Dispatcher{evidence: evidence}
}

// Result is the classification of one frame
type Result struct {
	// Solver holds records forwarded to the correlator, in frame order
	Solver []rose.Record
	// Counts per kind, including unknown
	Counts map[rose.Kind]int
}

// Classify selects the records eligible for the solver without storing
// anything
func Classify(ev *models.UplinkEvent, frame *rose.Frame) *Result {
	res := &Result{Counts: make(map[rose.Kind]int)}
	for _, r := range frame.Records {
		res.Counts[r.Kind()]++
		if forward(ev, r) {
			res.Solver = append(res.Solver, r)
		}
	}
	return res
}

// Record appends every record of the frame to the evidence sink in
// frame order
func (d *Dispatcher) Record(ctx context.Context, key models.SessionKey, ev *models.UplinkEvent, frame *rose.Frame) (int, error) {
	evidence := make([]*models.EvidenceRecord, 0, len(frame.Records))
	for i, r := range frame.Records {
		tag := r.Tag()
		e := models.NewEvidence(key, ev.FCnt, models.EvidenceRecordRaw, models.EvidenceLevelInfo)
		e.Seq = i
		e.Tag = &tag
		e.Payload = r.Payload()
		e.Details = models.Variables(rose.Details(r))
		if r.Kind() == rose.KindUnknown {
			e.Level = models.EvidenceLevelWarning
		}
		evidence = append(evidence, e)
	}

	if err := d.evidence.AppendEvidence(ctx, evidence...); err != nil {
		return 0, fmt.Errorf("store records: %w", err)
	}
	return len(evidence), nil
}

// forward decides whether a record takes part in solver submission
func forward(ev *models.UplinkEvent, r rose.Record) bool {
	switch rec := r.(type) {
	case *rose.GnssScan, *rose.WifiScan:
		return true

	case *rose.ModemStatus:
		log.Debug().
			Str("devEUI", ev.DevEUI.String()).
			Uint32("fCnt", ev.FCnt).
			Str("tag", fmt.Sprintf("%02X", rec.Tag())).
			Msg("Modem status record")
		return true

	case *rose.Ack:
		return true

	case *rose.Unknown:
		log.Info().
			Str("devEUI", ev.DevEUI.String()).
			Uint32("fCnt", ev.FCnt).
			Str("tag", fmt.Sprintf("%02X", rec.Tag())).
			Int("len", len(rec.Payload())).
			Msg("Unknown record type, stored raw and excluded from solver")
		return false
	}
	return false
}
