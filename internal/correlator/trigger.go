package correlator

import (
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

// Trigger decides when a Collecting session is submitted to the solver.
// Any enabled condition is sufficient.
type Trigger struct {
	// MinRecords fires once the session holds at least this many records
	MinRecords int
	// OnKinds fires as soon as a record of any listed kind is present
	OnKinds []rose.Kind
	// OnFlush fires when an ack record is present
	OnFlush bool
}

// Fires reports whether records satisfy the trigger
func (t Trigger) Fires(records []rose.Record) bool {
	if len(records) == 0 {
		return false
	}
	if t.MinRecords > 0 && len(records) >= t.MinRecords {
		return true
	}
	for _, r := range records {
		if t.OnFlush && r.Kind() == rose.KindAck {
			return true
		}
		for _, k := range t.OnKinds {
			if r.Kind() == k {
				return true
			}
		}
	}
	return false
}

// covers reports whether records contain every wanted kind
func covers(records []rose.Record, wanted []rose.Kind) bool {
	have := make(map[rose.Kind]bool, len(records))
	for _, r := range records {
		have[r.Kind()] = true
	}
	for _, k := range wanted {
		if !have[k] {
			return false
		}
	}
	return true
}
