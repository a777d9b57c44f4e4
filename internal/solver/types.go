package solver

import (
	"time"

	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

// Request aggregates the records of one session for the solver
type Request struct {
	DevEUI    lorawan.EUI64
	FCnt      uint32
	Port      uint8
	Timestamp time.Time
	DR        int
	Frequency uint32
	Records   []rose.Record
}

// Result is one of Position, NeedMoreData or Failure
type Result interface {
	isResult()
}

// Position is a computed location
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude"`
	Accuracy  float64   `json:"accuracy"`
	GDOP      float64   `json:"gdop,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NeedMoreData asks the device for additional scans
type NeedMoreData struct {
	Kinds []rose.Kind
}

// Failure is a solver-side refusal to compute a position
type Failure struct {
	Reason string
}

func (*Position) isResult()     {}
func (*NeedMoreData) isResult() {}
func (*Failure) isResult()      {}

// Instruction is a device-bound payload the solver wants delivered
type Instruction struct {
	Port    uint8
	Payload []byte
}

// Response is the solver's answer for one device
type Response struct {
	Result      Result
	Instruction *Instruction

	// Attempts is the number of HTTP requests made, including retries
	Attempts int
}
