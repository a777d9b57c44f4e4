package solver

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

const (
	msgTypeRose    = "rose"
	msgTypeJoining = "joining"
)

// uplinkMessage is the per-device body of a solver request
type uplinkMessage struct {
	MsgType   string       `json:"msgtype"`
	FCnt      *uint32      `json:"fcnt,omitempty"`
	Port      *uint8       `json:"port,omitempty"`
	Payload   string       `json:"payload,omitempty"`
	DR        *int         `json:"dr,omitempty"`
	Frequency *uint32      `json:"freq,omitempty"`
	Timestamp *float64     `json:"timestamp,omitempty"`
	Records   []wireRecord `json:"records,omitempty"`
}

type wireRecord struct {
	Tag     string `json:"tag"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// buildUplink serializes req keyed by the dashed DevEUI
func buildUplink(req *Request) ([]byte, error) {
	payload, err := rose.Encode(req.Records)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}

	ts := float64(req.Timestamp.UnixNano()) / float64(time.Second)
	msg := uplinkMessage{
		MsgType:   msgTypeRose,
		FCnt:      &req.FCnt,
		Port:      &req.Port,
		Payload:   hex.EncodeToString(payload),
		DR:        &req.DR,
		Frequency: &req.Frequency,
		Timestamp: &ts,
	}
	for _, r := range req.Records {
		msg.Records = append(msg.Records, wireRecord{
			Tag:     fmt.Sprintf("%02x", r.Tag()),
			Type:    r.Kind().String(),
			Payload: hex.EncodeToString(r.Payload()),
		})
	}

	return json.Marshal(map[string]uplinkMessage{req.DevEUI.Dashed(): msg})
}

func buildJoining(devEUI lorawan.EUI64) ([]byte, error) {
	return json.Marshal(map[string]uplinkMessage{devEUI.Dashed(): {MsgType: msgTypeJoining}})
}

type responseEnvelope struct {
	Result map[string]deviceResponse `json:"result"`
	Errors []string                  `json:"errors,omitempty"`
}

type deviceResponse struct {
	Result *deviceResult `json:"result"`
	Error  string        `json:"error,omitempty"`
}

type deviceResult struct {
	Dnlink           *wireDownlink     `json:"dnlink,omitempty"`
	PositionSolution *positionSolution `json:"position_solution,omitempty"`
	NeedMoreData     []string          `json:"need_more_data,omitempty"`
	Error            string            `json:"error,omitempty"`
}

type wireDownlink struct {
	Port    uint8  `json:"port"`
	Payload string `json:"payload"`
}

type positionSolution struct {
	LLH       []float64 `json:"llh"`
	Accuracy  float64   `json:"accuracy"`
	GDOP      float64   `json:"gdop"`
	Timestamp float64   `json:"timestamp"`
}

// parseResponse extracts the entry for devEUI from a solver reply body
func parseResponse(body []byte, devEUI lorawan.EUI64) (*Response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode solver response: %w", err)
	}

	entry, ok := env.Result[devEUI.Dashed()]
	if !ok {
		entry, ok = env.Result[devEUI.String()]
	}
	if !ok {
		if len(env.Errors) > 0 {
			return &Response{Result: &Failure{Reason: env.Errors[0]}}, nil
		}
		return nil, fmt.Errorf("solver response has no entry for %s", devEUI.Dashed())
	}

	return entry.decode()
}

func (d deviceResponse) decode() (*Response, error) {
	resp := &Response{}

	if d.Error != "" {
		resp.Result = &Failure{Reason: d.Error}
		return resp, nil
	}
	if d.Result == nil {
		resp.Result = &Failure{Reason: "empty solver result"}
		return resp, nil
	}

	r := d.Result
	if r.Dnlink != nil {
		payload, err := hex.DecodeString(r.Dnlink.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode dnlink payload: %w", err)
		}
		resp.Instruction = &Instruction{Port: r.Dnlink.Port, Payload: payload}
	}

	switch {
	case r.PositionSolution != nil:
		pos, err := r.PositionSolution.decode()
		if err != nil {
			return nil, err
		}
		resp.Result = pos

	case len(r.NeedMoreData) > 0:
		more := &NeedMoreData{}
		for _, name := range r.NeedMoreData {
			k, err := rose.ParseKind(name)
			if err != nil {
				return nil, fmt.Errorf("need_more_data: %w", err)
			}
			if k != rose.KindGnssScan && k != rose.KindWifiScan {
				// only scans can be requested from the device
				more = nil
				resp.Result = &Failure{Reason: fmt.Sprintf("solver requested unsupported scan kind %s", k)}
				break
			}
			more.Kinds = append(more.Kinds, k)
		}
		if more != nil {
			resp.Result = more
		}

	case r.Error != "":
		resp.Result = &Failure{Reason: r.Error}

	default:
		resp.Result = &Failure{Reason: "solver returned no position"}
	}

	return resp, nil
}

func (p *positionSolution) decode() (*Position, error) {
	if len(p.LLH) < 2 {
		return nil, fmt.Errorf("position_solution.llh has %d values", len(p.LLH))
	}

	pos := &Position{
		Latitude:  p.LLH[0],
		Longitude: p.LLH[1],
		Accuracy:  p.Accuracy,
		GDOP:      p.GDOP,
	}
	if len(p.LLH) > 2 {
		pos.Altitude = p.LLH[2]
	}
	if pos.Latitude < -90 || pos.Latitude > 90 || pos.Longitude < -180 || pos.Longitude > 180 {
		return nil, fmt.Errorf("position out of range: %f,%f", pos.Latitude, pos.Longitude)
	}
	if p.Timestamp > 0 {
		sec, frac := math.Modf(p.Timestamp)
		pos.Timestamp = time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
	}
	return pos, nil
}

// EncodeResponse renders a response in the solver wire format, for
// adapters that relay asynchronous replies
func EncodeResponse(devEUI lorawan.EUI64, resp *Response) ([]byte, error) {
	r := &deviceResult{}

	switch v := resp.Result.(type) {
	case *Position:
		r.PositionSolution = &positionSolution{
			LLH:      []float64{v.Latitude, v.Longitude, v.Altitude},
			Accuracy: v.Accuracy,
			GDOP:     v.GDOP,
		}
		if !v.Timestamp.IsZero() {
			r.PositionSolution.Timestamp = float64(v.Timestamp.UnixNano()) / float64(time.Second)
		}
	case *NeedMoreData:
		for _, k := range v.Kinds {
			r.NeedMoreData = append(r.NeedMoreData, k.String())
		}
	case *Failure:
		r.Error = v.Reason
	}

	if resp.Instruction != nil {
		r.Dnlink = &wireDownlink{Port: resp.Instruction.Port, Payload: hex.EncodeToString(resp.Instruction.Payload)}
	}

	return json.Marshal(responseEnvelope{
		Result: map[string]deviceResponse{devEUI.Dashed(): {Result: r}},
	})
}

// DecodeResponse parses a solver reply for devEUI
func DecodeResponse(body []byte, devEUI lorawan.EUI64) (*Response, error) {
	return parseResponse(body, devEUI)
}
