package rose

import (
	"fmt"
	"strings"
)

// Kind classifies a record for dispatch and solver submission
type Kind uint8

const (
	KindUnknown Kind = iota
	KindGnssScan
	KindWifiScan
	KindModemStatus
	KindAck
)

// String returns the wire name of the kind
func (k Kind) String() string {
	switch k {
	case KindGnssScan:
		return "gnss"
	case KindWifiScan:
		return "wifi"
	case KindModemStatus:
		return "modem"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// ParseKind parses a kind name as produced by Kind.String
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gnss", "gnssscan", "gnss_scan":
		return KindGnssScan, nil
	case "wifi", "wifiscan", "wifi_scan":
		return KindWifiScan, nil
	case "modem", "modemstatus", "modem_status":
		return KindModemStatus, nil
	case "ack":
		return KindAck, nil
	}
	return KindUnknown, fmt.Errorf("unknown record kind %q", s)
}

// Record tags
const (
	TagVersion         byte = 0x00
	TagGnssScan        byte = 0x01
	TagWifiScan        byte = 0x02
	TagModemStatus     byte = 0x03
	TagAck             byte = 0x04
	TagGnssNav         byte = 0x05
	TagGnssNavPCB      byte = 0x06
	TagGnssNavPatch    byte = 0x07
	TagWifiMacRssi     byte = 0x08
	TagAccelerometer   byte = 0x09
	TagCharge          byte = 0x0A
	TagVoltage         byte = 0x0B
	TagSensors         byte = 0x0D
	TagWifiTimestamped byte = 0x0E
)

const (
	wifiEntrySize       = 7 // RSSI + MAC
	wifiTimestampHeader = 5 // status + epoch
)

// KindOf returns the kind a tag decodes to
func KindOf(tag byte) Kind {
	switch tag {
	case TagGnssScan, TagGnssNav, TagGnssNavPCB, TagGnssNavPatch:
		return KindGnssScan
	case TagWifiScan, TagWifiMacRssi, TagWifiTimestamped:
		return KindWifiScan
	case TagModemStatus, TagAccelerometer, TagCharge, TagVoltage, TagSensors:
		return KindModemStatus
	case TagAck:
		return KindAck
	default:
		return KindUnknown
	}
}

// Record is one tag-length-value entry of a ROSE frame. The set of
// implementations is closed: GnssScan, WifiScan, ModemStatus, Ack, Unknown.
type Record interface {
	Tag() byte
	Kind() Kind
	// Payload returns the exact bytes the record was decoded from
	Payload() []byte
	isRecord()
}

// GnssScan carries a GNSS NAV message for the solver
type GnssScan struct {
	tag byte
	NAV []byte
}

func (r *GnssScan) Tag() byte       { return r.tag }
func (r *GnssScan) Kind() Kind      { return KindGnssScan }
func (r *GnssScan) Payload() []byte { return r.NAV }
func (r *GnssScan) isRecord()       {}

// Antenna reports which antenna produced the scan
func (r *GnssScan) Antenna() string {
	switch r.tag {
	case TagGnssNavPCB:
		return "pcb"
	case TagGnssNavPatch:
		return "patch"
	default:
		return "default"
	}
}

// AccessPoint is one MAC+RSSI entry of a WiFi scan
type AccessPoint struct {
	RSSI int8
	MAC  [6]byte
}

// MACString formats the MAC address as colon separated hex
func (ap AccessPoint) MACString() string {
	m := ap.MAC
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// WifiScan carries a WiFi access point scan
type WifiScan struct {
	tag       byte
	raw       []byte
	Status    byte
	Timestamp uint32 // device epoch seconds, timestamped scans only
	Entries   []AccessPoint
}

func (r *WifiScan) Tag() byte       { return r.tag }
func (r *WifiScan) Kind() Kind      { return KindWifiScan }
func (r *WifiScan) Payload() []byte { return r.raw }
func (r *WifiScan) isRecord()       {}

// ScanBytes returns the MAC/RSSI portion the solver expects
func (r *WifiScan) ScanBytes() []byte {
	if r.tag == TagWifiTimestamped {
		return r.raw[wifiTimestampHeader:]
	}
	return r.raw
}

// ModemStatus carries modem and sensor telemetry. Only the fields that
// belong to the record's tag are populated.
type ModemStatus struct {
	tag byte
	raw []byte

	MotionHistory uint8
	AccelXmg      int16
	AccelYmg      int16
	AccelZmg      int16
	TemperatureC  float64
	ChargeMAh     uint32
	VoltageMV     uint16
	SensorVersion uint8
}

func (r *ModemStatus) Tag() byte       { return r.tag }
func (r *ModemStatus) Kind() Kind      { return KindModemStatus }
func (r *ModemStatus) Payload() []byte { return r.raw }
func (r *ModemStatus) isRecord()       {}

// Ack marks the end of a batch or acknowledges a downlink
type Ack struct {
	tag byte
	raw []byte
}

func (r *Ack) Tag() byte       { return r.tag }
func (r *Ack) Kind() Kind      { return KindAck }
func (r *Ack) Payload() []byte { return r.raw }
func (r *Ack) isRecord()       {}

// Token returns the acknowledged downlink token, zero when absent
func (r *Ack) Token() byte {
	if len(r.raw) == 0 {
		return 0
	}
	return r.raw[0]
}

// Unknown preserves a record whose tag this decoder does not understand
type Unknown struct {
	tag byte
	raw []byte
}

func (r *Unknown) Tag() byte       { return r.tag }
func (r *Unknown) Kind() Kind      { return KindUnknown }
func (r *Unknown) Payload() []byte { return r.raw }
func (r *Unknown) isRecord()       {}

// NewRecord decodes a single record payload for the given tag
func NewRecord(tag byte, payload []byte) (Record, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("payload length %d exceeds %d", len(payload), MaxPayloadLen)
	}

	raw := make([]byte, len(payload))
	copy(raw, payload)

	switch KindOf(tag) {
	case KindGnssScan:
		if len(raw) == 0 {
			return nil, fmt.Errorf("empty GNSS scan")
		}
		return &GnssScan{tag: tag, NAV: raw}, nil

	case KindWifiScan:
		return decodeWifi(tag, raw)

	case KindModemStatus:
		return decodeModemStatus(tag, raw)

	case KindAck:
		return &Ack{tag: tag, raw: raw}, nil

	default:
		if tag == TagVersion {
			return nil, fmt.Errorf("version header is not a record")
		}
		return &Unknown{tag: tag, raw: raw}, nil
	}
}

func decodeWifi(tag byte, raw []byte) (*WifiScan, error) {
	r := &WifiScan{tag: tag, raw: raw}

	switch tag {
	case TagWifiScan:
		if len(raw) == 0 {
			return nil, fmt.Errorf("empty WiFi scan")
		}
		if len(raw)%wifiEntrySize == 0 {
			r.Entries = parseAccessPoints(raw)
		}

	case TagWifiMacRssi:
		if len(raw) == 0 || len(raw)%wifiEntrySize != 0 {
			return nil, fmt.Errorf("WiFi MAC/RSSI scan length %d is not a multiple of %d", len(raw), wifiEntrySize)
		}
		r.Entries = parseAccessPoints(raw)

	case TagWifiTimestamped:
		if len(raw) < wifiTimestampHeader || (len(raw)-wifiTimestampHeader)%wifiEntrySize != 0 {
			return nil, fmt.Errorf("timestamped WiFi scan length %d is invalid", len(raw))
		}
		r.Status = raw[0]
		r.Timestamp = uint32(raw[1])<<24 | uint32(raw[2])<<16 | uint32(raw[3])<<8 | uint32(raw[4])
		r.Entries = parseAccessPoints(raw[wifiTimestampHeader:])
	}

	return r, nil
}

func parseAccessPoints(data []byte) []AccessPoint {
	aps := make([]AccessPoint, 0, len(data)/wifiEntrySize)
	for i := 0; i+wifiEntrySize <= len(data); i += wifiEntrySize {
		ap := AccessPoint{RSSI: int8(data[i])}
		copy(ap.MAC[:], data[i+1:i+wifiEntrySize])
		aps = append(aps, ap)
	}
	return aps
}
