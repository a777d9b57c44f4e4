package rose

import (
	"fmt"
)

// Downlink command opcodes
const (
	CmdRequestScan byte = 0x10
)

// Scan request mask bits
const (
	ScanMaskGnss byte = 1 << 0
	ScanMaskWifi byte = 1 << 1
)

// EncodeScanRequest builds the downlink asking a tracker to collect the
// given scan kinds on its next uplink
func EncodeScanRequest(kinds ...Kind) ([]byte, error) {
	var mask byte
	for _, k := range kinds {
		switch k {
		case KindGnssScan:
			mask |= ScanMaskGnss
		case KindWifiScan:
			mask |= ScanMaskWifi
		default:
			return nil, fmt.Errorf("cannot request scan of kind %s", k)
		}
	}
	if mask == 0 {
		return nil, fmt.Errorf("scan request needs at least one kind")
	}
	return []byte{CmdRequestScan, mask}, nil
}

// DecodeScanRequest is the inverse of EncodeScanRequest
func DecodeScanRequest(data []byte) ([]Kind, error) {
	if len(data) != 2 || data[0] != CmdRequestScan {
		return nil, fmt.Errorf("not a scan request command")
	}

	var kinds []Kind
	if data[1]&ScanMaskGnss != 0 {
		kinds = append(kinds, KindGnssScan)
	}
	if data[1]&ScanMaskWifi != 0 {
		kinds = append(kinds, KindWifiScan)
	}
	if len(kinds) == 0 || data[1]&^(ScanMaskGnss|ScanMaskWifi) != 0 {
		return nil, fmt.Errorf("invalid scan mask %02X", data[1])
	}
	return kinds, nil
}
