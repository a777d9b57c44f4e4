package rose

import (
	"encoding/binary"
	"fmt"
)

// Battery capacity of the reference tracker in mAh
const BatteryCapacityMAh = 2400

func decodeModemStatus(tag byte, raw []byte) (*ModemStatus, error) {
	r := &ModemStatus{tag: tag, raw: raw}

	switch tag {
	case TagModemStatus:
		if len(raw) == 0 {
			return nil, fmt.Errorf("empty modem status")
		}

	case TagAccelerometer:
		// motion bitmap, x/y/z in mg, temperature in centi-degrees
		if len(raw) != 9 {
			return nil, fmt.Errorf("accelerometer record length %d, expected 9", len(raw))
		}
		r.MotionHistory = raw[0]
		r.AccelXmg = int16(binary.BigEndian.Uint16(raw[1:3]))
		r.AccelYmg = int16(binary.BigEndian.Uint16(raw[3:5]))
		r.AccelZmg = int16(binary.BigEndian.Uint16(raw[5:7]))
		r.TemperatureC = float64(int16(binary.BigEndian.Uint16(raw[7:9]))) / 100

	case TagCharge:
		if len(raw) != 4 {
			return nil, fmt.Errorf("charge record length %d, expected 4", len(raw))
		}
		r.ChargeMAh = binary.BigEndian.Uint32(raw)

	case TagVoltage:
		if len(raw) != 2 {
			return nil, fmt.Errorf("voltage record length %d, expected 2", len(raw))
		}
		r.VoltageMV = binary.BigEndian.Uint16(raw)

	case TagSensors:
		switch len(raw) {
		case 1:
			r.SensorVersion = raw[0] >> 4
			r.MotionHistory = raw[0] & 0x0F
		case 7:
			r.SensorVersion = raw[0] >> 4
			r.MotionHistory = raw[0] & 0x0F
			r.TemperatureC = float64(int16(binary.BigEndian.Uint16(raw[1:3]))) / 100
			r.ChargeMAh = uint32(binary.BigEndian.Uint16(raw[3:5]))
			r.VoltageMV = binary.BigEndian.Uint16(raw[5:7])
		default:
			return nil, fmt.Errorf("sensor record length %d, expected 1 or 7", len(raw))
		}
	}

	return r, nil
}

// BatteryLevel estimates remaining battery in percent from consumed charge
func BatteryLevel(chargeMAh uint32) float64 {
	return 100 * (float64(BatteryCapacityMAh) - float64(chargeMAh)) / BatteryCapacityMAh
}

// MotionArray expands the motion history bitmap, oldest period last
func MotionArray(history uint8) []string {
	out := make([]string, 8)
	for i := 0; i < 8; i++ {
		if history&(1<<i) != 0 {
			out[i] = "Motion"
		} else {
			out[i] = "Still"
		}
	}
	return out
}

// Details returns the decoded values of a record as a flat map for storage
func Details(r Record) map[string]interface{} {
	d := map[string]interface{}{
		"tag":  fmt.Sprintf("%02X", r.Tag()),
		"kind": r.Kind().String(),
		"len":  len(r.Payload()),
	}

	switch rec := r.(type) {
	case *GnssScan:
		d["antenna"] = rec.Antenna()

	case *WifiScan:
		d["accessPoints"] = len(rec.Entries)
		if rec.Tag() == TagWifiTimestamped {
			d["scanTimestamp"] = rec.Timestamp
		}

	case *ModemStatus:
		switch rec.Tag() {
		case TagAccelerometer:
			d["motion"] = MotionArray(rec.MotionHistory)
			d["xAccMg"] = rec.AccelXmg
			d["yAccMg"] = rec.AccelYmg
			d["zAccMg"] = rec.AccelZmg
			d["temperatureC"] = rec.TemperatureC
		case TagCharge:
			d["modemChargeMAh"] = rec.ChargeMAh
			d["batteryLevel"] = BatteryLevel(rec.ChargeMAh)
		case TagVoltage:
			d["modemVoltageV"] = float64(rec.VoltageMV) / 1000
		case TagSensors:
			d["version"] = rec.SensorVersion
			d["moveHistory"] = rec.MotionHistory
			if len(rec.Payload()) == 7 {
				d["type"] = "sensor_full"
				d["temperatureC"] = rec.TemperatureC
				d["accumulatedCharge"] = rec.ChargeMAh
				d["batteryLevel"] = BatteryLevel(rec.ChargeMAh)
				d["voltageV"] = float64(rec.VoltageMV) / 1000
			} else {
				d["type"] = "sensor_basic"
			}
		}

	case *Ack:
		d["token"] = rec.Token()
	}

	return d
}
