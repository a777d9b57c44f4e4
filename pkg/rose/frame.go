package rose

import (
	"errors"
	"fmt"
)

const (
	// SupportedVersion is the only framing version this decoder accepts
	SupportedVersion = 1
	// MaxPayloadLen is bounded by the one byte length field
	MaxPayloadLen = 0xFF
)

// ErrMalformedFrame is returned for any frame that cannot be fully decoded
var ErrMalformedFrame = errors.New("malformed ROSE frame")

// FrameError describes where decoding stopped
type FrameError struct {
	Offset int
	Tag    byte
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed ROSE frame at offset %d (tag %02X): %s", e.Offset, e.Tag, e.Reason)
}

// Unwrap allows errors.Is(err, ErrMalformedFrame)
func (e *FrameError) Unwrap() error {
	return ErrMalformedFrame
}

// Frame is a decoded ROSE stream. Records keep their on-wire order.
type Frame struct {
	Raw     []byte
	Version uint8
	// HasVersion is set when the frame started with an explicit version header
	HasVersion bool
	Records    []Record
}

// Decode parses a ROSE byte stream. Either every byte is accounted for by
// a record or the whole frame is rejected; no partial frame is returned.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, &FrameError{Offset: 0, Reason: "empty frame"}
	}

	frame := &Frame{
		Raw:     append([]byte(nil), data...),
		Version: SupportedVersion,
	}

	var records []Record
	pos := 0

	for pos < len(data) {
		start := pos
		tag := data[pos]
		pos++

		if pos >= len(data) {
			return nil, &FrameError{Offset: start, Tag: tag, Reason: "truncated length field"}
		}
		length := int(data[pos])
		pos++

		if pos+length > len(data) {
			return nil, &FrameError{
				Offset: start,
				Tag:    tag,
				Reason: fmt.Sprintf("declared length %d exceeds remaining %d bytes", length, len(data)-pos),
			}
		}
		payload := data[pos : pos+length]
		pos += length

		if tag == TagVersion {
			if start != 0 {
				return nil, &FrameError{Offset: start, Tag: tag, Reason: "version header after first record"}
			}
			if length != 1 || payload[0] != SupportedVersion {
				return nil, &FrameError{Offset: start, Tag: tag, Reason: "unsupported framing version"}
			}
			frame.HasVersion = true
			continue
		}

		rec, err := NewRecord(tag, payload)
		if err != nil {
			return nil, &FrameError{Offset: start, Tag: tag, Reason: err.Error()}
		}
		records = append(records, rec)
	}

	if frame.HasVersion && len(records) == 0 {
		return nil, &FrameError{Offset: 0, Tag: TagVersion, Reason: "frame has no records"}
	}

	frame.Records = records
	return frame, nil
}

// Encode serializes records back into a ROSE stream without a version header
func Encode(records []Record) ([]byte, error) {
	size := 0
	for _, r := range records {
		size += 2 + len(r.Payload())
	}

	data := make([]byte, 0, size)
	for i, r := range records {
		p := r.Payload()
		if len(p) > MaxPayloadLen {
			return nil, fmt.Errorf("record %d: payload length %d exceeds %d", i, len(p), MaxPayloadLen)
		}
		if r.Tag() == TagVersion {
			return nil, fmt.Errorf("record %d: tag %02X is reserved", i, TagVersion)
		}
		data = append(data, r.Tag(), byte(len(p)))
		data = append(data, p...)
	}

	return data, nil
}

// KindsOf returns the distinct kinds of records in first-seen order
func KindsOf(records []Record) []Kind {
	seen := make(map[Kind]bool)
	var kinds []Kind
	for _, r := range records {
		if !seen[r.Kind()] {
			seen[r.Kind()] = true
			kinds = append(kinds, r.Kind())
		}
	}
	return kinds
}

