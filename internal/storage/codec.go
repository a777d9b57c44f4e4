package storage

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/pkg/crypto"
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

// encMode uses Core Deterministic Encoding so equal sessions produce equal blobs
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// sessionBlob is the persisted form of the fields not stored as columns
type sessionBlob struct {
	Records     []byte   `cbor:"1,keyasint"`
	Submitted   int      `cbor:"2,keyasint"`
	Requested   []uint8  `cbor:"3,keyasint,omitempty"`
	Submissions int      `cbor:"4,keyasint"`
	FollowUps   int      `cbor:"5,keyasint"`
	Digests     [][]byte `cbor:"6,keyasint,omitempty"`
	LastFCnt    uint32   `cbor:"7,keyasint"`
	Reason      string   `cbor:"8,keyasint,omitempty"`
	CreatedAt   int64    `cbor:"9,keyasint"`
	SubmittedAt int64    `cbor:"10,keyasint,omitempty"`
	ClosedAt    int64    `cbor:"11,keyasint,omitempty"`
}

func encodeSession(s *models.DeviceSession) ([]byte, error) {
	records, err := rose.Encode(s.Records)
	if err != nil {
		return nil, fmt.Errorf("encode session records: %w", err)
	}

	blob := sessionBlob{
		Records:     records,
		Submitted:   s.Submitted,
		Submissions: s.Submissions,
		FollowUps:   s.FollowUps,
		LastFCnt:    s.LastFCnt,
		Reason:      s.Reason,
		CreatedAt:   s.CreatedAt.UnixNano(),
		SubmittedAt: unixNano(s.SubmittedAt),
		ClosedAt:    unixNano(s.ClosedAt),
	}
	for _, k := range s.Requested {
		blob.Requested = append(blob.Requested, uint8(k))
	}
	for _, d := range s.Digests {
		blob.Digests = append(blob.Digests, append([]byte(nil), d[:]...))
	}

	return encMode.Marshal(blob)
}

// decodeSession fills the blob fields of s
func decodeSession(data []byte, s *models.DeviceSession) error {
	var blob sessionBlob
	if err := decMode.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("%w: session blob: %v", ErrInvalidData, err)
	}

	s.Records = nil
	if len(blob.Records) > 0 {
		frame, err := rose.Decode(blob.Records)
		if err != nil {
			return fmt.Errorf("%w: session records: %v", ErrInvalidData, err)
		}
		s.Records = frame.Records
	}

	s.Submitted = blob.Submitted
	s.Submissions = blob.Submissions
	s.FollowUps = blob.FollowUps
	s.LastFCnt = blob.LastFCnt
	s.Reason = blob.Reason
	s.CreatedAt = time.Unix(0, blob.CreatedAt).UTC()
	s.SubmittedAt = fromUnixNano(blob.SubmittedAt)
	s.ClosedAt = fromUnixNano(blob.ClosedAt)

	s.Requested = nil
	for _, k := range blob.Requested {
		s.Requested = append(s.Requested, rose.Kind(k))
	}

	s.Digests = nil
	for _, d := range blob.Digests {
		if len(d) != crypto.DigestSize {
			return fmt.Errorf("%w: digest length %d", ErrInvalidData, len(d))
		}
		var digest crypto.Digest
		copy(digest[:], d)
		s.Digests = append(s.Digests, digest)
	}

	return nil
}

func unixNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
