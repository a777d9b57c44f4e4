package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/bcrypt"
)

// DigestSize is the length of an uplink digest
const DigestSize = 16

// Digest identifies one uplink delivery independent of transport
type Digest [DigestSize]byte

// HashToken hashes a shared webhook token using bcrypt
func HashToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(bytes), err
}

// VerifyToken verifies a token against a bcrypt hash
func VerifyToken(token, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	return err == nil
}

// GenerateRandomBytes generates random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateRandomString generates a random string
func GenerateRandomString(n int) (string, error) {
	bytes, err := GenerateRandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// UplinkDigest fingerprints an uplink by device, frame counter and payload.
// Redelivered copies of the same uplink produce the same digest.
func UplinkDigest(devEUI [8]byte, fCnt uint32, payload []byte) Digest {
	h := blake3.New()

	var hdr [12]byte
	copy(hdr[:8], devEUI[:])
	binary.BigEndian.PutUint32(hdr[8:], fCnt)
	h.Write(hdr[:])
	h.Write(payload)

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
