// Package integrity signs and verifies requests from the automation engine.
//
// Every run gets its own callback key, derived with HKDF-SHA256 from a master
// secret and the run id. The key travels to the engine in the dispatch payload;
// the engine signs callback bodies with it. A signature is the lowercase hex
// HMAC-SHA256 of "<timestamp>.<body>".
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Header names carrying the signature and its timestamp.
const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Timestamp"
)

// DefaultMaxSkew bounds how far a signed timestamp may drift from now.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("integrity: missing signature or timestamp")
	ErrInvalidSignature = errors.New("integrity: invalid signature")
)

const keyInfoPrefix = "demoflow/callback/"

// Signer derives per-run keys and checks signatures made with them.
type Signer struct {
	master  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewSigner creates a Signer. maxSkew <= 0 selects DefaultMaxSkew.
func NewSigner(master string, maxSkew time.Duration) (*Signer, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("integrity: master secret must be at least 16 bytes")
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Signer{master: []byte(master), maxSkew: maxSkew, now: time.Now}, nil
}

// RunKey returns the hex-encoded callback key for a run.
func (s *Signer) RunKey(runID string) string {
	r := hkdf.New(sha256.New, s.master, nil, []byte(keyInfoPrefix+runID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails after 255*32 bytes of output.
		panic(fmt.Sprintf("integrity: derive run key: %v", err))
	}
	return hex.EncodeToString(key)
}

// Sign computes the signature the engine is expected to send for body.
func Sign(key, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRun signs body with the run's derived key.
func (s *Signer) SignRun(runID, timestamp string, body []byte) string {
	return Sign(s.RunKey(runID), timestamp, body)
}

// Verify checks the signature and timestamp headers for a request about runID.
func (s *Signer) Verify(runID, signature, timestamp string, body []byte) error {
	signature = strings.TrimSpace(signature)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}

	ts, err := ParseTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if skew := s.now().Sub(ts); skew > s.maxSkew || skew < -s.maxSkew {
		return fmt.Errorf("%w: timestamp outside allowed window", ErrInvalidSignature)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(s.SignRun(runID, timestamp, body))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseTimestamp accepts unix seconds or RFC 3339.
func ParseTimestamp(v string) (time.Time, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("integrity: unparseable timestamp %q", v)
	}
	return t, nil
}
