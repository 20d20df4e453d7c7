package telnyx

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	SignatureHeader = "telnyx-signature-ed25519"
	TimestampHeader = "telnyx-timestamp"

	defaultTolerance = 5 * time.Minute
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier checks the Ed25519 signature Telnyx puts on webhook deliveries.
type Verifier struct {
	key       ed25519.PublicKey
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier takes the base64 public key from the Telnyx portal.
func NewVerifier(publicKey string) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return &Verifier{key: ed25519.PublicKey(raw), tolerance: defaultTolerance, now: time.Now}, nil
}

// Verify checks signature over "timestamp|body" and that the timestamp is
// recent.
func (v *Verifier) Verify(body []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if d := v.now().Sub(time.Unix(secs, 0)); d > v.tolerance || d < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", ErrInvalidSignature)
	}
	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, '|')
	msg = append(msg, body...)
	if !ed25519.Verify(v.key, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
