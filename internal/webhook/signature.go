package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/neuralcloud/deployd/internal/adapter"
)

const signaturePrefix = "sha256="

// Signer produces canonical payloads and their HMAC-SHA256 signatures
type Signer struct {
	json adapter.JSON
	jcs  adapter.JCS
}

// NewSigner creates a signer
func NewSigner(json adapter.JSON, jcs adapter.JCS) *Signer {
	return &Signer{json: json, jcs: jcs}
}

// Sign serializes the event as canonical JSON and signs "{timestamp}.{event_id}.{body}".
// It returns the payload, the signature header value and the unix timestamp that was signed.
func (s *Signer) Sign(secret string, event WebhookEvent, now time.Time) (payload []byte, signature string, timestamp int64, err error) {
	raw, err := s.json.Marshal(event)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to marshal event: %w", err)
	}
	payload, err = s.jcs.Transform(raw)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to canonicalize event: %w", err)
	}

	timestamp = now.Unix()
	return payload, sign(secret, timestamp, event.EventID, payload), timestamp, nil
}

// Verify checks a signature header against a received payload.
// Receivers should also reject timestamps outside their replay window.
func Verify(secret string, timestamp int64, eventID string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(sign(secret, timestamp, eventID, payload)), []byte(signature))
}

func sign(secret string, timestamp int64, eventID string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte("."))
	h.Write([]byte(eventID))
	h.Write([]byte("."))
	h.Write(payload)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}
