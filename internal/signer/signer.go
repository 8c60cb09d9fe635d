// Package signer builds the canonical webhook envelope and signs it.
//
// Wire contract for receivers: the request body is the envelope bytes exactly as
// sent. Recompute "sha256=" + hex(HMAC-SHA256(secret, rawBody)) and compare it to
// the X-Webhook-Signature header in constant time. X-Webhook-Timestamp equals the
// envelope "timestamp" field and X-Webhook-Id is stable across retries of the same
// delivery, so receivers can dedupe on it.
package signer

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
)

const (
	SignaturePrefix = "sha256="
	SecretPrefix    = "whsec_"
	secretBytes     = 32

	// TimestampLayout is ISO-8601 in UTC with millisecond precision.
	TimestampLayout = "2006-01-02T15:04:05.000Z"
)

var ErrInvalidPayload = errors.New("invalid event payload")

// Envelope is the signed body. Field order is fixed by the struct definition.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// FormatTimestamp renders t the way it appears in the envelope and header.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// BuildEnvelope serializes {event, timestamp, data}. A nil or empty data value
// is sent as an empty object; anything that is not valid JSON is rejected.
func BuildEnvelope(event domain.Event, timestamp time.Time, data json.RawMessage) ([]byte, error) {
	if strings.TrimSpace(event.String()) == "" {
		return nil, fmt.Errorf("%w: event is required", ErrInvalidPayload)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: data for event %q is not valid JSON", ErrInvalidPayload, event)
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	body, err := json.Marshal(Envelope{
		Event:     event.String(),
		Timestamp: FormatTimestamp(timestamp),
		Data:      compacted.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return body, nil
}

// ParseEnvelope decodes a stored envelope, used when replaying ledger rows.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return env, nil
}

// Sign returns "sha256=" + hex(HMAC-SHA256(secret, envelope)).
func Sign(envelope []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(envelope)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over body and compares in constant time.
func Verify(body []byte, secret string, signature string) bool {
	provided, ok := strings.CutPrefix(strings.TrimSpace(signature), SignaturePrefix)
	if !ok {
		return false
	}
	providedMAC, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(providedMAC, mac.Sum(nil))
}

// GenerateSecret returns a fresh signing secret with 256 bits of entropy.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate signing secret: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
