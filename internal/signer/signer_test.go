package signer

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
)

var fixedTime = time.Date(2026, 3, 1, 10, 0, 0, 123_000_000, time.FixedZone("UTC+3", 3*60*60))

func TestBuildEnvelopeFieldOrderAndTimestamp(t *testing.T) {
	t.Parallel()

	body, err := BuildEnvelope(domain.EventLoanFunded, fixedTime, json.RawMessage(`{ "loanId": "L1", "amount": 50 }`))
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}

	want := `{"event":"loan.funded","timestamp":"2026-03-01T07:00:00.123Z","data":{"loanId":"L1","amount":50}}`
	if string(body) != want {
		t.Fatalf("BuildEnvelope() = %s, want %s", body, want)
	}

	again, err := BuildEnvelope(domain.EventLoanFunded, fixedTime, json.RawMessage(`{"loanId":"L1","amount":50}`))
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}
	if string(again) != string(body) {
		t.Fatalf("envelope is not reproducible: %s vs %s", again, body)
	}
}

func TestBuildEnvelopeEmptyData(t *testing.T) {
	t.Parallel()

	body, err := BuildEnvelope(domain.EventProjectCreated, fixedTime, nil)
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}
	if !strings.HasSuffix(string(body), `"data":{}}`) {
		t.Fatalf("BuildEnvelope() = %s, want empty object data", body)
	}
}

func TestBuildEnvelopeRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	_, err := BuildEnvelope(domain.EventLoanFunded, fixedTime, json.RawMessage(`{"loanId":`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("BuildEnvelope() error = %v, want ErrInvalidPayload", err)
	}

	_, err = BuildEnvelope("", fixedTime, json.RawMessage(`{}`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("BuildEnvelope() error = %v, want ErrInvalidPayload for empty event", err)
	}
}

func TestParseEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	body, err := BuildEnvelope(domain.EventLoanRepaid, fixedTime, json.RawMessage(`{"loanId":"L9"}`))
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if env.Event != "loan.repaid" {
		t.Fatalf("Event = %q, want loan.repaid", env.Event)
	}
	if env.Timestamp != FormatTimestamp(fixedTime) {
		t.Fatalf("Timestamp = %q, want %q", env.Timestamp, FormatTimestamp(fixedTime))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	body, err := BuildEnvelope(domain.EventLoanFunded, fixedTime, json.RawMessage(`{"loanId":"L1","amount":50}`))
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}

	secret := "whsec_test-secret"
	signature := Sign(body, secret)

	if !strings.HasPrefix(signature, SignaturePrefix) {
		t.Fatalf("signature = %q, want sha256= prefix", signature)
	}
	if len(signature) != len(SignaturePrefix)+64 {
		t.Fatalf("signature length = %d, want %d", len(signature), len(SignaturePrefix)+64)
	}
	if Sign(body, secret) != signature {
		t.Fatal("Sign() is not deterministic")
	}
	if !Verify(body, secret, signature) {
		t.Fatal("Verify() = false for matching body and secret")
	}

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		if Verify(tampered, secret, signature) {
			t.Fatalf("Verify() = true after flipping byte %d", i)
		}
	}

	if Verify(body, "whsec_other", signature) {
		t.Fatal("Verify() = true for wrong secret")
	}
	if Verify(body, secret, strings.TrimPrefix(signature, SignaturePrefix)) {
		t.Fatal("Verify() = true without sha256= prefix")
	}
	if Verify(body, secret, "sha256=not-hex") {
		t.Fatal("Verify() = true for malformed hex")
	}
}

func TestGenerateSecret(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 50)
	for i := 0; i < 50; i++ {
		secret, err := GenerateSecret()
		if err != nil {
			t.Fatalf("GenerateSecret() error = %v", err)
		}
		if !strings.HasPrefix(secret, SecretPrefix) {
			t.Fatalf("secret = %q, want %s prefix", secret, SecretPrefix)
		}
		// 32 bytes base64url without padding is 43 characters.
		if got := len(strings.TrimPrefix(secret, SecretPrefix)); got != 43 {
			t.Fatalf("encoded secret length = %d, want 43", got)
		}
		if _, dup := seen[secret]; dup {
			t.Fatalf("duplicate secret generated: %s", secret)
		}
		seen[secret] = struct{}{}
	}
}
