package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func signHMAC(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

func tsSig(secret string, ts int64, body []byte) string {
	payload := append([]byte(strconv.FormatInt(ts, 10)), '.')
	payload = append(payload, body...)
	return hex.EncodeToString(signHMAC(secret, payload))
}

func TestGenericHMACVerifier_ValidSignature(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"ok":true}`)
	headers := http.Header{}
	headers.Set("X-Settlement-Signature-256", "sha256="+hex.EncodeToString(signHMAC(secret, body)))
	headers.Set("X-Settlement-Event-Id", "evt_123")
	headers.Set("X-Settlement-Event-Type", "settlement.succeeded")

	v := NewGenericHMACVerifier("bundler")
	got, err := v.Verify(headers, body, time.Unix(0, 0), secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !got.Valid {
		t.Fatalf("expected valid signature")
	}
	if got.Scheme != "settlement-hmac-v1" {
		t.Fatalf("unexpected scheme: %s", got.Scheme)
	}
	if got.ProviderEventID != "evt_123" || got.EventType != "settlement.succeeded" {
		t.Fatalf("unexpected event metadata: %#v", got)
	}
}

func TestGenericHMACVerifier_BareHexAccepted(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"ok":true}`)
	headers := http.Header{}
	headers.Set("X-Settlement-Signature-256", hex.EncodeToString(signHMAC(secret, body)))

	v := NewGenericHMACVerifier("bundler")
	got, err := v.Verify(headers, body, time.Unix(0, 0), secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !got.Valid {
		t.Fatalf("expected bare-hex form to verify")
	}
}

func TestGenericHMACVerifier_EventMetadataFromBody(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"event_id":"evt_body","event_type":"settlement.failed"}`)
	headers := http.Header{}
	headers.Set("X-Settlement-Signature-256", "sha256="+hex.EncodeToString(signHMAC(secret, body)))

	v := NewGenericHMACVerifier("bundler")
	got, err := v.Verify(headers, body, time.Unix(0, 0), secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !got.Valid {
		t.Fatalf("expected valid signature")
	}
	if got.ProviderEventID != "evt_body" || got.EventType != "settlement.failed" {
		t.Fatalf("expected event metadata from the body, got %#v", got)
	}
}

func TestGenericHMACVerifier_HeaderMetadataWinsOverBody(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"event_id":"evt_body","event_type":"settlement.failed"}`)
	headers := http.Header{}
	headers.Set("X-Settlement-Signature-256", "sha256="+hex.EncodeToString(signHMAC(secret, body)))
	headers.Set("X-Settlement-Event-Id", "evt_header")
	headers.Set("X-Settlement-Event-Type", "settlement.succeeded")

	v := NewGenericHMACVerifier("bundler")
	got, err := v.Verify(headers, body, time.Unix(0, 0), secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.ProviderEventID != "evt_header" || got.EventType != "settlement.succeeded" {
		t.Fatalf("expected header metadata to take precedence, got %#v", got)
	}
}

func TestGenericHMACVerifier_InvalidSignature(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"ok":true}`)
	headers := http.Header{}
	headers.Set("X-Settlement-Signature-256", "sha256="+hex.EncodeToString([]byte("wrong-sig")))

	v := NewGenericHMACVerifier("bundler")
	got, err := v.Verify(headers, body, time.Unix(0, 0), secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected invalid signature")
	}
}

func TestGenericHMACVerifier_MissingSignature(t *testing.T) {
	v := NewGenericHMACVerifier("bundler")
	got, err := v.Verify(http.Header{}, []byte(`{}`), time.Unix(0, 0), "topsecret")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected missing signature to be invalid")
	}
	if got.Details["signature_header_present"].(bool) {
		t.Fatalf("expected signature_header_present=false")
	}
}

func TestGenericHMACVerifier_EmptySecret(t *testing.T) {
	v := NewGenericHMACVerifier("bundler")
	if _, err := v.Verify(http.Header{}, []byte(`{}`), time.Unix(0, 0), " "); err == nil {
		t.Fatal("expected configuration error for empty secret")
	}
}

func TestTimestampedHMACVerifier_ValidSignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event_id":"evt_123","event_type":"settlement.succeeded"}`)
	ts := int64(1_700_000_000)
	headers := http.Header{}
	headers.Set("X-Settlement-Signature", "t="+strconv.FormatInt(ts, 10)+",v1="+tsSig(secret, ts, body))

	v := NewTimestampedHMACVerifierWithTolerance("bundler", 300)
	got, err := v.Verify(headers, body, time.Unix(ts+2, 0), secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !got.Valid {
		t.Fatalf("expected valid signature, details=%v", got.Details)
	}
	if got.Scheme != "ts-hmac-v1" {
		t.Fatalf("unexpected scheme: %s", got.Scheme)
	}
	if got.ProviderEventID != "evt_123" || got.EventType != "settlement.succeeded" {
		t.Fatalf("unexpected event metadata: %#v", got)
	}
}

func TestTimestampedHMACVerifier_SkewOutsideTolerance(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event_id":"evt_123","event_type":"settlement.failed"}`)
	ts := int64(1_700_000_000)
	headers := http.Header{}
	headers.Set("X-Settlement-Signature", "t="+strconv.FormatInt(ts, 10)+",v1="+tsSig(secret, ts, body))

	v := NewTimestampedHMACVerifierWithTolerance("bundler", 300)
	got, err := v.Verify(headers, body, time.Unix(ts+301, 0), secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected stale delivery to be rejected")
	}
}

func TestTimestampedHMACVerifier_WrongKeySignature(t *testing.T) {
	body := []byte(`{"event_id":"evt_123"}`)
	ts := int64(1_700_000_000)
	headers := http.Header{}
	headers.Set("X-Settlement-Signature", "t="+strconv.FormatInt(ts, 10)+",v1="+tsSig("other-secret", ts, body))

	v := NewTimestampedHMACVerifierWithTolerance("bundler", 300)
	got, err := v.Verify(headers, body, time.Unix(ts, 0), "whsec_test")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected foreign-key signature to be rejected")
	}
}

func TestTimestampedHMACVerifier_SecondV1Accepted(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event_id":"evt_123"}`)
	ts := int64(1_700_000_000)
	headers := http.Header{}
	headers.Set("X-Settlement-Signature",
		"t="+strconv.FormatInt(ts, 10)+",v1=deadbeef,v1="+tsSig(secret, ts, body))

	v := NewTimestampedHMACVerifierWithTolerance("bundler", 300)
	got, err := v.Verify(headers, body, time.Unix(ts, 0), secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !got.Valid {
		t.Fatalf("expected rotation candidate signature to verify")
	}
}

func TestTimestampedHMACVerifier_MissingHeader(t *testing.T) {
	v := NewTimestampedHMACVerifierWithTolerance("bundler", 300)
	got, err := v.Verify(http.Header{}, []byte(`{}`), time.Unix(0, 0), "whsec_test")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected missing header to be invalid")
	}
}
