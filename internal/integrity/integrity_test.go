package integrity

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

func newTestSigner(t *testing.T, now time.Time) *Signer {
	t.Helper()
	s, err := NewSigner("0123456789abcdef-master", 0)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	s.now = func() time.Time { return now }
	return s
}

func TestNewSigner_ShortSecret(t *testing.T) {
	if _, err := NewSigner("short", 0); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestRunKey_DeterministicPerRun(t *testing.T) {
	s := newTestSigner(t, time.Now())
	a1 := s.RunKey("run-a")
	a2 := s.RunKey("run-a")
	b := s.RunKey("run-b")
	if a1 != a2 {
		t.Fatalf("run key not deterministic: %q != %q", a1, a2)
	}
	if a1 == b {
		t.Fatal("different runs must get different keys")
	}
	if len(a1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a1))
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	s := newTestSigner(t, now)
	body := []byte(`{"runId":"r1","status":"succeeded"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	sig := s.SignRun("r1", ts, body)
	if err := s.Verify("r1", sig, ts, body); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := s.Verify("r1", "sha256="+sig, ts, body); err != nil {
		t.Fatalf("Verify with prefix: %v", err)
	}
}

func TestVerify_RFC3339Timestamp(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	s := newTestSigner(t, now)
	ts := now.Add(-time.Minute).Format(time.RFC3339)
	body := []byte(`{}`)
	if err := s.Verify("r1", s.SignRun("r1", ts, body), ts, body); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_Failures(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	s := newTestSigner(t, now)
	body := []byte(`{"a":1}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	good := s.SignRun("r1", ts, body)
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)

	cases := []struct {
		name      string
		runID     string
		sig, ts   string
		body      []byte
		wantError error
	}{
		{"missing signature", "r1", "", ts, body, ErrMissingSignature},
		{"missing timestamp", "r1", good, "", body, ErrMissingSignature},
		{"tampered body", "r1", good, ts, []byte(`{"a":2}`), ErrInvalidSignature},
		{"other run", "r2", good, ts, body, ErrInvalidSignature},
		{"not hex", "r1", "zzzz", ts, body, ErrInvalidSignature},
		{"stale timestamp", "r1", s.SignRun("r1", stale, body), stale, body, ErrInvalidSignature},
		{"garbage timestamp", "r1", good, "yesterday", body, ErrInvalidSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Verify(tc.runID, tc.sig, tc.ts, tc.body)
			if !errors.Is(err, tc.wantError) {
				t.Fatalf("expected %v, got %v", tc.wantError, err)
			}
		})
	}
}

func TestSign_KnownVector(t *testing.T) {
	// HMAC-SHA256(key="key", "1.body")
	got := Sign("key", "1", []byte("body"))
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	if got != Sign("key", "1", []byte("body")) {
		t.Fatal("Sign not deterministic")
	}
	if got == Sign("key", "2", []byte("body")) {
		t.Fatal("timestamp must be covered by the signature")
	}
}
