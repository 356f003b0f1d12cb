package backend

import (
	"testing"
	"time"
)

func TestNormalizeMessageID(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"already bracketed", "<a@x>", "<a@x>"},
		{"bare", "a@x", "<a@x>"},
		{"surrounding space", "  <a@x>  ", "<a@x>"},
		{"missing close", "<a@x", "<a@x>"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeMessageID(tc.in); string(got) != tc.want {
				t.Fatalf("NormalizeMessageID(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFallbackIdentityDeterministic(t *testing.T) {
	date := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := FallbackIdentity("hi", "a@x", date)
	b := FallbackIdentity("hi", "a@x", date)
	if a != b {
		t.Fatalf("same inputs produced %q and %q", a, b)
	}
	if c := FallbackIdentity("bye", "a@x", date); c == a {
		t.Fatalf("distinct subjects produced the same identity %q", a)
	}
}

func TestHashEnvelopeStableAcrossZones(t *testing.T) {
	utc := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	offset := utc.In(time.FixedZone("X", 3600))

	if HashEnvelope("<a@x>", "hi", "a@x", utc) != HashEnvelope("<a@x>", "hi", "a@x", offset) {
		t.Fatal("the digest must not depend on the timezone representation")
	}
}

func TestParseHeaderSummary(t *testing.T) {
	raw := []byte("Message-ID: <a@x>\r\n" +
		"Subject: hello\r\n" +
		"From: Alice <alice@example.org>\r\n" +
		"Date: Sun, 01 Mar 2026 12:00:00 +0000\r\n" +
		"\r\n" +
		"body\r\n")

	sum, err := ParseHeaderSummary(raw)
	if err != nil {
		t.Fatalf("ParseHeaderSummary: %v", err)
	}
	if sum.Identity != "<a@x>" {
		t.Errorf("Identity = %q, want <a@x>", sum.Identity)
	}
	if sum.Subject != "hello" {
		t.Errorf("Subject = %q, want hello", sum.Subject)
	}
	if sum.From != "alice@example.org" {
		t.Errorf("From = %q, want alice@example.org", sum.From)
	}
	if sum.Date.UTC() != time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) {
		t.Errorf("Date = %v", sum.Date)
	}
}

func TestParseHeaderSummaryWithoutMessageID(t *testing.T) {
	raw := []byte("Subject: hello\r\nFrom: <a@x>\r\n\r\nbody\r\n")

	sum, err := ParseHeaderSummary(raw)
	if err != nil {
		t.Fatalf("ParseHeaderSummary: %v", err)
	}
	if sum.Identity == "" {
		t.Fatal("expected a fallback identity")
	}

	again, err := ParseHeaderSummary(raw)
	if err != nil {
		t.Fatalf("ParseHeaderSummary: %v", err)
	}
	if sum.Identity != again.Identity {
		t.Fatalf("fallback identity not deterministic: %q vs %q", sum.Identity, again.Identity)
	}
}
