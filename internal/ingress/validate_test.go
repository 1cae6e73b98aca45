package ingress

import (
	"strings"
	"testing"
	"time"
)

func TestValidSender(t *testing.T) {
	valid := []string{
		"+12025550123",
		"+4915112345678",
		"+1234567",        // 7 digits, minimum
		"+123456789012345", // 15 digits, maximum
	}
	for _, s := range valid {
		if !validSender(s) {
			t.Errorf("validSender(%q) = false, want true", s)
		}
	}

	invalid := []string{
		"",
		"12025550123",      // no +
		"+02025550123",     // leading zero
		"+123456",          // 6 digits
		"+1234567890123456", // 16 digits
		"+1 202 555 0123",  // spaces
		"+1-202-555-0123",  // dashes
		"+12025550123x",    // trailing garbage
		"++12025550123",
	}
	for _, s := range invalid {
		if validSender(s) {
			t.Errorf("validSender(%q) = true, want false", s)
		}
	}
}

func TestNormalizeBody(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"plain", "hello", "hello", true},
		{"empty", "", "", false},
		{"single char", "x", "x", true},
		{"at limit", strings.Repeat("a", 1000), strings.Repeat("a", 1000), true},
		{"over limit", strings.Repeat("a", 1001), "", false},
		{"nfc composition", "café", "café", true},
		{"multibyte", strings.Repeat("é", 1000), strings.Repeat("é", 1000), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeBody(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("normalizeBody ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("normalizeBody = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeBodyCountsPointsAfterNormalization(t *testing.T) {
	// 1000 precomposed code points expressed as 2000 decomposed ones must
	// pass: counting happens after NFC.
	in := strings.Repeat("é", 1000)
	got, ok := normalizeBody(in)
	if !ok {
		t.Fatal("decomposed input at the post-NFC limit should be accepted")
	}
	if got != strings.Repeat("é", 1000) {
		t.Error("body was not NFC-normalized")
	}
}

func TestClientLimitersIndependentBuckets(t *testing.T) {
	l := newClientLimiters(1)

	if !l.Allow("a") {
		t.Fatal("first request for a should pass")
	}
	if l.Allow("a") {
		t.Fatal("second request for a should be limited")
	}
	// A different client has its own bucket.
	if !l.Allow("b") {
		t.Fatal("first request for b should pass")
	}
}

func TestClientLimitersCleanup(t *testing.T) {
	l := newClientLimiters(10)
	l.Allow("a")
	l.Allow("b")

	if n := l.Cleanup(time.Hour); n != 0 {
		t.Fatalf("Cleanup dropped %d fresh buckets, want 0", n)
	}
	l.buckets["a"].lastSeen = time.Now().Add(-2 * time.Hour)
	if n := l.Cleanup(time.Hour); n != 1 {
		t.Fatalf("Cleanup dropped %d buckets, want 1", n)
	}
	if _, ok := l.buckets["b"]; !ok {
		t.Error("fresh bucket b was dropped")
	}
}
