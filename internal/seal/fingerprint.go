package seal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprinter derives a keyed hash of a sender number. Equal numbers
// produce equal fingerprints; the number itself is not recoverable.
type Fingerprinter struct {
	salt []byte
}

// NewFingerprinter builds a Fingerprinter from the process-wide salt.
func NewFingerprinter(salt string) (*Fingerprinter, error) {
	if salt == "" {
		return nil, fmt.Errorf("sender hash salt must not be empty")
	}
	return &Fingerprinter{salt: []byte(salt)}, nil
}

// Fingerprint returns the 32-byte HMAC-SHA256 of the normalized sender.
func (f *Fingerprinter) Fingerprint(sender string) []byte {
	mac := hmac.New(sha256.New, f.salt)
	mac.Write([]byte(sender))
	return mac.Sum(nil)
}

// FingerprintHex returns the fingerprint hex-encoded for transport.
func (f *Fingerprinter) FingerprintHex(sender string) string {
	return hex.EncodeToString(f.Fingerprint(sender))
}

// MaskSender renders an E.164 number for display: the plus sign, the
// first two digits, and the last four digits stay visible; every other
// digit becomes a star. Numbers of seven or fewer digits keep only the
// first two and last two.
func MaskSender(sender string) string {
	digits := strings.TrimPrefix(sender, "+")
	n := len(digits)

	head, tail := 2, 4
	if n <= 7 {
		tail = 2
	}
	if n <= head+tail {
		return "+" + strings.Repeat("*", n)
	}
	return "+" + digits[:head] + strings.Repeat("*", n-head-tail) + digits[n-tail:]
}
