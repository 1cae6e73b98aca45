package ingress

import (
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// senderPattern is strict E.164: leading +, first digit 1-9, 7-15 digits
// total, no spaces or dashes. Non-conforming input is rejected, never
// rewritten.
var senderPattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// validSender reports whether sender is a well-formed E.164 number.
func validSender(sender string) bool {
	return senderPattern.MatchString(sender)
}

const (
	minBodyPoints = 1
	maxBodyPoints = 1000
)

// normalizeBody applies Unicode NFC normalization and enforces the
// 1-1000 code point bound on the result. The normalized form is what gets
// encrypted and stored.
func normalizeBody(body string) (string, bool) {
	n := norm.NFC.String(body)
	points := utf8.RuneCountInString(n)
	if points < minBodyPoints || points > maxBodyPoints {
		return "", false
	}
	return n, true
}
