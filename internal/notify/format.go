package notify

import (
	"fmt"
	"strings"

	"github.com/herald-mq/herald/internal/events"
)

// formatSubject returns a short, human-readable subject line for an event.
func formatSubject(t events.Type) string {
	switch t {
	case events.EventMessageFailed:
		return "[herald] message delivery failed"
	case events.EventCertExpiring:
		return "[herald] certificate expiring soon"
	case events.EventPasswordReset:
		return "[herald] password reset requested"
	default:
		return "[herald] " + string(t)
	}
}

// formatBody renders a plain-text body for an event. Only fields relevant to
// the event type are included.
func formatBody(event events.Event) string {
	var b strings.Builder

	switch event.Type {
	case events.EventMessageFailed:
		b.WriteString("A message exhausted its delivery attempts and was marked failed.\n\n")
		writeField(&b, "Message ID", event.MessageID)
		writeField(&b, "Client", event.ClientID)
		writeField(&b, "Last error", event.Detail)

	case events.EventCertExpiring:
		b.WriteString("A certificate is approaching its expiry date.\n\n")
		writeField(&b, "Common name", event.Subject)
		writeField(&b, "Expires", event.Detail)

	case events.EventPasswordReset:
		b.WriteString("A password reset was requested for your herald account.\n\n")
		writeField(&b, "Account", event.Subject)
		writeField(&b, "Reset token", event.Detail)
		b.WriteString("\nIf you did not request this, you can ignore this message.\n")

	default:
		writeField(&b, "Event", string(event.Type))
		writeField(&b, "Detail", event.Detail)
	}

	if !event.Timestamp.IsZero() {
		writeField(&b, "Time", event.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	return b.String()
}

func writeField(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, value)
}
