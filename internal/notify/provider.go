package notify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderType identifies a notification provider backend.
type ProviderType string

const (
	ProviderWebhook ProviderType = "webhook"
	ProviderSMTP    ProviderType = "smtp"
)

// Channel is one notification target from the YAML config file.
type Channel struct {
	Type    ProviderType `yaml:"type"`
	Name    string       `yaml:"name"`
	Enabled bool         `yaml:"enabled"`
	Events  []string     `yaml:"events,omitempty"` // event types this channel receives; empty = all

	// Webhook settings.
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// SMTP settings.
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	From     string `yaml:"from,omitempty"`
	To       string `yaml:"to,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	TLS      string `yaml:"tls,omitempty"`
}

type channelFile struct {
	Channels []Channel `yaml:"channels"`
}

// LoadChannels reads and parses a YAML notification config file.
func LoadChannels(path string) ([]Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notify config: %w", err)
	}
	var f channelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse notify config: %w", err)
	}
	return f.Channels, nil
}

// BuildNotifier constructs a Notifier from a channel's type and settings.
func BuildNotifier(ch Channel) (Notifier, error) {
	switch ch.Type {
	case ProviderWebhook:
		if ch.URL == "" {
			return nil, fmt.Errorf("webhook channel %q: url is required", ch.Name)
		}
		return NewWebhook(ch.URL, ch.Headers), nil

	case ProviderSMTP:
		if ch.Host == "" || ch.From == "" {
			return nil, fmt.Errorf("smtp channel %q: host and from are required", ch.Name)
		}
		port := ch.Port
		if port == 0 {
			port = 587
		}
		return NewSMTP(ch.Host, port, ch.From, ch.To, ch.Username, ch.Password, ch.TLS), nil

	default:
		return nil, fmt.Errorf("unknown provider type: %q", ch.Type)
	}
}

// BuildFilteredNotifier constructs a Notifier from a channel, wrapping it with
// an event type filter if the channel has a non-empty Events list.
func BuildFilteredNotifier(ch Channel) (Notifier, error) {
	n, err := BuildNotifier(ch)
	if err != nil {
		return nil, err
	}
	if len(ch.Events) == 0 {
		return n, nil
	}
	return newFilteredNotifier(n, ch.Events), nil
}

// FromFile builds the full notification chain: the log notifier first, then
// every enabled channel from the YAML file at path. An empty path yields a
// log-only chain.
func FromFile(path string, log Logger) (*Multi, error) {
	notifiers := []Notifier{NewLogNotifier(log)}

	if path != "" {
		channels, err := LoadChannels(path)
		if err != nil {
			return nil, err
		}
		for _, ch := range channels {
			if !ch.Enabled {
				continue
			}
			n, err := BuildFilteredNotifier(ch)
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, n)
		}
	}

	return NewMulti(log, notifiers...), nil
}
