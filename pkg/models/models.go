package models

import (
	"context"
	"time"
)

// Delivery channels.
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
)

// Session is a pending one-time code challenge sent over a channel.
type Session struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	To         string    `json:"to"`
	Code       string    `json:"-"`
	ExpiresAt  time.Time `json:"expires_at"`
	Attempts   int       `json:"attempts"`
	LastSentAt time.Time `json:"last_sent_at"`
	Failures   int       `json:"failures"`
}

// Expired tells if the session's code is no longer valid at t.
func (s Session) Expired(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

// TTL returns the validity period the current code was issued with.
func (s Session) TTL() time.Duration {
	return s.ExpiresAt.Sub(s.LastSentAt)
}

// ProviderConfig represents the common configuration types for a Provider.
type ProviderConfig struct {
	Type     string        `koanf:"type"`
	Template string        `koanf:"template"`
	Subject  string        `koanf:"subject"`
	Timeout  time.Duration `koanf:"timeout"`
}

// Provider is an interface for a generic messaging backend that delivers
// codes over a channel, for instance, SMS, WhatsApp or e-mail.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// Channel returns the channel the provider delivers on, eg: "sms".
	Channel() string

	// ChannelName returns the human readable name of the channel,
	// for example "SMS" or "E-mail".
	ChannelName() string

	// ValidateAddress validates the 'to' address the Provider
	// is supposed to send the code to, for instance, an e-mail
	// or a phone number.
	ValidateAddress(to string) error

	// Push pushes a message to the given address.
	Push(ctx context.Context, to, subject string, body []byte) error

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider. 0 means no limit.
	MaxBodyLen() int
}
