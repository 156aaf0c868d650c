// Package webhook is a generic webhook Provider implementation that posts
// messages to a URL. This provider can be reused any number of times
// by defining multiple webhook providers in the app config, each on its
// own channel.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/knadh/twofagateway/internal/phone"
)

// Webhook is the default representation of the Webhook interface.
type Webhook struct {
	cfg        Config
	authHeader string
	http       *http.Client
}

// Payload is posted to the upstream URL.
type Payload struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Config contains the webhook provider configuration.
type Config struct {
	ID          string `json:"id"`
	URL         string `json:"url" validate:"required,url"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Channel     string `json:"channel" validate:"required"`
	ChannelName string `json:"channel_name"`
	MaxBodyLen  int    `json:"max_body_len"`

	// ValidatePhone validates 'to' addresses as phone numbers.
	ValidatePhone bool `json:"validate_phone"`

	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// New returns a webhook provider.
func New(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("invalid url")
	}
	if cfg.Channel == "" {
		return nil, errors.New("invalid channel")
	}
	if cfg.ID == "" {
		cfg.ID = "webhook"
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = cfg.Channel
	}

	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	authHeader := ""
	if cfg.Username != "" && cfg.Password != "" {
		authHeader = fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString(
			[]byte(cfg.Username+":"+cfg.Password)))
	}

	return &Webhook{
		cfg:        cfg,
		authHeader: authHeader,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (w *Webhook) ID() string {
	return w.cfg.ID
}

// Channel returns the channel the Provider delivers on.
func (w *Webhook) Channel() string {
	return w.cfg.Channel
}

// ChannelName returns the Provider's channel name.
func (w *Webhook) ChannelName() string {
	return w.cfg.ChannelName
}

// ValidateAddress validates the address as a phone number if configured to.
func (w *Webhook) ValidateAddress(to string) error {
	if w.cfg.ValidatePhone {
		_, err := phone.Validate(to)
		return err
	}
	if to == "" {
		return errors.New("empty address")
	}
	return nil
}

// Push posts the message to the webhook.
func (w *Webhook) Push(ctx context.Context, to, subject string, body []byte) error {
	b, err := json.Marshal(Payload{
		Channel: w.cfg.Channel,
		To:      to,
		Subject: subject,
		Body:    string(body),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", "twofagateway")
	req.Header.Add("Content-Type", "application/json")

	// Optional BasicAuth.
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		// Drain and close the body to let the Transport reuse the connection
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded with %d", resp.StatusCode)
	}
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (w *Webhook) MaxBodyLen() int {
	return w.cfg.MaxBodyLen
}
