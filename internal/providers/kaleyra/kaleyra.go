// Package kaleyra implements an SMS provider on the Kaleyra HTTP API.
package kaleyra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/twofagateway/internal/phone"
	"github.com/knadh/twofagateway/pkg/models"
)

const (
	providerID  = "kaleyra"
	channelName = "SMS"
	maxBodyLen  = 140
	apiURL      = "https://api-alerts.kaleyra.com/v4/"
	statusOK    = "OK"
)

// Kaleyra is the default representation of the Kaleyra interface.
type Kaleyra struct {
	cfg Config
	h   *http.Client
}

// Config contains the Kaleyra provider configuration.
type Config struct {
	APIKey   string        `json:"api_key" validate:"required"`
	Sender   string        `json:"sender" validate:"required"`
	APIURL   string        `json:"api_url" validate:"omitempty,url"`
	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// apiResp represents the response from kaleyra API.
type apiResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// New implements a Kaleyra SMS provider.
func New(cfg Config) (*Kaleyra, error) {
	if cfg.APIKey == "" || cfg.Sender == "" {
		return nil, errors.New("invalid api_key or sender")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = apiURL
	}

	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	return &Kaleyra{
		cfg: cfg,
		h: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (k *Kaleyra) ID() string {
	return providerID
}

// Channel returns the channel the Provider delivers on.
func (k *Kaleyra) Channel() string {
	return models.ChannelSMS
}

// ChannelName returns the Provider's channel name.
func (k *Kaleyra) ChannelName() string {
	return channelName
}

// ValidateAddress validates a phone number.
func (k *Kaleyra) ValidateAddress(to string) error {
	_, err := phone.Validate(to)
	return err
}

// Push pushes out an SMS.
func (k *Kaleyra) Push(ctx context.Context, to, subject string, body []byte) error {
	var p = url.Values{}
	p.Set("method", "sms")
	p.Set("api_key", k.cfg.APIKey)
	p.Set("sender", k.cfg.Sender)
	p.Set("to", phone.Clean(to))
	p.Set("message", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.cfg.APIURL, strings.NewReader(p.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Make the request.
	resp, err := k.h.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Read the response.
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	r := apiResp{}
	if err := json.Unmarshal(b, &r); err != nil {
		return fmt.Errorf("error parsing response (%d): %w", resp.StatusCode, err)
	}
	if r.Status != statusOK {
		return errors.New(r.Message)
	}
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (k *Kaleyra) MaxBodyLen() int {
	return maxBodyLen
}
