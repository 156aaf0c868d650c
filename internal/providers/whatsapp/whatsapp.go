// Package whatsapp implements a WhatsApp provider on the Meta WhatsApp
// Cloud API. Messages are sent as plain text to a number that has an
// open conversation window, or that the business is otherwise permitted
// to message.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/knadh/twofagateway/internal/phone"
	"github.com/knadh/twofagateway/pkg/models"
)

const (
	providerID  = "whatsapp"
	channelName = "WhatsApp"
	maxBodyLen  = 4096
	apiURL      = "https://graph.facebook.com/v20.0"
)

// Config contains the WhatsApp Cloud API configuration.
type Config struct {
	PhoneNumberID string        `json:"phone_number_id" validate:"required"`
	AccessToken   string        `json:"access_token" validate:"required"`
	APIURL        string        `json:"api_url" validate:"omitempty,url"`
	Timeout       time.Duration `json:"timeout"`
	MaxConns      int           `json:"max_conns"`
}

// WhatsApp is a WhatsApp Cloud API provider.
type WhatsApp struct {
	cfg Config
	url string
	h   *http.Client
}

type textMsg struct {
	Product string `json:"messaging_product"`
	To      string `json:"to"`
	Type    string `json:"type"`
	Text    struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type apiErr struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// New returns a WhatsApp provider.
func New(cfg Config) (*WhatsApp, error) {
	if cfg.PhoneNumberID == "" || cfg.AccessToken == "" {
		return nil, errors.New("invalid phone_number_id or access_token")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = apiURL
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 5
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	return &WhatsApp{
		cfg: cfg,
		url: fmt.Sprintf("%s/%s/messages", strings.TrimRight(cfg.APIURL, "/"), cfg.PhoneNumberID),
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
func (w *WhatsApp) ID() string {
	return providerID
}

// Channel returns the channel the Provider delivers on.
func (w *WhatsApp) Channel() string {
	return models.ChannelWhatsApp
}

// ChannelName returns the Provider's channel name.
func (w *WhatsApp) ChannelName() string {
	return channelName
}

// ValidateAddress validates a phone number.
func (w *WhatsApp) ValidateAddress(to string) error {
	_, err := phone.Validate(to)
	return err
}

// Push sends a text message. The API takes the number without the '+'.
func (w *WhatsApp) Push(ctx context.Context, to, subject string, body []byte) error {
	m := textMsg{
		Product: "whatsapp",
		To:      strings.TrimPrefix(phone.Clean(to), "+"),
		Type:    "text",
	}
	m.Text.Body = string(body)

	b, err := json.Marshal(m)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.h.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	rb, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e apiErr
	if err := json.Unmarshal(rb, &e); err == nil && e.Error.Message != "" {
		return fmt.Errorf("whatsapp: %s (code %d)", e.Error.Message, e.Error.Code)
	}
	return fmt.Errorf("whatsapp: request failed with status %d", resp.StatusCode)
}

// MaxBodyLen returns the max permitted body size.
func (w *WhatsApp) MaxBodyLen() int {
	return maxBodyLen
}
