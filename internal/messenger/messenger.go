// Package messenger renders code messages and pushes them out through the
// provider registered for a session's channel.
package messenger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/knadh/twofagateway/internal/phone"
	"github.com/knadh/twofagateway/pkg/models"
	"github.com/zerodha/logf"
)

const (
	// DefaultAppName is the app name in messages when none is configured.
	DefaultAppName = "Koppo App"

	// DefaultTemplate is the message body used when a provider has no template.
	DefaultTemplate = `Your {{ .AppName }} verification code is: {{ .Code }}. This code will expire in {{ .TTLMinutes }} minutes. Do not share this code with anyone.`

	defaultTimeout = 5 * time.Second
)

// ErrNoProvider is returned when there's no provider for a channel.
var ErrNoProvider = errors.New("no provider for channel")

// Tpl is a compiled message body and optional subject.
type Tpl struct {
	subject *template.Template
	body    *template.Template
}

// tplData is exposed to message templates.
type tplData struct {
	AppName    string
	Channel    string
	To         string
	Code       string
	TTLMinutes int
	ExpiresAt  time.Time
}

// Opt represents messenger options.
type Opt struct {
	AppName string        `koanf:"app_name"`
	Timeout time.Duration `koanf:"send_timeout"`
}

type channel struct {
	prov    models.Provider
	tpl     *Tpl
	timeout time.Duration
}

// Messenger delivers codes.
type Messenger struct {
	opt      Opt
	channels map[string]channel
	lo       logf.Logger
}

// New returns a Messenger with no providers.
func New(o Opt, lo logf.Logger) *Messenger {
	if o.AppName == "" {
		o.AppName = DefaultAppName
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}

	return &Messenger{
		opt:      o,
		channels: make(map[string]channel),
		lo:       lo,
	}
}

// ParseTpl compiles a message body template and an optional subject
// template. sprig functions are available in both.
func ParseTpl(body, subject string) (*Tpl, error) {
	if body == "" {
		body = DefaultTemplate
	}

	var (
		out = &Tpl{}
		err error
	)
	out.body, err = template.New("body").Funcs(sprig.TxtFuncMap()).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("error parsing body template: %w", err)
	}

	if subject != "" {
		out.subject, err = template.New("subject").Funcs(sprig.TxtFuncMap()).Parse(subject)
		if err != nil {
			return nil, fmt.Errorf("error parsing subject template: %w", err)
		}
	}

	return out, nil
}

// Register registers a provider against its channel. A nil tpl uses the
// default template and a timeout <= 0 uses the messenger's default.
// There can only be one provider per channel.
func (m *Messenger) Register(p models.Provider, tpl *Tpl, timeout time.Duration) error {
	if _, ok := m.channels[p.Channel()]; ok {
		return fmt.Errorf("a provider is already registered for channel '%s'", p.Channel())
	}

	if tpl == nil {
		t, err := ParseTpl("", "")
		if err != nil {
			return err
		}
		tpl = t
	}
	if timeout <= 0 {
		timeout = m.opt.Timeout
	}

	m.channels[p.Channel()] = channel{prov: p, tpl: tpl, timeout: timeout}
	return nil
}

// Provider returns the provider registered for a channel.
func (m *Messenger) Provider(ch string) (models.Provider, bool) {
	c, ok := m.channels[ch]
	return c.prov, ok
}

// Channels returns the sorted list of channels that have a provider.
func (m *Messenger) Channels() []string {
	out := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Render renders the subject and body of a session's message.
func (m *Messenger) Render(s models.Session) (string, []byte, error) {
	c, ok := m.channels[s.Channel]
	if !ok {
		return "", nil, ErrNoProvider
	}
	return m.render(c, s)
}

// Send renders a session's message and pushes it to the session's address
// with the provider's timeout.
func (m *Messenger) Send(ctx context.Context, s models.Session) error {
	c, ok := m.channels[s.Channel]
	if !ok {
		return ErrNoProvider
	}

	subj, body, err := m.render(c, s)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	m.lo.Debug("sending code", "provider", c.prov.ID(), "channel", s.Channel, "session", s.ID, "to", mask(s))
	if err := c.prov.Push(ctx, s.To, subj, body); err != nil {
		return fmt.Errorf("error sending via %s: %w", c.prov.ID(), err)
	}

	return nil
}

func (m *Messenger) render(c channel, s models.Session) (string, []byte, error) {
	data := tplData{
		AppName:    m.opt.AppName,
		Channel:    c.prov.ChannelName(),
		To:         s.To,
		Code:       s.Code,
		TTLMinutes: int(math.Ceil(s.TTL().Minutes())),
		ExpiresAt:  s.ExpiresAt,
	}

	var subj, body bytes.Buffer
	if c.tpl.subject != nil {
		if err := c.tpl.subject.Execute(&subj, data); err != nil {
			return "", nil, fmt.Errorf("error rendering subject: %w", err)
		}
	}
	if err := c.tpl.body.Execute(&body, data); err != nil {
		return "", nil, fmt.Errorf("error rendering message: %w", err)
	}

	if max := c.prov.MaxBodyLen(); max > 0 && body.Len() > max {
		return "", nil, fmt.Errorf("message length %d exceeds %s's limit of %d", body.Len(), c.prov.ID(), max)
	}

	return subj.String(), body.Bytes(), nil
}

func mask(s models.Session) string {
	if s.Channel == models.ChannelEmail {
		return s.To
	}
	return phone.Mask(s.To)
}
