// Package smtp implements an e-mail provider on a pool of SMTP connections.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"regexp"
	"time"

	"github.com/knadh/twofagateway/pkg/models"
	"github.com/knadh/smtppool"
)

const (
	providerID    = "smtp"
	channelName   = "E-mail"
	maxAddressLen = 254
	maxBodyLen    = 100 * 1024
)

// http://www.golangprograms.com/regular-expression-to-validate-email-address.html
var reMail = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

// Config represents an SMTP server's credentials.
type Config struct {
	Host         string        `json:"host" validate:"required"`
	Port         int           `json:"port" validate:"required"`
	AuthProtocol string        `json:"auth_protocol" validate:"omitempty,oneof=login cram plain none"`
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	FromEmail    string        `json:"from_email"`
	Timeout      time.Duration `json:"timeout"`
	MaxConns     int           `json:"max_conns"`

	// STARTTLS, TLS or none.
	TLSType       string `json:"tls_type" validate:"omitempty,oneof=STARTTLS TLS none"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
}

// SMTP is a generic SMTP e-mail provider.
type SMTP struct {
	cfg Config
	p   *smtppool.Pool
}

// New creates and returns an e-mail Provider backend.
func New(cfg Config) (*SMTP, error) {
	if cfg.FromEmail == "" {
		cfg.FromEmail = "otp@localhost"
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 5
	}

	// Initialize the SMTP mailer.
	var auth smtp.Auth
	switch cfg.AuthProtocol {
	case "login":
		auth = &smtppool.LoginAuth{Username: cfg.Username, Password: cfg.Password}
	case "cram":
		auth = smtp.CRAMMD5Auth(cfg.Username, cfg.Password)
	case "plain":
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	case "", "none":
	default:
		return nil, fmt.Errorf("unknown SMTP auth type '%s'", cfg.AuthProtocol)
	}

	opt := smtppool.Opt{
		Host:            cfg.Host,
		Port:            cfg.Port,
		MaxConns:        cfg.MaxConns,
		IdleTimeout:     time.Second * 10,
		PoolWaitTimeout: cfg.Timeout,
		Auth:            auth,
	}

	// TLS config.
	if cfg.TLSType != "none" {
		opt.TLSConfig = &tls.Config{}
		if cfg.TLSSkipVerify {
			opt.TLSConfig.InsecureSkipVerify = cfg.TLSSkipVerify
		} else {
			opt.TLSConfig.ServerName = cfg.Host
		}

		// SSL/TLS, not cfg.
		if cfg.TLSType == "TLS" {
			opt.SSL = true
		}
	}

	pool, err := smtppool.New(opt)
	if err != nil {
		return nil, err
	}

	return &SMTP{
		p:   pool,
		cfg: cfg,
	}, nil
}

// ID returns the Provider's ID.
func (s *SMTP) ID() string {
	return providerID
}

// Channel returns the channel the Provider delivers on.
func (s *SMTP) Channel() string {
	return models.ChannelEmail
}

// ChannelName returns the e-mail Provider's name.
func (s *SMTP) ChannelName() string {
	return channelName
}

// ValidateAddress "validates" an e-mail address.
func (s *SMTP) ValidateAddress(to string) error {
	if len(to) > maxAddressLen || !reMail.MatchString(to) {
		return errors.New("invalid e-mail address")
	}
	return nil
}

// Push pushes an e-mail to the SMTP server. The pool has its own wait
// timeout, so ctx is only checked before handing the message over.
func (s *SMTP) Push(ctx context.Context, to, subject string, m []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.p.Send(smtppool.Email{
		From:    s.cfg.FromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    m,
	})
}

// MaxBodyLen returns the max permitted body size.
func (s *SMTP) MaxBodyLen() int {
	return maxBodyLen
}
