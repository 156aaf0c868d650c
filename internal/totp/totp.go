// Package totp implements RFC 6238 time-based one-time passwords (HMAC-SHA1)
// compatible with Google Authenticator and other authenticator apps, along
// with secret provisioning.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// DefaultPeriod is the length of a time-step.
	DefaultPeriod = 30 * time.Second

	// DefaultDigits is the length of a generated code.
	DefaultDigits = 6

	// DefaultWindow is the number of adjacent time-steps accepted on either
	// side of the current one during verification.
	DefaultWindow = 1

	algorithm = "SHA1"
)

// Opt represents TOTP options.
type Opt struct {
	Period time.Duration `koanf:"period"`
	Digits int           `koanf:"digits" validate:"omitempty,min=6,max=8"`

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time `koanf:"-"`
}

// TOTP generates and verifies codes. It holds no state besides its
// options and is safe for concurrent use.
type TOTP struct {
	period uint64
	digits int
	mod    uint32
	now    func() time.Time
}

// New returns a TOTP engine. Zero values in o are replaced with defaults.
func New(o Opt) *TOTP {
	if o.Period < time.Second {
		o.Period = DefaultPeriod
	}
	if o.Digits < 6 || o.Digits > 8 {
		o.Digits = DefaultDigits
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}

	mod := uint32(1)
	for i := 0; i < o.Digits; i++ {
		mod *= 10
	}

	return &TOTP{
		period: uint64(o.Period / time.Second),
		digits: o.Digits,
		mod:    mod,
		now:    o.Clock,
	}
}

// Generate returns the code for the current time-step.
func (t *TOTP) Generate(secret string) (string, error) {
	return t.GenerateAt(secret, t.now())
}

// GenerateAt returns the code for the time-step that at falls in.
func (t *TOTP) GenerateAt(secret string, at time.Time) (string, error) {
	key, err := DecodeSecret(secret)
	if err != nil {
		return "", err
	}
	return t.hotp(key, t.step(at)), nil
}

// Verify checks a code against the current time-step and window steps on
// either side of it. An invalid secret never verifies.
func (t *TOTP) Verify(secret, code string, window int) bool {
	return t.VerifyAt(secret, code, window, t.now())
}

// VerifyAt is Verify relative to the given time.
func (t *TOTP) VerifyAt(secret, code string, window int, at time.Time) bool {
	if len(code) != t.digits || window < 0 {
		return false
	}

	key, err := DecodeSecret(secret)
	if err != nil {
		return false
	}

	cur := t.step(at)
	ok := false
	for i := -window; i <= window; i++ {
		s := int64(cur) + int64(i)
		if s < 0 {
			continue
		}
		c := t.hotp(key, uint64(s))

		// Every step in the window is compared so that timing doesn't
		// reveal which one matched.
		if subtle.ConstantTimeCompare([]byte(c), []byte(code)) == 1 {
			ok = true
		}
	}
	return ok
}

// Remaining returns the time left before the current code rolls over.
func (t *TOTP) Remaining() time.Duration {
	p := time.Duration(t.period) * time.Second
	return p - time.Duration(t.now().UnixNano())%p
}

// Digits returns the configured code length.
func (t *TOTP) Digits() int {
	return t.digits
}

// Period returns the configured time-step length.
func (t *TOTP) Period() time.Duration {
	return time.Duration(t.period) * time.Second
}

// step returns the time-step counter for a given time.
func (t *TOTP) step(at time.Time) uint64 {
	u := at.Unix()
	if u < 0 {
		return 0
	}
	return uint64(u) / t.period
}

// hotp computes the RFC 4226 HOTP value for a counter with dynamic truncation.
func (t *TOTP) hotp(key []byte, counter uint64) string {
	h := hmac.New(sha1.New, key)
	h.Write(counterBytes(counter))
	sum := h.Sum(nil)

	o := sum[len(sum)-1] & 0x0f
	v := binary.BigEndian.Uint32(sum[o:o+4]) & 0x7fffffff

	return fmt.Sprintf("%0*d", t.digits, v%t.mod)
}
