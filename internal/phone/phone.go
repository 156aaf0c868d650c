// Package phone cleans, validates and masks phone numbers that codes are
// delivered to.
package phone

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalid is returned for numbers that are not '+' followed by 10-15 digits.
var ErrInvalid = errors.New("invalid phone number")

var (
	reStrip = regexp.MustCompile(`[^\d+]`)
	reValid = regexp.MustCompile(`^\+\d{10,15}$`)
)

// Clean strips everything except digits and '+' from a number.
func Clean(num string) string {
	return reStrip.ReplaceAllString(num, "")
}

// Validate cleans a number and checks that it's in the international
// '+' format. The cleaned number is returned.
func Validate(num string) (string, error) {
	c := Clean(num)
	if !reValid.MatchString(c) {
		return "", ErrInvalid
	}
	return c, nil
}

// Mask masks all but the last four digits of a number for display and logs.
func Mask(num string) string {
	var b strings.Builder
	for _, c := range num {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}

	d := b.String()
	if len(d) < 4 {
		return num
	}
	return strings.Repeat("*", len(d)-4) + d[len(d)-4:]
}
