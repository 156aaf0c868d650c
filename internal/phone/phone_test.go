package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	for _, c := range []struct {
		in  string
		out string
		ok  bool
	}{
		{"+15551234567", "+15551234567", true},
		{"+263 77 289 0123", "+263772890123", true},
		{"+1 (555) 123-4567", "+15551234567", true},
		{"15551234567", "", false},
		{"+123456789", "", false},
		{"+1234567890123456", "", false},
		{"", "", false},
	} {
		out, err := Validate(c.in)
		if c.ok {
			assert.NoError(t, err, c.in)
			assert.Equal(t, c.out, out, c.in)
		} else {
			assert.ErrorIs(t, err, ErrInvalid, c.in)
		}
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, "********0123", Mask("+263772890123"))
	assert.Equal(t, "*******4567", Mask("+1 (555) 123-4567"))
	assert.Equal(t, "+12", Mask("+12"))
}
