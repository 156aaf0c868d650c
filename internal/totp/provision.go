package totp

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"strconv"

	"github.com/skip2/go-qrcode"
)

// SecretLen is the number of random bytes in a generated secret (128 bits).
const SecretLen = 16

// GenerateSecret returns a new random secret encoded as unpadded Base32
// (26 characters).
func GenerateSecret() (string, error) {
	b := make([]byte, SecretLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("error reading random bytes: %w", err)
	}
	return EncodeSecret(b), nil
}

// ProvisioningURI returns the otpauth:// URI that authenticator apps
// consume (usually as a QR code) to register a secret.
//
//	otpauth://totp/{issuer}:{account}?secret=..&issuer=..&algorithm=SHA1&digits=6&period=30
func (t *TOTP) ProvisioningURI(secret, account, issuer string) string {
	return "otpauth://totp/" + url.PathEscape(issuer) + ":" + url.PathEscape(account) +
		"?secret=" + url.QueryEscape(secret) +
		"&issuer=" + url.QueryEscape(issuer) +
		"&algorithm=" + algorithm +
		"&digits=" + strconv.Itoa(t.digits) +
		"&period=" + strconv.FormatUint(t.period, 10)
}

// QRCode renders a provisioning URI as a square PNG image of the given size.
func QRCode(uri string, size int) ([]byte, error) {
	if size < 64 {
		size = 256
	}
	b, err := qrcode.Encode(uri, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("error generating QR code: %w", err)
	}
	return b, nil
}
