// Package backupcodes generates single-use recovery codes and keeps their
// bcrypt hashes in a store. Plain codes are only ever returned once, at
// generation.
package backupcodes

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/knadh/twofagateway/internal/store"
	"github.com/zerodha/logf"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCount is the number of codes generated per account.
	DefaultCount = 10

	partLen  = 4
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrInvalidFormat is returned for input that isn't in the XXXX-XXXX format.
var ErrInvalidFormat = errors.New("backup code must be in the format XXXX-XXXX")

var reFormat = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// Generate returns count codes in the format XXXX-XXXX drawn from [A-Z0-9].
// Codes are not deduplicated.
func Generate(count int) ([]string, error) {
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		c, err := generateOne()
		if err != nil {
			return nil, fmt.Errorf("error generating backup code: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func generateOne() (string, error) {
	var (
		b   = make([]byte, 0, partLen*2+1)
		max = big.NewInt(int64(len(alphabet)))
	)
	for i := 0; i < partLen*2; i++ {
		if i == partLen {
			b = append(b, '-')
		}

		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b = append(b, alphabet[n.Int64()])
	}
	return string(b), nil
}

// Normalize upper-cases user input, strips whitespace, and inserts the
// hyphen if it's missing.
func Normalize(in string) string {
	s := strings.ToUpper(strings.Join(strings.Fields(in), ""))
	if !strings.Contains(s, "-") && len(s) == partLen*2 {
		s = s[:partLen] + "-" + s[partLen:]
	}
	return s
}

// ValidateFormat checks that a (normalized) code is in the XXXX-XXXX format.
func ValidateFormat(code string) error {
	if !reFormat.MatchString(code) {
		return ErrInvalidFormat
	}
	return nil
}

// Vault issues and consumes hashed backup codes against accounts.
type Vault struct {
	store store.BackupStore
	cost  int
	lo    logf.Logger
}

// NewVault returns a Vault. A cost of 0 uses bcrypt.DefaultCost.
func NewVault(st store.BackupStore, cost int, lo logf.Logger) *Vault {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Vault{store: st, cost: cost, lo: lo}
}

// Regenerate generates count new codes for an account, replacing all
// existing ones. The plain codes are returned and are not recoverable later.
func (v *Vault) Regenerate(ctx context.Context, account string, count int) ([]string, error) {
	codes, err := Generate(count)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, len(codes))
	for i, c := range codes {
		h, err := bcrypt.GenerateFromPassword([]byte(c), v.cost)
		if err != nil {
			return nil, fmt.Errorf("error hashing backup code: %w", err)
		}
		hashes[i] = string(h)
	}

	if err := v.store.SetBackupCodes(ctx, account, hashes); err != nil {
		return nil, fmt.Errorf("error saving backup codes: %w", err)
	}

	v.lo.Info("regenerated backup codes", "account", account, "count", len(codes))
	return codes, nil
}

// Consume checks a code against an account's unused codes and removes it
// on a match. Input is normalized first.
func (v *Vault) Consume(ctx context.Context, account, code string) (bool, error) {
	code = Normalize(code)
	if err := ValidateFormat(code); err != nil {
		return false, err
	}

	ok, err := v.store.ConsumeBackupCode(ctx, account, func(h string) bool {
		return bcrypt.CompareHashAndPassword([]byte(h), []byte(code)) == nil
	})
	if err != nil {
		return false, fmt.Errorf("error consuming backup code: %w", err)
	}

	if ok {
		v.lo.Info("backup code used", "account", account)
	}
	return ok, nil
}

// Remaining returns the number of unused codes of an account.
func (v *Vault) Remaining(ctx context.Context, account string) (int, error) {
	return v.store.CountBackupCodes(ctx, account)
}
