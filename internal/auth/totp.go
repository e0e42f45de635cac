package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod     = 30
	totpSkew       = 1
	totpSecretSize = 20
	qrImageSize    = 200

	// DefaultBackupCodeCount is the number of recovery codes issued per set
	DefaultBackupCodeCount = 10

	backupCodeGroups    = 3
	backupCodeGroupSize = 7
	backupCodeAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
)

var totpValidateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPEngine issues TOTP secrets, verifies codes and manages backup codes.
// Backup codes are hashed with the same slow hasher used for passwords.
type TOTPEngine struct {
	issuer string
	hasher *PasswordHasher
}

// NewTOTPEngine creates a TOTPEngine for the given issuer name
func NewTOTPEngine(issuer string, hasher *PasswordHasher) *TOTPEngine {
	return &TOTPEngine{issuer: issuer, hasher: hasher}
}

// GenerateSecret returns a new random base32 secret (160 bits).
func (e *TOTPEngine) GenerateSecret() (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: "setup",
		SecretSize:  totpSecretSize,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return key.Secret(), nil
}

// GenerateQR builds the otpauth:// provisioning URI for secret and renders it
// as a PNG data URI.
func (e *TOTPEngine) GenerateQR(secret, accountLabel string) (qrDataURI, provisioningURI string, err error) {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", "", fmt.Errorf("invalid totp secret: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountLabel,
		Period:      totpPeriod,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to build provisioning uri: %w", err)
	}

	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return "", "", fmt.Errorf("failed to render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", "", fmt.Errorf("failed to encode qr code: %w", err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), key.URL(), nil
}

// VerifyToken checks code against secret at the current time.
func (e *TOTPEngine) VerifyToken(secret, code string) bool {
	return e.VerifyTokenAt(secret, code, time.Now())
}

// VerifyTokenAt checks code against secret at t, accepting the step before and
// after t's step.
func (e *TOTPEngine) VerifyTokenAt(secret, code string, t time.Time) bool {
	code = strings.TrimSpace(code)
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t.UTC(), totpValidateOpts)
	return err == nil && ok
}

// GenerateBackupCodes returns n fresh recovery codes formatted as
// XXXXXXX-XXXXXXX-XXXXXXX. Each code carries 105 bits from crypto/rand.
func (e *TOTPEngine) GenerateBackupCodes(n int) ([]string, error) {
	if n <= 0 {
		n = DefaultBackupCodeCount
	}
	codes := make([]string, 0, n)
	for range n {
		code, err := generateBackupCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func generateBackupCode() (string, error) {
	raw := make([]byte, backupCodeGroups*backupCodeGroupSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	var sb strings.Builder
	for i, b := range raw {
		if i > 0 && i%backupCodeGroupSize == 0 {
			sb.WriteByte('-')
		}
		// 256 is a multiple of 32, so the low five bits are uniform.
		sb.WriteByte(backupCodeAlphabet[b&31])
	}
	return sb.String(), nil
}

// NormalizeBackupCode strips separators and whitespace and upper-cases the code
func NormalizeBackupCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t':
			return -1
		}
		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}
		return r
	}, code)
}

// HashBackupCode hashes the normalised code for storage.
func (e *TOTPEngine) HashBackupCode(ctx context.Context, code string) (string, error) {
	return e.hasher.Hash(ctx, NormalizeBackupCode(code))
}

// HashBackupCodes hashes every code in order.
func (e *TOTPEngine) HashBackupCodes(ctx context.Context, codes []string) ([]string, error) {
	hashes := make([]string, 0, len(codes))
	for _, code := range codes {
		h, err := e.HashBackupCode(ctx, code)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// VerifyBackupCode reports whether code matches hash, ignoring separators and case.
func (e *TOTPEngine) VerifyBackupCode(ctx context.Context, code, hash string) (bool, error) {
	normalized := NormalizeBackupCode(code)
	if normalized == "" {
		return false, nil
	}
	return e.hasher.Verify(ctx, normalized, hash)
}

// MatchBackupCode scans hashes for one matching code and returns it.
func (e *TOTPEngine) MatchBackupCode(ctx context.Context, code string, hashes []string) (string, bool, error) {
	for _, h := range hashes {
		ok, err := e.VerifyBackupCode(ctx, code, h)
		if err != nil {
			return "", false, err
		}
		if ok {
			return h, true, nil
		}
	}
	return "", false, nil
}
