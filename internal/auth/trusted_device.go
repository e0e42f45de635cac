package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/servercraft/panel/internal/repository"
)

// DefaultTrustedDeviceTTL is how long a remembered device bypasses the second factor
const DefaultTrustedDeviceTTL = 30 * 24 * time.Hour

const deviceTokenBytes = 32

// TrustedDeviceRegistry issues device tokens and decides whether a presented
// token is still trusted. The token alone is the credential; the fingerprint
// is stored for audit only.
type TrustedDeviceRegistry struct {
	ttl time.Duration
}

// NewTrustedDeviceRegistry creates a registry with the given trust window
func NewTrustedDeviceRegistry(ttl time.Duration) *TrustedDeviceRegistry {
	if ttl <= 0 {
		ttl = DefaultTrustedDeviceTTL
	}
	return &TrustedDeviceRegistry{ttl: ttl}
}

// GenerateDeviceToken returns a new 256-bit URL-safe token.
func (r *TrustedDeviceRegistry) GenerateDeviceToken() (string, error) {
	buf := make([]byte, deviceTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate device token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Fingerprint derives a stable hash from the user agent and IP.
func (r *TrustedDeviceRegistry) Fingerprint(userAgent, ip string) string {
	sum := sha256.Sum256([]byte(userAgent + ":" + ip))
	return hex.EncodeToString(sum[:])
}

// NewDevice mints a device entry and returns it with its token.
func (r *TrustedDeviceRegistry) NewDevice(userAgent, ip string, now time.Time) (repository.TrustedDevice, error) {
	token, err := r.GenerateDeviceToken()
	if err != nil {
		return repository.TrustedDevice{}, err
	}
	return repository.TrustedDevice{
		Token:       token,
		Fingerprint: r.Fingerprint(userAgent, ip),
		CreatedAt:   now.UTC(),
	}, nil
}

// IsTrusted reports whether token matches an entry of devices younger than the TTL.
func (r *TrustedDeviceRegistry) IsTrusted(token string, devices []repository.TrustedDevice, now time.Time) bool {
	if token == "" {
		return false
	}
	for _, d := range devices {
		if subtle.ConstantTimeCompare([]byte(d.Token), []byte(token)) == 1 && r.isFresh(d, now) {
			return true
		}
	}
	return false
}

// CountActive returns how many devices are still inside the trust window.
func (r *TrustedDeviceRegistry) CountActive(devices []repository.TrustedDevice, now time.Time) int {
	n := 0
	for _, d := range devices {
		if r.isFresh(d, now) {
			n++
		}
	}
	return n
}

func (r *TrustedDeviceRegistry) isFresh(d repository.TrustedDevice, now time.Time) bool {
	return now.Sub(d.CreatedAt) < r.ttl
}
