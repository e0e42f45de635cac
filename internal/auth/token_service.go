package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType represents the type of JWT token
type TokenType string

const (
	AccessTokenType  TokenType = "access"
	RefreshTokenType TokenType = "refresh"
	// TempTokenType is issued after the password step when a second factor is
	// still required. It can only be exchanged at the login endpoint.
	TempTokenType TokenType = "2fa_pending"
)

// Token lifetimes used when none are configured
const (
	DefaultAccessTokenExpiry  = 8 * time.Hour
	DefaultRefreshTokenExpiry = 30 * 24 * time.Hour
	DefaultTempTokenExpiry    = 5 * time.Minute
)

var (
	errUnexpectedSigningMethod = errors.New("unexpected signing method")
	errInvalidToken            = errors.New("invalid token")
	errInvalidTokenType        = errors.New("invalid token type")
)

// Claims represents the JWT claims structure
type Claims struct {
	Email string    `json:"email,omitempty"`
	Role  string    `json:"role,omitempty"`
	Type  TokenType `json:"type"`
	jwt.RegisteredClaims
}

// UserID returns the user ID from the Subject claim
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenService handles JWT token generation and validation
type TokenService struct {
	accessSecret       string
	refreshSecret      string
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
	tempTokenExpiry    time.Duration
	issuer             string
	now                func() time.Time
}

// TokenServiceConfig holds configuration for TokenService
type TokenServiceConfig struct {
	AccessSecret       string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	TempTokenExpiry    time.Duration
	Issuer             string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewTokenService creates a new TokenService instance
func NewTokenService(cfg TokenServiceConfig) *TokenService {
	if cfg.AccessTokenExpiry <= 0 {
		cfg.AccessTokenExpiry = DefaultAccessTokenExpiry
	}
	if cfg.RefreshTokenExpiry <= 0 {
		cfg.RefreshTokenExpiry = DefaultRefreshTokenExpiry
	}
	if cfg.TempTokenExpiry <= 0 {
		cfg.TempTokenExpiry = DefaultTempTokenExpiry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenService{
		accessSecret:       cfg.AccessSecret,
		refreshSecret:      cfg.RefreshSecret,
		accessTokenExpiry:  cfg.AccessTokenExpiry,
		refreshTokenExpiry: cfg.RefreshTokenExpiry,
		tempTokenExpiry:    cfg.TempTokenExpiry,
		issuer:             cfg.Issuer,
		now:                cfg.Now,
	}
}

// TokenPair represents a pair of access and refresh tokens
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // Access token expiry in seconds
}

func (s *TokenService) sign(claims Claims, ttl time.Duration, secret string) (string, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   claims.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		// A unique ID keeps two tokens minted in the same second distinct,
		// which session lookup by token hash relies on.
		ID: uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateAccessToken generates a new access token for the given user
func (s *TokenService) GenerateAccessToken(userID, email, role string) (string, error) {
	return s.sign(Claims{
		Email:            email,
		Role:             role,
		Type:             AccessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, s.accessTokenExpiry, s.accessSecret)
}

// GenerateRefreshToken generates a new refresh token for the given user
func (s *TokenService) GenerateRefreshToken(userID string) (string, error) {
	return s.sign(Claims{
		Type:             RefreshTokenType,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, s.refreshTokenExpiry, s.refreshSecret)
}

// GenerateTempToken issues the short-lived token that stands in for the
// password while the client collects the second factor.
func (s *TokenService) GenerateTempToken(userID, email string) (string, error) {
	return s.sign(Claims{
		Email:            email,
		Type:             TempTokenType,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, s.tempTokenExpiry, s.accessSecret)
}

// GenerateTokenPair generates both access and refresh tokens
func (s *TokenService) GenerateTokenPair(userID, email, role string) (*TokenPair, error) {
	accessToken, err := s.GenerateAccessToken(userID, email, role)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.GenerateRefreshToken(userID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTokenExpiry.Seconds()),
	}, nil
}

// ValidateAccessToken validates an access token and returns the claims
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, s.accessSecret, AccessTokenType)
}

// ValidateRefreshToken validates a refresh token and returns the claims
func (s *TokenService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, s.refreshSecret, RefreshTokenType)
}

// ValidateTempToken validates a 2FA-pending token and returns the claims
func (s *TokenService) ValidateTempToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, s.accessSecret, TempTokenType)
}

// validateToken validates a JWT token with the given secret and expected type
func (s *TokenService) validateToken(tokenString, secret string, expectedType TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedSigningMethod
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errInvalidToken
	}

	// Access and temp tokens share a secret, so the type claim is what
	// keeps a temp token from being used as a bearer token.
	if claims.Type != expectedType {
		return nil, errInvalidTokenType
	}

	return claims, nil
}

// HashToken returns the hex SHA-256 of a token, used as its storage key
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// AccessTokenExpiry returns the access token lifetime
func (s *TokenService) AccessTokenExpiry() time.Duration {
	return s.accessTokenExpiry
}

// TempTokenExpiry returns the 2FA-pending token lifetime
func (s *TokenService) TempTokenExpiry() time.Duration {
	return s.tempTokenExpiry
}
