package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 14 * 24 * time.Hour

var (
	ErrMissingSessionSigningKey = errors.New("session codec: signing key required")
	ErrMissingSessionIssuer     = errors.New("session codec: issuer required")
	ErrMissingSessionToken      = errors.New("session codec: token required")
	ErrInvalidSessionToken      = errors.New("session codec: invalid token")
	ErrExpiredSessionToken      = errors.New("session codec: token expired")
)

// sessionClaims is the JWT payload carrying the session values.
type sessionClaims struct {
	Values map[string]string `json:"values"`
	jwt.RegisteredClaims
}

// CodecConfig describes how session cookies are signed.
type CodecConfig struct {
	SigningSecret []byte
	Issuer        string
	TTL           time.Duration
	Clock         func() time.Time
}

// Codec signs and verifies HS256 session tokens.
type Codec struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewCodec constructs a codec with the provided configuration.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Codec{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Encode signs the session values and returns the token with its expiry.
func (c *Codec) Encode(s *Session) (string, time.Time, error) {
	now := c.clock().UTC()
	expiresAt := now.Add(c.ttl).UTC()
	claims := sessionClaims{
		Values: s.snapshot(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Decode validates the token and returns the session it carries.
func (c *Codec) Decode(tokenString string) (*Session, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return nil, ErrMissingSessionToken
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return c.signingSecret, nil
		},
		jwt.WithTimeFunc(c.clock),
		jwt.WithIssuer(c.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredSessionToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return nil, ErrInvalidSessionToken
	}
	return fromValues(claims.Values), nil
}
