package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "library-session"
	testSessionCookieName    = "library_session"
	testIdentityURL          = "http://alice.example.com/"
)

func newTestCodec(t *testing.T, now func() time.Time) *Codec {
	t.Helper()
	codec, err := NewCodec(CodecConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		TTL:           time.Hour,
		Clock:         now,
	})
	if err != nil {
		t.Fatalf("failed to construct codec: %v", err)
	}
	return codec
}

func TestCodecRoundTripsValues(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	codec := newTestCodec(t, func() time.Time { return clockNow })

	original := New()
	original.Set(IdentityURLKey, testIdentityURL)
	original.AddFlash("loginerror", "nope")

	token, expiresAt, err := codec.Encode(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	decoded, err := codec.Decode(token)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if value, ok := decoded.Get(IdentityURLKey); !ok || value != testIdentityURL {
		t.Fatalf("unexpected identity url %q (present=%v)", value, ok)
	}
	if decoded.Modified() {
		t.Fatalf("expected a freshly decoded session to be unmodified")
	}
	if message, ok := decoded.PopFlash("loginerror"); !ok || message != "nope" {
		t.Fatalf("unexpected flash %q (present=%v)", message, ok)
	}
}

func TestCodecDecodeExpired(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuing := newTestCodec(t, func() time.Time { return clockNow.Add(-2 * time.Hour) })
	token, _, err := issuing.Encode(New())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	validating := newTestCodec(t, func() time.Time { return clockNow })
	if _, err := validating.Decode(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestCodecDecodeRejectsForeignSignatures(t *testing.T) {
	clockNow := time.Now()
	codec := newTestCodec(t, func() time.Time { return clockNow })

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Values: map[string]string{IdentityURLKey: "http://mallory.example.com/"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	signed, err := forged.SignedString([]byte("another-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := codec.Decode(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
	if _, err := codec.Decode("  "); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewCodecValidatesConfig(t *testing.T) {
	if _, err := NewCodec(CodecConfig{Issuer: testSessionIssuer}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := NewCodec(CodecConfig{SigningSecret: []byte("k")}); !errors.Is(err, ErrMissingSessionIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}
