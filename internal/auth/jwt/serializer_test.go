package jwt

import (
	"context"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/settings"
	"github.com/smallbiznis/gatekeeper/pkg/db"
)

func newTestSerializer(t *testing.T) (*Serializer, *clock.FakeClock, settings.Repository) {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbConn.AutoMigrate(&settings.Property{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := settings.NewRepository(dbConn)
	s := NewSerializer(repo, clk)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("failed to start serializer: %v", err)
	}
	return s, clk, repo
}

func newClaims(clk *clock.FakeClock) *Claims {
	return &Claims{
		ID:        "token-id",
		Subject:   "user-42",
		IssuedAt:  clk.Now(),
		ExpiresAt: clk.Now().Add(time.Hour),
		Properties: map[string]string{
			CSRFProperty: "csrf-state",
			"custom":     "value",
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s, clk, _ := newTestSerializer(t)

	encoded, err := s.Encode(newClaims(clk))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := s.Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded == nil {
		t.Fatal("expected claims, got empty result")
	}
	if decoded.ID != "token-id" || decoded.Subject != "user-42" {
		t.Fatalf("unexpected identity: %+v", decoded)
	}
	if !decoded.IssuedAt.Equal(clk.Now()) {
		t.Fatalf("issued at changed: got %v want %v", decoded.IssuedAt, clk.Now())
	}
	if decoded.Property(CSRFProperty) != "csrf-state" || decoded.Property("custom") != "value" {
		t.Fatalf("custom properties lost: %+v", decoded.Properties)
	}
}

func TestDecodeTamperedTokenIsEmpty(t *testing.T) {
	s, clk, _ := newTestSerializer(t)

	encoded, err := s.Encode(newClaims(clk))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	tampered := []byte(encoded)
	tampered[len(tampered)/2] ^= 0x01

	decoded, err := s.Decode(string(tampered))
	if err != nil {
		t.Fatalf("tampered token must not raise an error, got %v", err)
	}
	if decoded != nil {
		t.Fatal("tampered token must decode to empty")
	}
}

func TestDecodeTokenFromDifferentSecretIsEmpty(t *testing.T) {
	s1, clk, _ := newTestSerializer(t)
	s2, _, _ := newTestSerializer(t)

	encoded, err := s2.Encode(newClaims(clk))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := s1.Decode(encoded)
	if err != nil {
		t.Fatalf("foreign token must not raise an error, got %v", err)
	}
	if decoded != nil {
		t.Fatal("foreign token must decode to empty")
	}
}

func TestDecodeExpiredTokenIsEmpty(t *testing.T) {
	s, clk, _ := newTestSerializer(t)

	claims := newClaims(clk)
	encoded, err := s.Encode(claims)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	clk.Set(claims.ExpiresAt.Add(time.Minute))

	decoded, err := s.Decode(encoded)
	if err != nil {
		t.Fatalf("expired token must not raise an error, got %v", err)
	}
	if decoded != nil {
		t.Fatal("expired token must decode to empty")
	}
}

func TestDecodeFailsLoudlyOnMissingRequiredClaims(t *testing.T) {
	s, clk, _ := newTestSerializer(t)

	cases := []struct {
		name    string
		payload jwtlib.MapClaims
	}{
		{"missing id", jwtlib.MapClaims{"sub": "u", "iat": clk.Now().Unix(), "exp": clk.Now().Add(time.Hour).Unix()}},
		{"missing subject", jwtlib.MapClaims{"jti": "id", "iat": clk.Now().Unix(), "exp": clk.Now().Add(time.Hour).Unix()}},
		{"missing issued at", jwtlib.MapClaims{"jti": "id", "sub": "u", "exp": clk.Now().Add(time.Hour).Unix()}},
		{"missing expiry", jwtlib.MapClaims{"jti": "id", "sub": "u", "iat": clk.Now().Unix()}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, tc.payload)
			signed, err := token.SignedString(s.secret)
			if err != nil {
				t.Fatalf("failed to sign: %v", err)
			}

			if _, err := s.Decode(signed); err == nil {
				t.Fatal("expected loud error for missing required claim")
			}
		})
	}
}

func TestRefreshPreservesIdentityAndProperties(t *testing.T) {
	s, clk, _ := newTestSerializer(t)

	original := newClaims(clk)
	clk.Advance(30 * time.Minute)

	refreshed, err := s.Refresh(original, 3*time.Hour)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	decoded, err := s.Decode(refreshed)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded == nil {
		t.Fatal("expected claims")
	}
	if decoded.ID != original.ID || decoded.Subject != original.Subject {
		t.Fatalf("identity changed: %+v", decoded)
	}
	if !decoded.IssuedAt.Equal(original.IssuedAt) {
		t.Fatalf("issued at changed: got %v want %v", decoded.IssuedAt, original.IssuedAt)
	}
	if decoded.Property("custom") != "value" {
		t.Fatal("custom property lost on refresh")
	}
	want := clk.Now().Add(3 * time.Hour)
	if !decoded.ExpiresAt.Equal(want) {
		t.Fatalf("expiry not extended: got %v want %v", decoded.ExpiresAt, want)
	}
}

func TestSecretGeneratedOnceAndReused(t *testing.T) {
	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbConn.AutoMigrate(&settings.Property{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	repo := settings.NewRepository(dbConn)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	first := NewSerializer(repo, clk)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	claims := newClaims(clk)
	encoded, err := first.Encode(claims)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// A second node booting against the same store must load the same
	// secret and accept the token.
	second := NewSerializer(repo, clk)
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	decoded, err := second.Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded == nil {
		t.Fatal("second node must accept tokens signed by the first")
	}
}

func TestUseBeforeStartPanics(t *testing.T) {
	s := NewSerializer(nil, clock.NewSystemClock())

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when encoding before Start")
		}
	}()
	_, _ = s.Encode(&Claims{Subject: "u"})
}
