// Package jwt encodes and decodes the signed session token carried by
// the JWT-SESSION cookie.
package jwt

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/settings"
	"go.uber.org/fx"
)

// SecretSettingKey is the persisted property holding the base64
// encoded HS256 secret. Generated once on first boot.
const SecretSettingKey = "auth.jwtBase64Hs256Secret"

const secretLen = 32

// Registered property keys inside the token.
const (
	LastRefreshProperty    = "lastRefreshTime"
	CSRFProperty           = "xsrfToken"
	SSOLastRefreshProperty = "ssoLastRefreshTime"
)

var Module = fx.Module("auth.jwt",
	fx.Provide(NewSerializer),
	fx.Invoke(startSerializer),
)

func startSerializer(lc fx.Lifecycle, s *Serializer) {
	lc.Append(fx.Hook{OnStart: s.Start})
}

// Claims is the session token payload. ID, Subject, IssuedAt and
// ExpiresAt must all be present for a token to decode.
type Claims struct {
	ID        string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Properties carries string values such as the CSRF state and the
	// SSO refresh marker.
	Properties map[string]string
}

// Property returns a custom claim value, or "" when absent.
func (c *Claims) Property(key string) string {
	if c.Properties == nil {
		return ""
	}
	return c.Properties[key]
}

// SetProperty stores a custom claim value.
func (c *Claims) SetProperty(key, value string) {
	if c.Properties == nil {
		c.Properties = map[string]string{}
	}
	c.Properties[key] = value
}

// Serializer signs and verifies session tokens with a server-held
// HS256 secret. It must be started before first use; using it earlier
// is a programming error and panics.
type Serializer struct {
	settings settings.Repository
	clock    clock.Clock
	secret   []byte
}

func NewSerializer(settingsRepo settings.Repository, clk clock.Clock) *Serializer {
	return &Serializer{
		settings: settingsRepo,
		clock:    clk,
	}
}

// Start loads the signing secret, generating and persisting one on
// first boot. Generation is idempotent across concurrently starting
// nodes: the first writer wins and everyone uses the stored value.
func (s *Serializer) Start(ctx context.Context) error {
	stored, err := s.settings.Get(ctx, SecretSettingKey)
	if err == nil {
		return s.installSecret(stored)
	}
	if !errors.Is(err, settings.ErrNotFound) {
		return fmt.Errorf("loading session secret: %w", err)
	}

	raw := make([]byte, secretLen)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating session secret: %w", err)
	}
	persisted, err := s.settings.SetIfAbsent(ctx, SecretSettingKey, base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return fmt.Errorf("persisting session secret: %w", err)
	}
	return s.installSecret(persisted)
}

func (s *Serializer) installSecret(encoded string) error {
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid session secret: %w", err)
	}
	s.secret = secret
	return nil
}

func (s *Serializer) checkStarted() {
	if s.secret == nil {
		panic("jwt.Serializer used before Start")
	}
}

// Encode signs claims into a compact token. A missing token id is
// filled with a fresh UUID.
func (s *Serializer) Encode(claims *Claims) (string, error) {
	s.checkStarted()

	id := claims.ID
	if id == "" {
		id = uuid.NewString()
	}

	payload := jwtlib.MapClaims{
		"jti": id,
		"sub": claims.Subject,
		"iat": claims.IssuedAt.Unix(),
		"exp": claims.ExpiresAt.Unix(),
	}
	for key, value := range claims.Properties {
		payload[key] = value
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, payload)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Decode verifies a token and extracts its claims. A bad signature,
// a malformed token or a past expiry yields (nil, nil): those are
// routine. A signature-valid token missing a required claim is a
// misconfiguration and yields a distinct loud error per field.
func (s *Serializer) Decode(raw string) (*Claims, error) {
	s.checkStarted()

	token, err := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithTimeFunc(s.clock.Now),
	).Parse(raw, func(*jwtlib.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, nil
	}

	payload, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errors.New("error extracting claims from token")
	}
	return claimsFromPayload(payload)
}

func claimsFromPayload(payload jwtlib.MapClaims) (*Claims, error) {
	id, ok := payload["jti"].(string)
	if !ok || id == "" {
		return nil, errors.New("token id hasn't been found")
	}
	sub, ok := payload["sub"].(string)
	if !ok || sub == "" {
		return nil, errors.New("token subject hasn't been found")
	}
	iat, ok := payload["iat"].(float64)
	if !ok {
		return nil, errors.New("token issued at date hasn't been found")
	}
	exp, ok := payload["exp"].(float64)
	if !ok {
		return nil, errors.New("token expiration date hasn't been found")
	}

	claims := &Claims{
		ID:        id,
		Subject:   sub,
		IssuedAt:  time.Unix(int64(iat), 0).UTC(),
		ExpiresAt: time.Unix(int64(exp), 0).UTC(),
	}
	for key, value := range payload {
		switch key {
		case "jti", "sub", "iat", "exp":
			continue
		}
		if str, ok := value.(string); ok {
			claims.SetProperty(key, str)
		}
	}
	return claims, nil
}

// Refresh re-signs claims with a new expiry, preserving id, subject,
// issued-at and every custom property.
func (s *Serializer) Refresh(claims *Claims, lifetime time.Duration) (string, error) {
	s.checkStarted()

	refreshed := &Claims{
		ID:        claims.ID,
		Subject:   claims.Subject,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: s.clock.Now().Add(lifetime),
	}
	for key, value := range claims.Properties {
		refreshed.SetProperty(key, value)
	}
	return s.Encode(refreshed)
}
