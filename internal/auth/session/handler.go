// Package session orchestrates the signed session token against the
// HTTP boundary: issue on login, validate and refresh per request,
// clear on logout.
package session

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/auth/csrf"
	"github.com/smallbiznis/gatekeeper/internal/auth/jwt"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CookieName carries the encoded session token.
const CookieName = "JWT-SESSION"

// Tokens are only re-signed once the last refresh is older than this,
// bounding signature work without letting the expiry extension go
// stale.
const refreshThreshold = 5 * time.Minute

var Module = fx.Module("auth.session",
	fx.Provide(NewHandler),
)

// Handler drives the session token lifecycle.
type Handler struct {
	serializer *jwt.Serializer
	guard      *csrf.Guard
	users      userdomain.Repository
	db         *gorm.DB
	clock      clock.Clock
	log        *zap.Logger

	timeout time.Duration
	secure  bool
}

func NewHandler(
	serializer *jwt.Serializer,
	guard *csrf.Guard,
	users userdomain.Repository,
	db *gorm.DB,
	clk clock.Clock,
	cfg config.Config,
	log *zap.Logger,
) *Handler {
	return &Handler{
		serializer: serializer,
		guard:      guard,
		users:      users,
		db:         db,
		clock:      clk,
		log:        log.Named("auth.session"),
		timeout:    cfg.SessionTimeout,
		secure:     cfg.AuthCookieSecure,
	}
}

// CreateSession issues a fresh token for user, embedding a new CSRF
// state plus any extra properties, and sets the session cookie.
func (h *Handler) CreateSession(c *gin.Context, user *userdomain.User, extra map[string]string) error {
	now := h.clock.Now()
	state := h.guard.GenerateState(c, int(h.timeout.Seconds()))

	claims := &jwt.Claims{
		Subject:   user.ID.String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(h.timeout),
	}
	claims.SetProperty(jwt.LastRefreshProperty, strconv.FormatInt(now.Unix(), 10))
	claims.SetProperty(jwt.CSRFProperty, state)
	for key, value := range extra {
		claims.SetProperty(key, value)
	}

	encoded, err := h.serializer.Encode(claims)
	if err != nil {
		return err
	}
	h.setCookie(c, encoded, int(h.timeout.Seconds()))
	return nil
}

// ValidateSession authenticates the request from its session cookie.
// No cookie or an empty value is the cheap no-session fast path. A
// routinely invalid token clears the cookies and reports no session.
// A valid token may be transparently re-signed with an extended
// expiry, and has its CSRF state checked when one is embedded.
func (h *Handler) ValidateSession(c *gin.Context) (*userdomain.User, *jwt.Claims, error) {
	raw, err := c.Cookie(CookieName)
	if err != nil || raw == "" {
		return nil, nil, nil
	}

	claims, err := h.serializer.Decode(raw)
	if err != nil {
		return nil, nil, err
	}
	if claims == nil {
		h.RemoveSession(c)
		return nil, nil, nil
	}

	if state := claims.Property(jwt.CSRFProperty); state != "" {
		if err := h.guard.VerifyState(c, state, claims.Subject); err != nil {
			return nil, nil, err
		}
	}

	user, err := h.userOf(c, claims)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		return nil, nil, nil
	}

	if h.shouldRefresh(claims) {
		if err := h.refresh(c, claims); err != nil {
			return nil, nil, err
		}
	}

	return user, claims, nil
}

// ReadClaims decodes the session cookie without resolving the user.
// Used by the SSO authenticator to inspect the refresh marker.
func (h *Handler) ReadClaims(c *gin.Context) (*jwt.Claims, error) {
	raw, err := c.Cookie(CookieName)
	if err != nil || raw == "" {
		return nil, nil
	}
	return h.serializer.Decode(raw)
}

// RemoveSession clears the session and CSRF cookies.
func (h *Handler) RemoveSession(c *gin.Context) {
	h.setCookie(c, "", -1)
	h.guard.RemoveState(c)
}

func (h *Handler) userOf(c *gin.Context, claims *jwt.Claims) (*userdomain.User, error) {
	id, err := snowflake.ParseString(claims.Subject)
	if err != nil {
		return nil, nil
	}
	user, err := h.users.FindByID(c.Request.Context(), h.db, id)
	if errors.Is(err, userdomain.ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		// Deactivation implicitly invalidates the session, no
		// revocation list needed.
		return nil, nil
	}
	return user, nil
}

func (h *Handler) shouldRefresh(claims *jwt.Claims) bool {
	raw := claims.Property(jwt.LastRefreshProperty)
	if raw == "" {
		return true
	}
	last, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return h.clock.Now().Sub(time.Unix(last, 0)) >= refreshThreshold
}

func (h *Handler) refresh(c *gin.Context, claims *jwt.Claims) error {
	claims.SetProperty(jwt.LastRefreshProperty, strconv.FormatInt(h.clock.Now().Unix(), 10))
	encoded, err := h.serializer.Refresh(claims, h.timeout)
	if err != nil {
		return err
	}
	h.setCookie(c, encoded, int(h.timeout.Seconds()))
	if state := claims.Property(jwt.CSRFProperty); state != "" {
		h.guard.RefreshState(c, state, int(h.timeout.Seconds()))
	}
	return nil
}

func (h *Handler) setCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, value, maxAge, "/", "", csrf.RequestIsSecure(c, h.secure), true)
}
