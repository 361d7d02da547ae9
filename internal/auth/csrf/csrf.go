// Package csrf issues and verifies the anti-forgery state paired with
// a session. The state lives inside the signed session token, so
// verification is a pure string comparison against the echoed header.
package csrf

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
)

const (
	// CookieName is readable by client script so the value can be
	// echoed back in HeaderName.
	CookieName = "XSRF-TOKEN"
	HeaderName = "X-XSRF-TOKEN"
)

var Module = fx.Module("auth.csrf",
	fx.Provide(NewGuard),
)

// Guard manages the XSRF-TOKEN cookie and checks mutating API
// requests against the state embedded in the session.
type Guard struct {
	apiPrefix string
	secure    bool
}

func NewGuard(cfg config.Config) *Guard {
	return &Guard{
		apiPrefix: cfg.APIPrefix,
		secure:    cfg.AuthCookieSecure,
	}
}

// GenerateState issues a fresh anti-forgery token and sets its cookie
// with the given lifetime in seconds.
func (g *Guard) GenerateState(c *gin.Context, timeoutSeconds int) string {
	state := uuid.NewString()
	g.setCookie(c, state, timeoutSeconds)
	return state
}

// VerifyState checks a request against the reference token taken from
// the session. Safe methods and non-API paths always pass. For unsafe
// methods on API paths, the header token must equal the reference.
func (g *Guard) VerifyState(c *gin.Context, reference, login string) error {
	if !g.shouldVerify(c) {
		return nil
	}
	supplied := c.GetHeader(HeaderName)
	if reference == "" || supplied != reference {
		return event.NewAuthenticationError(event.JWT(), login, "wrong CSRF in request").
			WithPublicMessage("Request forbidden")
	}
	return nil
}

// RefreshState re-issues the cookie for an existing state, mirroring
// GenerateState's cookie attributes.
func (g *Guard) RefreshState(c *gin.Context, state string, timeoutSeconds int) {
	g.setCookie(c, state, timeoutSeconds)
}

// RemoveState clears the cookie.
func (g *Guard) RemoveState(c *gin.Context) {
	g.setCookie(c, "", -1)
}

func (g *Guard) shouldVerify(c *gin.Context) bool {
	switch c.Request.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return strings.HasPrefix(c.Request.URL.Path, g.apiPrefix)
}

func (g *Guard) setCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	// Not httpOnly: the SPA reads it to echo the header back.
	c.SetCookie(CookieName, value, maxAge, "/", "", RequestIsSecure(c, g.secure), false)
}

// RequestIsSecure reports whether cookies for this request should
// carry the Secure flag, honoring TLS termination at a proxy.
func RequestIsSecure(c *gin.Context, configured bool) bool {
	if configured {
		return true
	}
	if c.Request.TLS != nil {
		return true
	}
	return strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https")
}
