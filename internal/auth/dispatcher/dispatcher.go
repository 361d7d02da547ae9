// Package dispatcher tries every authentication strategy in a fixed
// order and exposes the result to HTTP handlers.
package dispatcher

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/auth/credentials"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/session"
	"github.com/smallbiznis/gatekeeper/internal/auth/sso"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"github.com/smallbiznis/gatekeeper/internal/usertoken"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ContextUserKey is where the middleware stores the authenticated user.
const ContextUserKey = "auth.user"

var Module = fx.Module("auth.dispatcher",
	fx.Provide(New),
)

type Params struct {
	fx.In

	SSO         *sso.Authenticator
	Sessions    *session.Handler
	Credentials *credentials.Authenticator
	Tokens      *usertoken.Service
	Recorder    event.Recorder
	Metrics     *metrics.AuthMetrics `optional:"true"`
	Log         *zap.Logger
	Cfg         config.Config
}

// Dispatcher applies SSO headers, then the session token, then HTTP
// Basic. The first strategy producing a user wins.
type Dispatcher struct {
	sso         *sso.Authenticator
	sessions    *session.Handler
	credentials *credentials.Authenticator
	tokens      *usertoken.Service
	recorder    event.Recorder
	metrics     *metrics.AuthMetrics
	log         *zap.Logger

	forceAuthentication bool
}

func New(p Params) *Dispatcher {
	return &Dispatcher{
		sso:                 p.SSO,
		sessions:            p.Sessions,
		credentials:         p.Credentials,
		tokens:              p.Tokens,
		recorder:            p.Recorder,
		metrics:             p.Metrics,
		log:                 p.Log.Named("auth.dispatcher"),
		forceAuthentication: p.Cfg.ForceAuthentication,
	}
}

// Authenticate returns the request's user, or (nil, nil) for an
// anonymous request when forced authentication is off.
func (d *Dispatcher) Authenticate(c *gin.Context) (*userdomain.User, error) {
	user, err := d.sso.Authenticate(c)
	if err != nil {
		return nil, d.failed(c, "sso", err)
	}
	if user != nil {
		d.metrics.RecordAttempt("sso", "success")
		return user, nil
	}

	user, _, err = d.sessions.ValidateSession(c)
	if err != nil {
		return nil, d.failed(c, "jwt", err)
	}
	if user != nil {
		d.metrics.RecordAttempt("jwt", "success")
		return user, nil
	}

	user, strategy, err := d.basic(c)
	if err != nil {
		return nil, d.failed(c, strategy, err)
	}
	if user != nil {
		d.metrics.RecordAttempt(strategy, "success")
		return user, nil
	}

	if d.forceAuthentication {
		return nil, d.failed(c, "none", event.NewAuthenticationError(
			event.Local(event.MethodBasic), "", "User must be authenticated"))
	}
	d.metrics.RecordAttempt("none", "anonymous")
	return nil, nil
}

// basic handles the Authorization header. A password-less pair,
// base64(token:), carries a personal access token in the login slot.
func (d *Dispatcher) basic(c *gin.Context) (*userdomain.User, string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return nil, "basic", nil
	}
	value, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return nil, "basic", nil
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, "basic", event.NewAuthenticationError(
			event.Local(event.MethodBasic), "", "Invalid basic header")
	}
	login, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return nil, "basic", event.NewAuthenticationError(
			event.Local(event.MethodBasic), "", "Invalid basic header")
	}

	ctx := c.Request.Context()
	if pass == "" {
		user, err := d.tokens.Authenticate(ctx, login)
		return user, "basic_token", err
	}
	user, err := d.credentials.Authenticate(ctx, login, pass, event.MethodBasic)
	return user, "basic", err
}

func (d *Dispatcher) failed(c *gin.Context, strategy string, err error) error {
	d.metrics.RecordAttempt(strategy, "failure")
	var authErr *event.AuthenticationError
	if errors.As(err, &authErr) {
		d.recorder.LoginFailure(c.Request.Context(), authErr)
	} else {
		d.log.Warn("authentication failed", zap.String("strategy", strategy), zap.Error(err))
	}
	return err
}

// Middleware resolves the request's user once and stores it in the gin
// context. Failures abort with the error; anonymous requests continue.
func (d *Dispatcher) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := d.Authenticate(c)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		if user != nil {
			c.Set(ContextUserKey, user)
		}
		c.Next()
	}
}

// UserFromContext returns the authenticated user stored by Middleware.
func UserFromContext(c *gin.Context) (*userdomain.User, bool) {
	value, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	user, ok := value.(*userdomain.User)
	return user, ok
}
