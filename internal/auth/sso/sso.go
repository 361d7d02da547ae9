// Package sso authenticates requests from a trusted reverse proxy that
// asserts the user identity through HTTP headers.
package sso

import (
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/identity"
	"github.com/smallbiznis/gatekeeper/internal/auth/jwt"
	"github.com/smallbiznis/gatekeeper/internal/auth/registrar"
	"github.com/smallbiznis/gatekeeper/internal/auth/session"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProviderKey tags users materialized from proxy headers.
const ProviderKey = "sso"

var Module = fx.Module("auth.sso",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Users     userdomain.Repository
	Registrar *registrar.Registrar
	Sessions  *session.Handler
	Recorder  event.Recorder
	Clock     clock.Clock
	Log       *zap.Logger
	Cfg       config.Config
}

// Authenticator reads the proxy-asserted identity headers and keeps the
// local account in sync, re-registering at most once per refresh
// interval per session.
type Authenticator struct {
	db        *gorm.DB
	users     userdomain.Repository
	registrar *registrar.Registrar
	sessions  *session.Handler
	recorder  event.Recorder
	clock     clock.Clock
	log       *zap.Logger

	enabled         bool
	loginHeader     string
	nameHeader      string
	emailHeader     string
	groupsHeader    string
	refreshInterval time.Duration
}

func New(p Params) *Authenticator {
	return &Authenticator{
		db:        p.DB,
		users:     p.Users,
		registrar: p.Registrar,
		sessions:  p.Sessions,
		recorder:  p.Recorder,
		clock:     p.Clock,
		log:       p.Log.Named("auth.sso"),

		enabled:         p.Cfg.SSOEnabled,
		loginHeader:     p.Cfg.SSOLoginHeader,
		nameHeader:      p.Cfg.SSONameHeader,
		emailHeader:     p.Cfg.SSOEmailHeader,
		groupsHeader:    p.Cfg.SSOGroupsHeader,
		refreshInterval: p.Cfg.SSORefreshInterval,
	}
}

// Authenticate returns (nil, nil) when SSO is disabled or no login
// header is present: not a failure, the next strategy gets its turn.
func (a *Authenticator) Authenticate(c *gin.Context) (*userdomain.User, error) {
	if !a.enabled {
		return nil, nil
	}
	login := strings.TrimSpace(c.GetHeader(a.loginHeader))
	if login == "" {
		return nil, nil
	}

	if user := a.throttled(c, login); user != nil {
		return user, nil
	}

	if !identity.ValidateLogin(login) {
		return nil, event.NewAuthenticationError(event.SSO(), login,
			fmt.Sprintf("Login '%s' does not match the allowed login format", login)).
			WithPublicMessage("Login should contain only letters, numbers, and .-_@")
	}

	id := a.identityOf(c, login)
	user, err := a.registrar.Register(c.Request.Context(), id, a.provider(), event.SSO(),
		registrar.EmailStrategyAllow, registrar.UpdateLoginAllow)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	extra := map[string]string{
		jwt.SSOLastRefreshProperty: strconv.FormatInt(now.Unix(), 10),
	}
	if err := a.sessions.CreateSession(c, user, extra); err != nil {
		return nil, err
	}

	a.recorder.LoginSuccess(c.Request.Context(), user.Login, event.SSO())
	return user, nil
}

// throttled returns the session's user when the current token already
// names the asserted login and its refresh marker is fresh enough. A
// stale, mismatching or invalid token forces a re-registration.
func (a *Authenticator) throttled(c *gin.Context, login string) *userdomain.User {
	claims, err := a.sessions.ReadClaims(c)
	if err != nil || claims == nil {
		return nil
	}

	raw := claims.Property(jwt.SSOLastRefreshProperty)
	if raw == "" {
		return nil
	}
	lastRefresh, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	if a.clock.Now().Unix()-lastRefresh >= int64(a.refreshInterval.Seconds()) {
		return nil
	}

	id, err := snowflake.ParseString(claims.Subject)
	if err != nil {
		return nil
	}
	user, err := a.users.FindByID(c.Request.Context(), a.db, id)
	if errors.Is(err, userdomain.ErrUserNotFound) {
		return nil
	}
	if err != nil || !user.Active || user.Login != login {
		return nil
	}
	return user
}

func (a *Authenticator) identityOf(c *gin.Context, login string) identity.UserIdentity {
	name := strings.TrimSpace(c.GetHeader(a.nameHeader))
	if name == "" {
		name = login
	}

	id := identity.UserIdentity{
		ProviderLogin: login,
		Login:         login,
		Name:          name,
		Email:         strings.TrimSpace(c.GetHeader(a.emailHeader)),
	}

	// An absent groups header leaves memberships untouched; a present
	// but empty one removes every synced membership. The two must not
	// be conflated, so presence is checked on the raw header map.
	values, present := c.Request.Header[textproto.CanonicalMIMEHeaderKey(a.groupsHeader)]
	if present {
		id.ShouldSyncGroups = true
		id.Groups = splitGroups(values)
	}
	return id
}

func splitGroups(values []string) []string {
	groups := []string{}
	for _, value := range values {
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				groups = append(groups, name)
			}
		}
	}
	return groups
}

func (a *Authenticator) provider() identity.Provider {
	return identity.Provider{
		Key:          ProviderKey,
		Name:         "SSO",
		Enabled:      true,
		AllowsSignUp: true,
		Kind:         identity.KindBase,
	}
}
