// Package realm adapts a pluggable external directory (authenticator,
// user details, optional groups) into the common authentication flow.
package realm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/identity"
	"github.com/smallbiznis/gatekeeper/internal/auth/registrar"
	"github.com/smallbiznis/gatekeeper/internal/config"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("auth.realm",
	fx.Provide(New),
	fx.Invoke(startRealm),
)

// startRealm fails the application start when a realm is named in the
// configuration but its collaborators are not wired in.
func startRealm(lc fx.Lifecycle, r *Realm, cfg config.Config) {
	if cfg.RealmName == "" {
		return
	}
	lc.Append(fx.Hook{OnStart: func(context.Context) error { return r.Start() }})
}

// Authenticator checks a login/password pair against the external
// directory. A false return and an error are both authentication
// failures; neither is retried.
type Authenticator interface {
	Authenticate(ctx context.Context, login, password string) (bool, error)
}

// UserDetails is what the directory knows about a user.
type UserDetails struct {
	Name  string
	Email string
}

// UsersProvider fetches directory user details after a successful
// authentication. A nil result is a failure, not an empty user.
type UsersProvider interface {
	UserDetails(ctx context.Context, login string) (*UserDetails, error)
}

// GroupsProvider optionally lists directory group names for a user.
type GroupsProvider interface {
	Groups(ctx context.Context, login string) ([]string, error)
}

type Params struct {
	fx.In

	Authenticator Authenticator  `optional:"true"`
	Users         UsersProvider  `optional:"true"`
	Groups        GroupsProvider `optional:"true"`
	Registrar     *registrar.Registrar
	Recorder      event.Recorder
	Log           *zap.Logger
	Cfg           config.Config
}

// Realm delegates authentication to the configured external directory
// and materializes the result through the registrar.
type Realm struct {
	authenticator Authenticator
	users         UsersProvider
	groups        GroupsProvider
	registrar     *registrar.Registrar
	recorder      event.Recorder
	log           *zap.Logger

	name     string
	downcase bool
}

func New(p Params) *Realm {
	return &Realm{
		authenticator: p.Authenticator,
		users:         p.Users,
		groups:        p.Groups,
		registrar:     p.Registrar,
		recorder:      p.Recorder,
		log:           p.Log.Named("auth.realm"),
		name:          p.Cfg.RealmName,
		downcase:      p.Cfg.DowncaseLogin,
	}
}

// Name returns the configured realm name.
func (r *Realm) Name() string { return r.name }

// Enabled reports whether a usable directory is wired in.
func (r *Realm) Enabled() bool {
	return r.authenticator != nil && r.users != nil
}

// Start fails fast on a deployment missing either mandatory
// collaborator. Routine failures never come through here.
func (r *Realm) Start() error {
	if r.authenticator == nil {
		return errors.New("realm: no authenticator configured")
	}
	if r.users == nil {
		return errors.New("realm: no users provider configured")
	}
	r.log.Info("realm started", zap.String("realm", r.name), zap.Bool("groups_sync", r.groups != nil))
	return nil
}

// Authenticate checks login/password against the directory, then
// registers or refreshes the matching local user.
func (r *Realm) Authenticate(ctx context.Context, login, password string, method event.Method) (*userdomain.User, error) {
	source := event.Realm(method, r.name)

	ok, err := r.authenticator.Authenticate(ctx, login, password)
	if err != nil {
		return nil, event.NewAuthenticationError(source, login, fmt.Sprintf("Realm returned an error: %v", err))
	}
	if !ok {
		return nil, event.NewAuthenticationError(source, login, "Realm returned authenticate=false")
	}

	details, err := r.users.UserDetails(ctx, login)
	if err != nil {
		return nil, event.NewAuthenticationError(source, login, fmt.Sprintf("Unable to retrieve user details: %v", err))
	}
	if details == nil {
		return nil, event.NewAuthenticationError(source, login, "No user details")
	}

	id, err := r.identityOf(ctx, login, details)
	if err != nil {
		return nil, event.NewAuthenticationError(source, login, fmt.Sprintf("Unable to retrieve groups: %v", err))
	}
	user, err := r.registrar.Register(ctx, id, r.provider(), source, registrar.EmailStrategyForbid, registrar.UpdateLoginAllow)
	if err != nil {
		return nil, err
	}

	r.recorder.LoginSuccess(ctx, user.Login, source)
	return user, nil
}

func (r *Realm) identityOf(ctx context.Context, login string, details *UserDetails) (identity.UserIdentity, error) {
	name := details.Name
	if name == "" {
		name = login
	}
	if r.downcase {
		login = strings.ToLower(login)
	}

	id := identity.UserIdentity{
		ProviderLogin: login,
		Login:         login,
		Name:          name,
		Email:         details.Email,
	}
	if r.groups != nil {
		groups, err := r.groups.Groups(ctx, login)
		if err != nil {
			return identity.UserIdentity{}, err
		}
		id.Groups = groups
		id.ShouldSyncGroups = true
	}
	return id, nil
}

func (r *Realm) provider() identity.Provider {
	return identity.Provider{
		Key:          r.name,
		Name:         r.name,
		Enabled:      true,
		AllowsSignUp: true,
		Kind:         identity.KindBase,
	}
}
