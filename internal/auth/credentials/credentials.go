// Package credentials validates login/password pairs against the local
// user store or, for non-local users, the configured external realm.
package credentials

import (
	"context"
	"errors"

	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/password"
	"github.com/smallbiznis/gatekeeper/internal/auth/realm"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("auth.credentials",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Users    userdomain.Repository
	Realm    *realm.Realm `optional:"true"`
	Recorder event.Recorder
	Log      *zap.Logger
}

// Authenticator dispatches a login/password pair by the user's local
// flag: local users are checked against the stored salted hash,
// everything else goes through the realm.
type Authenticator struct {
	db       *gorm.DB
	users    userdomain.Repository
	realm    *realm.Realm
	recorder event.Recorder
	log      *zap.Logger
}

func New(p Params) *Authenticator {
	return &Authenticator{
		db:       p.DB,
		users:    p.Users,
		realm:    p.Realm,
		recorder: p.Recorder,
		log:      p.Log.Named("auth.credentials"),
	}
}

// Authenticate validates login/password. Unknown, deactivated and
// non-local logins fall through to the realm when one is configured;
// a deactivated login is indistinguishable from an unknown one here.
func (a *Authenticator) Authenticate(ctx context.Context, login, pass string, method event.Method) (*userdomain.User, error) {
	source := event.Local(method)

	user, err := a.users.FindByLogin(ctx, a.db, login)
	if errors.Is(err, userdomain.ErrUserNotFound) {
		return a.delegate(ctx, login, pass, method, "No active user for login")
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return a.delegate(ctx, login, pass, method, "No active user for login")
	}
	if !user.Local {
		return a.delegate(ctx, login, pass, method, "User is not local")
	}

	// A local user missing either half of the credential pair is a
	// corrupted account; still reported as a routine failure.
	if user.CryptedPassword == nil {
		return nil, event.NewAuthenticationError(source, login, "null password in DB")
	}
	if user.Salt == nil {
		return nil, event.NewAuthenticationError(source, login, "null salt")
	}
	if !password.Verify(pass, *user.Salt, *user.CryptedPassword) {
		return nil, event.NewAuthenticationError(source, login, "wrong password")
	}

	a.recorder.LoginSuccess(ctx, user.Login, source)
	return user, nil
}

func (a *Authenticator) delegate(ctx context.Context, login, pass string, method event.Method, cause string) (*userdomain.User, error) {
	if a.realm == nil || !a.realm.Enabled() {
		return nil, event.NewAuthenticationError(event.Local(method), login,
			cause+" and no external authentication is configured")
	}
	return a.realm.Authenticate(ctx, login, pass, method)
}
