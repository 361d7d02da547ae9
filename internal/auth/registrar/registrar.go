// Package registrar materializes external identities into local user
// accounts: create-or-update, email conflict handling, login renames
// and group synchronization, all inside one transaction.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/identity"
	"github.com/smallbiznis/gatekeeper/internal/config"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"github.com/smallbiznis/gatekeeper/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("auth.registrar",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Users  userdomain.Repository
	Groups userdomain.GroupRepository
	Orgs   userdomain.OrganizationRepository
	GenID  *snowflake.Node
	Log    *zap.Logger
	Cfg    config.Config
}

// Registrar is the single entry point turning a provider-asserted
// identity into a persisted user.
type Registrar struct {
	db     *gorm.DB
	users  userdomain.Repository
	groups userdomain.GroupRepository
	orgs   userdomain.OrganizationRepository
	genID  *snowflake.Node
	log    *zap.Logger

	multiOrg bool
}

func New(p Params) *Registrar {
	return &Registrar{
		db:       p.DB,
		users:    p.Users,
		groups:   p.Groups,
		orgs:     p.Orgs,
		genID:    p.GenID,
		log:      p.Log.Named("auth.registrar"),
		multiOrg: p.Cfg.MultiOrgEnabled,
	}
}

// Register creates or updates the user matching id. Matching order:
// external id, then external login, then local login. Every mutation of
// one registration commits atomically; a duplicate-key error during
// insert means a concurrent request registered the same identity first,
// so the call retries once as an update.
func (r *Registrar) Register(
	ctx context.Context,
	id identity.UserIdentity,
	provider identity.Provider,
	source event.Source,
	emailStrategy ExistingEmailStrategy,
	loginStrategy UpdateLoginStrategy,
) (*userdomain.User, error) {
	if id.ProviderLogin == "" {
		return nil, errors.New("provider login cannot be empty")
	}

	var registered *userdomain.User
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := r.resolve(ctx, tx, id, provider)
		if err != nil {
			return err
		}

		if user == nil {
			user, err = r.create(ctx, tx, id, provider, source, emailStrategy)
			if db.IsDuplicateKeyErr(err) {
				// Someone else just created this user.
				user, err = r.resolve(ctx, tx, id, provider)
				if err != nil {
					return err
				}
				if user == nil {
					return fmt.Errorf("concurrent registration of '%s' left no matching user", id.ProviderLogin)
				}
				user, err = r.update(ctx, tx, user, id, provider, source, emailStrategy, loginStrategy)
			}
			if err != nil {
				return err
			}
		} else {
			user, err = r.update(ctx, tx, user, id, provider, source, emailStrategy, loginStrategy)
			if err != nil {
				return err
			}
		}

		if id.ShouldSyncGroups {
			if err := r.syncGroups(ctx, tx, user, id.Groups); err != nil {
				return err
			}
		}

		registered = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return registered, nil
}

func (r *Registrar) resolve(ctx context.Context, tx *gorm.DB, id identity.UserIdentity, provider identity.Provider) (*userdomain.User, error) {
	user, err := r.users.FindByExternalID(ctx, tx, externalIDOf(id), provider.Key)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, userdomain.ErrUserNotFound) {
		return nil, err
	}

	user, err = r.users.FindByExternalLogin(ctx, tx, id.ProviderLogin, provider.Key)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, userdomain.ErrUserNotFound) {
		return nil, err
	}

	if id.Login != "" {
		user, err = r.users.FindByLogin(ctx, tx, id.Login)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, userdomain.ErrUserNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (r *Registrar) create(
	ctx context.Context,
	tx *gorm.DB,
	id identity.UserIdentity,
	provider identity.Provider,
	source event.Source,
	emailStrategy ExistingEmailStrategy,
) (*userdomain.User, error) {
	if !provider.AllowsSignUp {
		return nil, event.NewAuthenticationError(source, id.ProviderLogin,
			fmt.Sprintf("User signup disabled for provider '%s'", provider.Key)).
			WithPublicMessage(fmt.Sprintf("'%s' users are not allowed to sign up", provider.Key))
	}

	login := id.Login
	if login == "" {
		generated, err := r.generateLogin(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		login = generated
	} else if !identity.ValidateLogin(login) {
		return nil, fmt.Errorf("login '%s' is not valid", login)
	}

	if err := r.checkEmail(ctx, tx, nil, id, provider, source, emailStrategy); err != nil {
		return nil, err
	}

	name := id.Name
	if name == "" {
		name = id.ProviderLogin
	}

	user := &userdomain.User{
		ID:               r.genID.Generate(),
		Login:            login,
		Name:             name,
		Active:           true,
		Local:            false,
		ExternalID:       ptr(externalIDOf(id)),
		ExternalLogin:    ptr(id.ProviderLogin),
		ExternalProvider: ptr(provider.Key),
	}
	if id.Email != "" {
		user.Email = ptr(id.Email)
	}
	if err := r.users.Create(ctx, tx, user); err != nil {
		return nil, err
	}
	r.log.Info("registered external user",
		zap.String("login", user.Login),
		zap.String("provider", provider.Key),
	)

	if err := r.joinDefaultGroup(ctx, tx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Registrar) update(
	ctx context.Context,
	tx *gorm.DB,
	user *userdomain.User,
	id identity.UserIdentity,
	provider identity.Provider,
	source event.Source,
	emailStrategy ExistingEmailStrategy,
	loginStrategy UpdateLoginStrategy,
) (*userdomain.User, error) {
	if id.Login != "" && id.Login != user.Login {
		if err := r.renameLogin(ctx, tx, user, id.Login, provider, loginStrategy); err != nil {
			return nil, err
		}
	}

	if err := r.checkEmail(ctx, tx, user, id, provider, source, emailStrategy); err != nil {
		return nil, err
	}
	if id.Email != "" {
		user.Email = ptr(id.Email)
	}
	if id.Name != "" {
		user.Name = id.Name
	}
	user.Active = true
	user.Local = false
	user.ExternalID = ptr(externalIDOf(id))
	user.ExternalLogin = ptr(id.ProviderLogin)
	user.ExternalProvider = ptr(provider.Key)

	if err := r.users.Update(ctx, tx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Registrar) renameLogin(
	ctx context.Context,
	tx *gorm.DB,
	user *userdomain.User,
	newLogin string,
	provider identity.Provider,
	strategy UpdateLoginStrategy,
) error {
	if !identity.ValidateLogin(newLogin) {
		return fmt.Errorf("login '%s' is not valid", newLogin)
	}

	var personalOrg *userdomain.Organization
	if user.PersonalOrgID != nil {
		org, err := r.orgs.FindByID(ctx, tx, *user.PersonalOrgID)
		if err != nil && !errors.Is(err, userdomain.ErrOrganizationNotFound) {
			return err
		}
		personalOrg = org
	}

	switch strategy {
	case UpdateLoginWarn:
		if personalOrg != nil {
			return &LoginConflictError{
				OldLogin:        user.Login,
				NewLogin:        newLogin,
				OrganizationKey: personalOrg.Key,
				Provider:        provider.Key,
			}
		}
	case UpdateLoginAllow:
		if personalOrg != nil {
			personalOrg.Key = slug.Make(newLogin)
			if err := r.orgs.Update(ctx, tx, personalOrg); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown update-login strategy %q", strategy)
	}

	user.Login = newLogin
	return nil
}

// checkEmail applies the existing-email strategy. current is nil on the
// signup path. An email equal to the user's stored one never collides.
func (r *Registrar) checkEmail(
	ctx context.Context,
	tx *gorm.DB,
	current *userdomain.User,
	id identity.UserIdentity,
	provider identity.Provider,
	source event.Source,
	strategy ExistingEmailStrategy,
) error {
	if id.Email == "" {
		return nil
	}
	if current != nil && current.Email != nil && *current.Email == id.Email {
		return nil
	}

	others, err := r.users.FindActiveByEmail(ctx, tx, id.Email)
	if err != nil {
		return err
	}
	var conflicting []*userdomain.User
	for _, other := range others {
		if current != nil && other.ID == current.ID {
			continue
		}
		conflicting = append(conflicting, other)
	}
	if len(conflicting) == 0 {
		return nil
	}

	switch strategy {
	case EmailStrategyForbid:
		msg := fmt.Sprintf("You can't sign up because email '%s' is already used by an existing user. "+
			"This means that you probably already registered with another account.", id.Email)
		return event.NewAuthenticationError(source, id.ProviderLogin, msg).WithPublicMessage(msg)
	case EmailStrategyWarn:
		return &EmailConflictError{
			Email:         id.Email,
			ExistingLogin: conflicting[0].Login,
			Provider:      provider.Key,
		}
	case EmailStrategyAllow:
		for _, other := range conflicting {
			other.Email = nil
			if err := r.users.Update(ctx, tx, other); err != nil {
				return err
			}
			r.log.Info("moved email to incoming identity",
				zap.String("email", id.Email),
				zap.String("from_login", other.Login),
			)
		}
		return nil
	default:
		return fmt.Errorf("unknown existing-email strategy %q", strategy)
	}
}

// generateLogin derives a unique synthetic login from the display name:
// its slug plus a random numeric suffix.
func (r *Registrar) generateLogin(ctx context.Context, tx *gorm.DB, id identity.UserIdentity) (string, error) {
	base := slug.Make(id.Name)
	if base == "" {
		base = slug.Make(id.ProviderLogin)
	}
	if base == "" {
		base = "user"
	}

	for attempt := 0; attempt < 10; attempt++ {
		candidate := fmt.Sprintf("%s-%05d", base, rand.Intn(100_000))
		_, err := r.users.FindByLogin(ctx, tx, candidate)
		if errors.Is(err, userdomain.ErrUserNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("could not generate a unique login for '%s'", id.ProviderLogin)
}

func (r *Registrar) joinDefaultGroup(ctx context.Context, tx *gorm.DB, user *userdomain.User) error {
	org, err := r.orgs.Default(ctx, tx)
	if err != nil {
		return err
	}
	if org.DefaultGroupID == nil {
		return nil
	}
	return r.groups.AddMember(ctx, tx, *org.DefaultGroupID, user.ID)
}

// syncGroups reconciles the user's memberships in the default
// organization against names. Same-named groups in other organizations
// are out of scope and never touched; names with no matching group in
// the default organization are ignored.
func (r *Registrar) syncGroups(ctx context.Context, tx *gorm.DB, user *userdomain.User, names []string) error {
	org, err := r.orgs.Default(ctx, tx)
	if err != nil {
		return err
	}

	target := make(map[snowflake.ID]struct{}, len(names))
	for _, name := range names {
		group, err := r.groups.FindByName(ctx, tx, org.ID, name)
		if errors.Is(err, userdomain.ErrGroupNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		target[group.ID] = struct{}{}
	}
	// Single-organization deployments keep everyone in the default
	// group regardless of what the directory says.
	if !r.multiOrg && org.DefaultGroupID != nil {
		target[*org.DefaultGroupID] = struct{}{}
	}

	current, err := r.groups.GroupsOfUser(ctx, tx, user.ID, org.ID)
	if err != nil {
		return err
	}
	member := make(map[snowflake.ID]struct{}, len(current))
	for _, group := range current {
		member[group.ID] = struct{}{}
	}

	for groupID := range target {
		if _, ok := member[groupID]; ok {
			continue
		}
		if err := r.groups.AddMember(ctx, tx, groupID, user.ID); err != nil {
			return err
		}
	}
	for _, group := range current {
		if _, ok := target[group.ID]; ok {
			continue
		}
		if err := r.groups.RemoveMember(ctx, tx, group.ID, user.ID); err != nil {
			return err
		}
	}
	return nil
}

func externalIDOf(id identity.UserIdentity) string {
	if id.ProviderID != "" {
		return id.ProviderID
	}
	return id.ProviderLogin
}

func ptr[T any](v T) *T { return &v }
