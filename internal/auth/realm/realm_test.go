package realm

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/registrar"
	"github.com/smallbiznis/gatekeeper/internal/config"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	userrepo "github.com/smallbiznis/gatekeeper/internal/user/repository"
	"github.com/smallbiznis/gatekeeper/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeAuthenticator struct {
	ok  bool
	err error
}

func (f *fakeAuthenticator) Authenticate(context.Context, string, string) (bool, error) {
	return f.ok, f.err
}

type fakeUsers struct {
	details *UserDetails
	err     error
}

func (f *fakeUsers) UserDetails(context.Context, string) (*UserDetails, error) {
	return f.details, f.err
}

type fakeGroups struct {
	groups []string
	err    error
}

func (f *fakeGroups) Groups(context.Context, string) ([]string, error) {
	return f.groups, f.err
}

type fakeRecorder struct {
	successes []string
	failures  []*event.AuthenticationError
}

func (f *fakeRecorder) LoginSuccess(_ context.Context, login string, _ event.Source) {
	f.successes = append(f.successes, login)
}

func (f *fakeRecorder) LoginFailure(_ context.Context, err *event.AuthenticationError) {
	f.failures = append(f.failures, err)
}

type fixture struct {
	db       *gorm.DB
	users    userdomain.Repository
	recorder *fakeRecorder
	params   Params
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbConn.AutoMigrate(
		&userdomain.User{},
		&userdomain.Organization{},
		&userdomain.Group{},
		&userdomain.GroupMembership{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	users, groups, orgs := userrepo.New()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}

	ctx := context.Background()
	org := &userdomain.Organization{ID: node.Generate(), Key: "default", Name: "Default", IsDefault: true}
	if err := orgs.Create(ctx, dbConn, org); err != nil {
		t.Fatalf("failed to create default org: %v", err)
	}
	defaultGroup := &userdomain.Group{ID: node.Generate(), OrganizationID: org.ID, Name: "users"}
	if err := groups.Create(ctx, dbConn, defaultGroup); err != nil {
		t.Fatalf("failed to create default group: %v", err)
	}
	org.DefaultGroupID = &defaultGroup.ID
	if err := orgs.Update(ctx, dbConn, org); err != nil {
		t.Fatalf("failed to set default group: %v", err)
	}
	dev := &userdomain.Group{ID: node.Generate(), OrganizationID: org.ID, Name: "dev"}
	if err := groups.Create(ctx, dbConn, dev); err != nil {
		t.Fatalf("failed to create dev group: %v", err)
	}

	reg := registrar.New(registrar.Params{
		DB:     dbConn,
		Users:  users,
		Groups: groups,
		Orgs:   orgs,
		GenID:  node,
		Log:    zap.NewNop(),
		Cfg:    cfg,
	})

	rec := &fakeRecorder{}
	return &fixture{
		db:       dbConn,
		users:    users,
		recorder: rec,
		params: Params{
			Registrar: reg,
			Recorder:  rec,
			Log:       zap.NewNop(),
			Cfg:       cfg,
		},
	}
}

func ldapConfig() config.Config {
	return config.Config{RealmName: "LDAP"}
}

func TestStartFailsWithoutAuthenticator(t *testing.T) {
	f := newFixture(t, ldapConfig())
	f.params.Users = &fakeUsers{}
	if err := New(f.params).Start(); err == nil {
		t.Fatal("expected start to fail without an authenticator")
	}
}

func TestStartFailsWithoutUsersProvider(t *testing.T) {
	f := newFixture(t, ldapConfig())
	f.params.Authenticator = &fakeAuthenticator{ok: true}
	if err := New(f.params).Start(); err == nil {
		t.Fatal("expected start to fail without a users provider")
	}
}

func TestStartSucceedsFullyConfigured(t *testing.T) {
	f := newFixture(t, ldapConfig())
	f.params.Authenticator = &fakeAuthenticator{ok: true}
	f.params.Users = &fakeUsers{details: &UserDetails{}}
	if err := New(f.params).Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

func TestAuthenticateRegistersUser(t *testing.T) {
	f := newFixture(t, ldapConfig())
	f.params.Authenticator = &fakeAuthenticator{ok: true}
	f.params.Users = &fakeUsers{details: &UserDetails{Name: "John Doe", Email: "john@email.com"}}

	user, err := New(f.params).Authenticate(context.Background(), "john", "secret", event.MethodBasic)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if user.Login != "john" || user.Name != "John Doe" {
		t.Fatalf("unexpected user %+v", user)
	}
	if user.Local {
		t.Fatal("realm users must not be local")
	}
	if user.ExternalProvider == nil || *user.ExternalProvider != "LDAP" {
		t.Fatalf("unexpected external provider %v", user.ExternalProvider)
	}
	if len(f.recorder.successes) != 1 || f.recorder.successes[0] != "john" {
		t.Fatalf("expected one login success for john, got %v", f.recorder.successes)
	}
}

func TestAuthenticateRejectedByRealm(t *testing.T) {
	f := newFixture(t, ldapConfig())
	f.params.Authenticator = &fakeAuthenticator{ok: false}
	f.params.Users = &fakeUsers{details: &UserDetails{}}

	_, err := New(f.params).Authenticate(context.Background(), "john", "secret", event.MethodBasic)

	var authErr *event.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if authErr.Message != "Realm returned authenticate=false" {
		t.Fatalf("unexpected message %q", authErr.Message)
	}
	if authErr.Source.Provider != event.ProviderRealm || authErr.Source.ProviderName != "LDAP" {
		t.Fatalf("unexpected source %+v", authErr.Source)
	}
	if authErr.Login != "john" {
		t.Fatalf("unexpected login %q", authErr.Login)
	}
}

func TestAuthenticateRealmError(t *testing.T) {
	f := newFixture(t, ldapConfig())
	f.params.Authenticator = &fakeAuthenticator{err: errors.New("connection refused")}
	f.params.Users = &fakeUsers{details: &UserDetails{}}

	var authErr *event.AuthenticationError
	_, err := New(f.params).Authenticate(context.Background(), "john", "secret", event.MethodBasic)
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestAuthenticateNoUserDetails(t *testing.T) {
	f := newFixture(t, ldapConfig())
	f.params.Authenticator = &fakeAuthenticator{ok: true}
	f.params.Users = &fakeUsers{details: nil}

	var authErr *event.AuthenticationError
	_, err := New(f.params).Authenticate(context.Background(), "john", "secret", event.MethodBasic)
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if authErr.Message != "No user details" {
		t.Fatalf("unexpected message %q", authErr.Message)
	}
}

func TestAuthenticateDowncasesLogin(t *testing.T) {
	cfg := ldapConfig()
	cfg.DowncaseLogin = true
	f := newFixture(t, cfg)
	f.params.Authenticator = &fakeAuthenticator{ok: true}
	f.params.Users = &fakeUsers{details: &UserDetails{Name: "John Doe"}}

	user, err := New(f.params).Authenticate(context.Background(), "John", "secret", event.MethodBasic)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if user.Login != "john" {
		t.Fatalf("login must be downcased, got %q", user.Login)
	}
	if user.ExternalLogin == nil || *user.ExternalLogin != "john" {
		t.Fatalf("provider login must be downcased too, got %v", user.ExternalLogin)
	}
}

func TestAuthenticateNameFallsBackToLogin(t *testing.T) {
	f := newFixture(t, ldapConfig())
	f.params.Authenticator = &fakeAuthenticator{ok: true}
	f.params.Users = &fakeUsers{details: &UserDetails{}}

	user, err := New(f.params).Authenticate(context.Background(), "john", "secret", event.MethodBasic)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if user.Name != "john" {
		t.Fatalf("name must fall back to login, got %q", user.Name)
	}
}

func TestAuthenticateSyncsGroups(t *testing.T) {
	f := newFixture(t, ldapConfig())
	f.params.Authenticator = &fakeAuthenticator{ok: true}
	f.params.Users = &fakeUsers{details: &UserDetails{Name: "John Doe"}}
	f.params.Groups = &fakeGroups{groups: []string{"dev"}}

	user, err := New(f.params).Authenticate(context.Background(), "john", "secret", event.MethodBasic)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}

	var count int64
	if err := f.db.Table("group_memberships").
		Joins("JOIN groups ON groups.id = group_memberships.group_id").
		Where("group_memberships.user_id = ? AND groups.name = ?", user.ID, "dev").
		Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatal("expected dev membership after realm group sync")
	}
}

func TestAuthenticateGroupProviderFailure(t *testing.T) {
	f := newFixture(t, ldapConfig())
	f.params.Authenticator = &fakeAuthenticator{ok: true}
	f.params.Users = &fakeUsers{details: &UserDetails{Name: "John Doe"}}
	f.params.Groups = &fakeGroups{err: errors.New("directory down")}

	var authErr *event.AuthenticationError
	_, err := New(f.params).Authenticate(context.Background(), "john", "secret", event.MethodBasic)
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}
