package sso

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/auth/csrf"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/jwt"
	"github.com/smallbiznis/gatekeeper/internal/auth/registrar"
	"github.com/smallbiznis/gatekeeper/internal/auth/session"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/settings"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	userrepo "github.com/smallbiznis/gatekeeper/internal/user/repository"
	"github.com/smallbiznis/gatekeeper/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeRecorder struct {
	successes []string
}

func (f *fakeRecorder) LoginSuccess(_ context.Context, login string, _ event.Source) {
	f.successes = append(f.successes, login)
}

func (f *fakeRecorder) LoginFailure(context.Context, *event.AuthenticationError) {}

type fixture struct {
	db         *gorm.DB
	auth       *Authenticator
	serializer *jwt.Serializer
	clock      *clock.FakeClock
	users      userdomain.Repository
	groups     userdomain.GroupRepository
	recorder   *fakeRecorder
	defaultOrg *userdomain.Organization
	node       *snowflake.Node
}

func ssoConfig() config.Config {
	return config.Config{
		APIPrefix:          "/api",
		SessionTimeout:     3 * 24 * time.Hour,
		SSOEnabled:         true,
		SSOLoginHeader:     config.DefaultSSOLoginHeader,
		SSONameHeader:      config.DefaultSSONameHeader,
		SSOEmailHeader:     config.DefaultSSOEmailHeader,
		SSOGroupsHeader:    config.DefaultSSOGroupsHeader,
		SSORefreshInterval: 5 * time.Minute,
	}
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbConn.AutoMigrate(
		&settings.Property{},
		&userdomain.User{},
		&userdomain.Organization{},
		&userdomain.Group{},
		&userdomain.GroupMembership{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	serializer := jwt.NewSerializer(settings.NewRepository(dbConn), clk)
	if err := serializer.Start(context.Background()); err != nil {
		t.Fatalf("failed to start serializer: %v", err)
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
	for _, name := range []string{"dev", "admin"} {
		group := &userdomain.Group{ID: node.Generate(), OrganizationID: org.ID, Name: name}
		if err := groups.Create(ctx, dbConn, group); err != nil {
			t.Fatalf("failed to create group %s: %v", name, err)
		}
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
	sessions := session.NewHandler(serializer, csrf.NewGuard(cfg), users, dbConn, clk, cfg, zap.NewNop())
	rec := &fakeRecorder{}

	return &fixture{
		db:         dbConn,
		serializer: serializer,
		clock:      clk,
		users:      users,
		groups:     groups,
		recorder:   rec,
		defaultOrg: org,
		node:       node,
		auth: New(Params{
			DB:        dbConn,
			Users:     users,
			Registrar: reg,
			Sessions:  sessions,
			Recorder:  rec,
			Clock:     clk,
			Log:       zap.NewNop(),
			Cfg:       cfg,
		}),
	}
}

func request(t *testing.T, headers map[string]string, cookies ...*http.Cookie) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/issues", nil)
	for name, value := range headers {
		c.Request.Header.Set(name, value)
	}
	for _, cookie := range cookies {
		c.Request.AddCookie(cookie)
	}
	return c, rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == session.CookieName {
			return cookie
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func (f *fixture) groupNames(t *testing.T, user *userdomain.User) []string {
	t.Helper()
	groups, err := f.groups.GroupsOfUser(context.Background(), f.db, user.ID, f.defaultOrg.ID)
	if err != nil {
		t.Fatalf("failed to list groups: %v", err)
	}
	var names []string
	for _, group := range groups {
		names = append(names, group.Name)
	}
	return names
}

func hasName(names []string, want string) bool {
	for _, name := range names {
		if name == want {
			return true
		}
	}
	return false
}

func TestAuthenticateDisabled(t *testing.T) {
	cfg := ssoConfig()
	cfg.SSOEnabled = false
	f := newFixture(t, cfg)

	c, _ := request(t, map[string]string{"X-Forwarded-Login": "john"})
	user, err := f.auth.Authenticate(c)
	if err != nil || user != nil {
		t.Fatalf("disabled SSO must pass through, got %v %v", user, err)
	}
}

func TestAuthenticateNoLoginHeader(t *testing.T) {
	f := newFixture(t, ssoConfig())

	c, _ := request(t, map[string]string{"X-Forwarded-Name": "John Doe"})
	user, err := f.auth.Authenticate(c)
	if err != nil || user != nil {
		t.Fatalf("missing login header must pass through, got %v %v", user, err)
	}
}

func TestAuthenticateRegistersNewUser(t *testing.T) {
	f := newFixture(t, ssoConfig())

	c, rec := request(t, map[string]string{
		"X-Forwarded-Login":  "john",
		"X-Forwarded-Name":   "John Doe",
		"X-Forwarded-Email":  "john@email.com",
		"X-Forwarded-Groups": "dev,admin",
	})
	user, err := f.auth.Authenticate(c)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if user.Login != "john" || user.Name != "John Doe" {
		t.Fatalf("unexpected user %+v", user)
	}

	names := f.groupNames(t, user)
	for _, want := range []string{"users", "dev", "admin"} {
		if !hasName(names, want) {
			t.Fatalf("expected membership in %s, got %v", want, names)
		}
	}

	claims, err := f.serializer.Decode(sessionCookie(t, rec).Value)
	if err != nil || claims == nil {
		t.Fatalf("response token must decode: %v", err)
	}
	if claims.Property(jwt.SSOLastRefreshProperty) == "" {
		t.Fatal("token must carry a fresh SSO refresh marker")
	}
	if len(f.recorder.successes) != 1 || f.recorder.successes[0] != "john" {
		t.Fatalf("expected one login success for john, got %v", f.recorder.successes)
	}
}

func TestAuthenticateThrottlesWithinRefreshInterval(t *testing.T) {
	f := newFixture(t, ssoConfig())

	c, rec := request(t, map[string]string{"X-Forwarded-Login": "john", "X-Forwarded-Name": "John Doe"})
	if _, err := f.auth.Authenticate(c); err != nil {
		t.Fatalf("first authenticate failed: %v", err)
	}
	cookie := sessionCookie(t, rec)

	f.clock.Advance(time.Minute)
	c2, _ := request(t, map[string]string{"X-Forwarded-Login": "john", "X-Forwarded-Name": "Changed Name"}, cookie)
	user, err := f.auth.Authenticate(c2)
	if err != nil {
		t.Fatalf("second authenticate failed: %v", err)
	}
	if user == nil {
		t.Fatal("throttled request must still resolve the user")
	}
	if user.Name != "John Doe" {
		t.Fatalf("throttled request must not re-register, name became %q", user.Name)
	}
}

func TestAuthenticateReRegistersAfterRefreshInterval(t *testing.T) {
	f := newFixture(t, ssoConfig())

	c, rec := request(t, map[string]string{"X-Forwarded-Login": "john", "X-Forwarded-Name": "John Doe"})
	if _, err := f.auth.Authenticate(c); err != nil {
		t.Fatalf("first authenticate failed: %v", err)
	}
	cookie := sessionCookie(t, rec)

	f.clock.Advance(6 * time.Minute)
	c2, _ := request(t, map[string]string{"X-Forwarded-Login": "john", "X-Forwarded-Name": "Changed Name"}, cookie)
	user, err := f.auth.Authenticate(c2)
	if err != nil {
		t.Fatalf("second authenticate failed: %v", err)
	}
	if user.Name != "Changed Name" {
		t.Fatalf("stale marker must force a re-registration, name still %q", user.Name)
	}
}

func TestAuthenticateThrottleIgnoresDifferentLogin(t *testing.T) {
	f := newFixture(t, ssoConfig())

	c, rec := request(t, map[string]string{"X-Forwarded-Login": "john"})
	if _, err := f.auth.Authenticate(c); err != nil {
		t.Fatalf("first authenticate failed: %v", err)
	}
	cookie := sessionCookie(t, rec)

	c2, _ := request(t, map[string]string{"X-Forwarded-Login": "jane"}, cookie)
	user, err := f.auth.Authenticate(c2)
	if err != nil {
		t.Fatalf("second authenticate failed: %v", err)
	}
	if user.Login != "jane" {
		t.Fatalf("a different asserted login must register, got %q", user.Login)
	}
}

func TestAuthenticateGroupsHeaderAbsentLeavesMemberships(t *testing.T) {
	f := newFixture(t, ssoConfig())

	c, _ := request(t, map[string]string{"X-Forwarded-Login": "john", "X-Forwarded-Groups": "dev"})
	user, err := f.auth.Authenticate(c)
	if err != nil {
		t.Fatalf("first authenticate failed: %v", err)
	}

	f.clock.Advance(6 * time.Minute)
	c2, _ := request(t, map[string]string{"X-Forwarded-Login": "john"})
	if _, err := f.auth.Authenticate(c2); err != nil {
		t.Fatalf("second authenticate failed: %v", err)
	}

	names := f.groupNames(t, user)
	if !hasName(names, "dev") {
		t.Fatalf("absent groups header must leave memberships untouched, got %v", names)
	}
}

func TestAuthenticateGroupsHeaderEmptyClearsMemberships(t *testing.T) {
	f := newFixture(t, ssoConfig())

	c, _ := request(t, map[string]string{"X-Forwarded-Login": "john", "X-Forwarded-Groups": "dev"})
	user, err := f.auth.Authenticate(c)
	if err != nil {
		t.Fatalf("first authenticate failed: %v", err)
	}

	f.clock.Advance(6 * time.Minute)
	c2, _ := request(t, map[string]string{"X-Forwarded-Login": "john", "X-Forwarded-Groups": ""})
	if _, err := f.auth.Authenticate(c2); err != nil {
		t.Fatalf("second authenticate failed: %v", err)
	}

	names := f.groupNames(t, user)
	if hasName(names, "dev") {
		t.Fatalf("empty groups header must clear synced memberships, got %v", names)
	}
	if !hasName(names, "users") {
		t.Fatalf("default group must survive the clear, got %v", names)
	}
}

func TestAuthenticateInvalidLogin(t *testing.T) {
	f := newFixture(t, ssoConfig())

	c, _ := request(t, map[string]string{"X-Forwarded-Login": "john doe!"})
	_, err := f.auth.Authenticate(c)

	var authErr *event.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if authErr.PublicMessage != "Login should contain only letters, numbers, and .-_@" {
		t.Fatalf("unexpected public message %q", authErr.PublicMessage)
	}
}
