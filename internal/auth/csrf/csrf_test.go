package csrf

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/config"
)

func newTestContext(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, path, nil)
	return c, rec
}

func newGuard() *Guard {
	return NewGuard(config.Config{APIPrefix: "/api"})
}

func TestVerifyStateNeverRejectsGet(t *testing.T) {
	g := newGuard()
	c, _ := newTestContext(http.MethodGet, "/api/rules")

	if err := g.VerifyState(c, "reference", "john"); err != nil {
		t.Fatalf("GET must never be rejected, got %v", err)
	}
}

func TestVerifyStateIgnoresNonAPIPaths(t *testing.T) {
	g := newGuard()
	c, _ := newTestContext(http.MethodPost, "/static/upload")
	c.Request.Header.Set(HeaderName, "something else")

	if err := g.VerifyState(c, "reference", "john"); err != nil {
		t.Fatalf("non-API paths must never be rejected, got %v", err)
	}
}

func TestVerifyStateRejectsMismatchedHeader(t *testing.T) {
	g := newGuard()
	c, _ := newTestContext(http.MethodPost, "/api/rules")
	c.Request.Header.Set(HeaderName, "wrong")

	if err := g.VerifyState(c, "reference", "john"); err == nil {
		t.Fatal("mismatched header must be rejected")
	}
}

func TestVerifyStateRejectsMissingHeader(t *testing.T) {
	g := newGuard()
	c, _ := newTestContext(http.MethodPost, "/api/rules")

	if err := g.VerifyState(c, "reference", "john"); err == nil {
		t.Fatal("missing header with non-empty reference must be rejected")
	}
}

func TestVerifyStateAcceptsMatchingHeader(t *testing.T) {
	g := newGuard()
	c, _ := newTestContext(http.MethodPost, "/api/rules")
	c.Request.Header.Set(HeaderName, "reference")

	if err := g.VerifyState(c, "reference", "john"); err != nil {
		t.Fatalf("matching header must pass, got %v", err)
	}
}

func TestGenerateStateSetsReadableCookie(t *testing.T) {
	g := newGuard()
	c, rec := newTestContext(http.MethodGet, "/")

	state := g.GenerateState(c, 3600)
	if state == "" {
		t.Fatal("expected a non-empty state")
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	cookie := cookies[0]
	if cookie.Name != CookieName {
		t.Fatalf("unexpected cookie name %q", cookie.Name)
	}
	if cookie.Value != state {
		t.Fatal("cookie must carry the generated state")
	}
	if cookie.HttpOnly {
		t.Fatal("session CSRF cookie must be readable by client script")
	}
	if cookie.Path != "/" {
		t.Fatalf("cookie must be scoped to root path, got %q", cookie.Path)
	}
	if cookie.MaxAge != 3600 {
		t.Fatalf("cookie max-age must match timeout, got %d", cookie.MaxAge)
	}
}

func TestRemoveStateClearsCookie(t *testing.T) {
	g := newGuard()
	c, rec := newTestContext(http.MethodGet, "/")

	g.RemoveState(c)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	if cookies[0].MaxAge >= 0 {
		t.Fatal("expected expired cookie")
	}
}

func TestRequestIsSecureFromForwardedProto(t *testing.T) {
	c, _ := newTestContext(http.MethodGet, "/")
	if RequestIsSecure(c, false) {
		t.Fatal("plain request must not be secure")
	}

	c.Request.Header.Set("X-Forwarded-Proto", "https")
	if !RequestIsSecure(c, false) {
		t.Fatal("forwarded https must be secure")
	}
}
