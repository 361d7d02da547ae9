package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/identity"
)

func (s *Server) registerAuthRoutes() {
	api := s.engine.Group(s.cfg.APIPrefix)

	authn := api.Group("/authentication")
	authn.POST("/login", s.Login)
	authn.POST("/logout", s.Logout)
	authn.GET("/validate", s.Validate)
	authn.GET("/providers", s.IdentityProviders)

	s.engine.GET("/sessions/init/:provider", s.InitOAuth)
	s.engine.GET("/oauth2/callback/:provider", s.OAuthCallback)
}

// Login authenticates form credentials and opens a browser session.
func (s *Server) Login(c *gin.Context) {
	login := strings.TrimSpace(c.PostForm("login"))
	password := c.PostForm("password")

	if !s.limiter.Allow(c.Request.Context(), login, c.ClientIP()) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{Message: "Too many login attempts, try again later"}})
		return
	}

	user, err := s.credentials.Authenticate(c.Request.Context(), login, password, event.MethodForm)
	if err != nil {
		s.failAuth(c, err)
		return
	}
	if err := s.sessions.CreateSession(c, user, nil); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// Logout drops the session cookies. A garbage or expired token still
// answers 200: there is nothing left to log out of either way.
func (s *Server) Logout(c *gin.Context) {
	s.sessions.RemoveSession(c)
	c.Status(http.StatusOK)
}

// Validate reports whether the request carries a usable identity. It
// never answers 401: anonymous is a valid state unless authentication
// is forced.
func (s *Server) Validate(c *gin.Context) {
	user, err := s.dispatcher.Authenticate(c)
	valid := err == nil && (user != nil || !s.cfg.ForceAuthentication)
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

type providerInfo struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	LoginPath string `json:"loginPath"`
}

// IdentityProviders lists the enabled OAuth2 providers a login page
// can offer. Base providers stay internal.
func (s *Server) IdentityProviders(c *gin.Context) {
	var providers []providerInfo
	for _, p := range s.registry.List() {
		if p.Kind != identity.KindOAuth2 {
			continue
		}
		providers = append(providers, providerInfo{
			Key:       p.Key,
			Name:      p.Name,
			LoginPath: "/sessions/init/" + url.PathEscape(p.Key),
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

func (s *Server) InitOAuth(c *gin.Context) {
	if err := s.oauth.Initiate(c, c.Param("provider")); err != nil {
		AbortWithError(c, err)
	}
}

func (s *Server) OAuthCallback(c *gin.Context) {
	if _, err := s.oauth.Callback(c, c.Param("provider")); err != nil {
		s.failAuth(c, err)
		return
	}
	c.Redirect(http.StatusFound, "/")
}

// failAuth records an authentication failure before handing the error
// to the response middleware. The dispatcher audits its own failures;
// the login and OAuth2 handlers sit in front of it and must do the
// same.
func (s *Server) failAuth(c *gin.Context, err error) {
	var authErr *event.AuthenticationError
	if errors.As(err, &authErr) {
		s.recorder.LoginFailure(c.Request.Context(), authErr)
	}
	AbortWithError(c, err)
}
