package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/identity"
	"github.com/smallbiznis/gatekeeper/internal/auth/registrar"
)

type errorPayload struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware maps errors pushed onto the gin context to
// responses. Authentication failures answer 401 with the public
// message only; the cause stays in the audit trail. Identity conflicts
// redirect to pages where the user can resolve them.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		err := lastErr.Err

		var authErr *event.AuthenticationError
		if errors.As(err, &authErr) {
			message := authErr.PublicMessage
			if message == "" {
				message = "Authentication failed"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errorPayload{Message: message}})
			return
		}

		var emailConflict *registrar.EmailConflictError
		if errors.As(err, &emailConflict) {
			query := url.Values{}
			query.Set("email", emailConflict.Email)
			query.Set("login", emailConflict.ExistingLogin)
			query.Set("provider", emailConflict.Provider)
			c.Redirect(http.StatusFound, "/sessions/email_already_exists?"+query.Encode())
			c.Abort()
			return
		}

		var loginConflict *registrar.LoginConflictError
		if errors.As(err, &loginConflict) {
			query := url.Values{}
			query.Set("login", loginConflict.NewLogin)
			query.Set("oldLogin", loginConflict.OldLogin)
			query.Set("provider", loginConflict.Provider)
			c.Redirect(http.StatusFound, "/sessions/update_login?"+query.Encode())
			c.Abort()
			return
		}

		if errors.Is(err, identity.ErrProviderNotFound) || errors.Is(err, identity.ErrProviderDisabled) {
			c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: errorPayload{Message: "Provider not found"}})
			return
		}

		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: errorPayload{Message: "Internal error"}})
	}
}

// AbortWithError records err on the context for the error middleware.
func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}
