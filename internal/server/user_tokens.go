package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/auth/dispatcher"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"github.com/smallbiznis/gatekeeper/internal/usertoken"
)

func (s *Server) registerTokenRoutes() {
	tokens := s.engine.Group(s.cfg.APIPrefix+"/user_tokens", s.dispatcher.Middleware(), requireUser())
	tokens.POST("/generate", s.GenerateToken)
	tokens.POST("/revoke", s.RevokeToken)
	tokens.GET("/search", s.SearchTokens)
}

// requireUser rejects anonymous requests on routes where the
// dispatcher middleware let them through.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := dispatcher.UserFromContext(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errorPayload{Message: "Authentication is required"}})
		}
	}
}

func contextUser(c *gin.Context) *userdomain.User {
	user, _ := dispatcher.UserFromContext(c)
	return user
}

type generateTokenRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) GenerateToken(c *gin.Context) {
	var req generateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorPayload{Message: "Token name is required"}})
		return
	}

	user := contextUser(c)
	plain, token, err := s.tokens.Generate(c.Request.Context(), user.ID, req.Name)
	if err != nil {
		if errors.Is(err, usertoken.ErrInvalidName) {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorPayload{Message: "Token name is required"}})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"login":     user.Login,
		"name":      token.Name,
		"createdAt": token.CreatedAt,
		"token":     plain,
	})
}

type revokeTokenRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) RevokeToken(c *gin.Context) {
	var req revokeTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorPayload{Message: "Token name is required"}})
		return
	}

	user := contextUser(c)
	if err := s.tokens.Revoke(c.Request.Context(), user.ID, req.Name); err != nil {
		if errors.Is(err, usertoken.ErrTokenNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: errorPayload{Message: "Token not found"}})
			return
		}
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type tokenView struct {
	Name           string  `json:"name"`
	CreatedAt      string  `json:"createdAt"`
	LastConnection *string `json:"lastConnectionDate,omitempty"`
}

func (s *Server) SearchTokens(c *gin.Context) {
	user := contextUser(c)
	tokens, err := s.tokens.List(c.Request.Context(), user.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]tokenView, 0, len(tokens))
	for _, token := range tokens {
		view := tokenView{
			Name:      token.Name,
			CreatedAt: token.CreatedAt.Format("2006-01-02T15:04:05-0700"),
		}
		if token.LastUsedAt != nil {
			formatted := token.LastUsedAt.Format("2006-01-02T15:04:05-0700")
			view.LastConnection = &formatted
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{
		"login":      user.Login,
		"userTokens": views,
	})
}
