package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) registerUserRoutes() {
	users := s.engine.Group(s.cfg.APIPrefix+"/users", s.dispatcher.Middleware(), requireUser())
	users.GET("/current", s.CurrentUser)
	users.DELETE("/current", s.DeactivateCurrentUser)
}

func (s *Server) CurrentUser(c *gin.Context) {
	user := contextUser(c)
	c.JSON(http.StatusOK, gin.H{
		"login":            user.Login,
		"name":             user.Name,
		"email":            user.Email,
		"local":            user.Local,
		"externalProvider": user.ExternalProvider,
	})
}

// DeactivateCurrentUser closes the account: the user goes inactive,
// the external identity and credentials are cleared so the external id
// can be claimed again, and the session ends.
func (s *Server) DeactivateCurrentUser(c *gin.Context) {
	user := contextUser(c)
	if err := s.users.Deactivate(c.Request.Context(), s.db, user.ID); err != nil {
		AbortWithError(c, err)
		return
	}
	s.sessions.RemoveSession(c)
	s.log.Info("user deactivated", zap.String("login", user.Login))
	c.Status(http.StatusNoContent)
}
