// Package server wires the authentication engine behind a gin HTTP
// surface: login endpoints, OAuth2 flows, token administration and
// the health and metrics probes.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/gatekeeper/internal/auth/credentials"
	"github.com/smallbiznis/gatekeeper/internal/auth/dispatcher"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/identity"
	"github.com/smallbiznis/gatekeeper/internal/auth/oauth"
	"github.com/smallbiznis/gatekeeper/internal/auth/session"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/observability/tracing"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"github.com/smallbiznis/gatekeeper/internal/usertoken"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(tracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	users       userdomain.Repository
	dispatcher  *dispatcher.Dispatcher
	sessions    *session.Handler
	credentials *credentials.Authenticator
	oauth       *oauth.Authenticator
	registry    *identity.Registry
	tokens      *usertoken.Service
	limiter     *ratelimit.LoginLimiter
	recorder    event.Recorder
	log         *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Users       userdomain.Repository
	Dispatcher  *dispatcher.Dispatcher
	Sessions    *session.Handler
	Credentials *credentials.Authenticator
	OAuth       *oauth.Authenticator
	Registry    *identity.Registry
	Tokens      *usertoken.Service
	Limiter     *ratelimit.LoginLimiter `optional:"true"`
	Recorder    event.Recorder
	Log         *zap.Logger
}

func NewServer(p ServerParams) *Server {
	srv := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		users:       p.Users,
		dispatcher:  p.Dispatcher,
		sessions:    p.Sessions,
		credentials: p.Credentials,
		oauth:       p.OAuth,
		registry:    p.Registry,
		tokens:      p.Tokens,
		limiter:     p.Limiter,
		recorder:    p.Recorder,
		log:         p.Log.Named("http"),
	}

	srv.registerAuthRoutes()
	srv.registerTokenRoutes()
	srv.registerUserRoutes()

	return srv
}

func run(lc fx.Lifecycle, s *Server, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
