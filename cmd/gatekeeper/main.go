package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/auth/credentials"
	"github.com/smallbiznis/gatekeeper/internal/auth/csrf"
	"github.com/smallbiznis/gatekeeper/internal/auth/dispatcher"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/identity"
	"github.com/smallbiznis/gatekeeper/internal/auth/jwt"
	"github.com/smallbiznis/gatekeeper/internal/auth/oauth"
	"github.com/smallbiznis/gatekeeper/internal/auth/realm"
	"github.com/smallbiznis/gatekeeper/internal/auth/registrar"
	"github.com/smallbiznis/gatekeeper/internal/auth/session"
	"github.com/smallbiznis/gatekeeper/internal/auth/sso"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/logger"
	"github.com/smallbiznis/gatekeeper/internal/migration"
	"github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	"github.com/smallbiznis/gatekeeper/internal/observability/tracing"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	"github.com/smallbiznis/gatekeeper/internal/server"
	"github.com/smallbiznis/gatekeeper/internal/settings"
	userrepo "github.com/smallbiznis/gatekeeper/internal/user/repository"
	"github.com/smallbiznis/gatekeeper/internal/usertoken"
	"github.com/smallbiznis/gatekeeper/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),

		migration.Module,
		settings.Module,
		userrepo.Module,
		metrics.Module,
		tracing.Module,
		ratelimit.Module,

		event.Module,
		identity.Module,
		jwt.Module,
		csrf.Module,
		session.Module,
		registrar.Module,
		credentials.Module,
		realm.Module,
		sso.Module,
		oauth.Module,
		usertoken.Module,
		dispatcher.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
