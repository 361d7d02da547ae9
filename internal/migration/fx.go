package migration

import (
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if err := Run(conn); err != nil {
			return err
		}

		if cfg.BootstrapAdmin {
			return seed.EnsureDefaultOrgAndAdmin(conn)
		}
		return seed.EnsureDefaultOrg(conn)
	}),
)
