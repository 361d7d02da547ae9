// Package migration brings the schema up to date on startup so a
// fresh deployment is usable out of the box, on any of the supported
// dialects.
package migration

import (
	"errors"

	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/settings"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"github.com/smallbiznis/gatekeeper/internal/usertoken"
	"gorm.io/gorm"
)

func Run(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	return db.AutoMigrate(
		&settings.Property{},
		&userdomain.User{},
		&userdomain.Organization{},
		&userdomain.Group{},
		&userdomain.GroupMembership{},
		&usertoken.UserToken{},
		&event.AuthEvent{},
	)
}
