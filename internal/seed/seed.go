// Package seed bootstraps the records a fresh deployment needs before
// the first login: the default organization, its default group and,
// when asked for, a local admin account.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/auth/password"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"gorm.io/gorm"
)

const (
	defaultOrgName   = "Default"
	defaultOrgKey    = "default"
	defaultGroupName = "users"

	defaultAdminLogin    = "admin"
	defaultAdminName     = "Administrator"
	defaultAdminPassword = "admin"
)

// EnsureDefaultOrg seeds the default organization and its default
// group. Existing records are left untouched.
func EnsureDefaultOrg(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := ensureDefaultOrgTx(ctx, tx, node)
		return err
	})
}

// EnsureDefaultOrgAndAdmin additionally seeds a local admin user with
// the default password. Meant for self-hosted bootstrap only.
func EnsureDefaultOrgAndAdmin(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := ensureDefaultOrgTx(ctx, tx, node)
		if err != nil {
			return err
		}

		var user userdomain.User
		err = tx.WithContext(ctx).Where("login = ?", defaultAdminLogin).First(&user).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		salt, err := password.GenerateSalt()
		if err != nil {
			return err
		}
		crypted, err := password.Hash(defaultAdminPassword, salt)
		if err != nil {
			return err
		}
		user = userdomain.User{
			ID:              node.Generate(),
			Login:           defaultAdminLogin,
			Name:            defaultAdminName,
			Active:          true,
			Local:           true,
			Salt:            &salt,
			CryptedPassword: &crypted,
		}
		if err := tx.WithContext(ctx).Create(&user).Error; err != nil {
			return err
		}

		if org.DefaultGroupID == nil {
			return nil
		}
		membership := userdomain.GroupMembership{UserID: user.ID, GroupID: *org.DefaultGroupID}
		return tx.WithContext(ctx).Create(&membership).Error
	})
}

func ensureDefaultOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (*userdomain.Organization, error) {
	var org userdomain.Organization
	err := tx.WithContext(ctx).Where("org_key = ?", defaultOrgKey).First(&org).Error
	if err == nil {
		return &org, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	org = userdomain.Organization{
		ID:        node.Generate(),
		Key:       defaultOrgKey,
		Name:      defaultOrgName,
		IsDefault: true,
	}
	if err := tx.WithContext(ctx).Create(&org).Error; err != nil {
		return nil, err
	}

	group := userdomain.Group{
		ID:             node.Generate(),
		OrganizationID: org.ID,
		Name:           defaultGroupName,
	}
	if err := tx.WithContext(ctx).Create(&group).Error; err != nil {
		return nil, err
	}

	org.DefaultGroupID = &group.ID
	if err := tx.WithContext(ctx).Save(&org).Error; err != nil {
		return nil, err
	}
	return &org, nil
}
