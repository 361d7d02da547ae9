package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repositories take the database handle per call so the registrar can
// run every mutation of one registration inside a single transaction.

type Repository interface {
	Create(ctx context.Context, tx *gorm.DB, user *User) error
	Update(ctx context.Context, tx *gorm.DB, user *User) error
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*User, error)
	FindByLogin(ctx context.Context, tx *gorm.DB, login string) (*User, error)
	FindByExternalID(ctx context.Context, tx *gorm.DB, externalID, provider string) (*User, error)
	FindByExternalLogin(ctx context.Context, tx *gorm.DB, externalLogin, provider string) (*User, error)
	FindActiveByEmail(ctx context.Context, tx *gorm.DB, email string) ([]*User, error)
	// Deactivate marks the user inactive and clears the external
	// identity and stored credentials, freeing the external id for a
	// future account.
	Deactivate(ctx context.Context, tx *gorm.DB, id snowflake.ID) error
}

type GroupRepository interface {
	FindByName(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, name string) (*Group, error)
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Group, error)
	Create(ctx context.Context, tx *gorm.DB, group *Group) error
	GroupsOfUser(ctx context.Context, tx *gorm.DB, userID snowflake.ID, orgID snowflake.ID) ([]*Group, error)
	AddMember(ctx context.Context, tx *gorm.DB, groupID, userID snowflake.ID) error
	RemoveMember(ctx context.Context, tx *gorm.DB, groupID, userID snowflake.ID) error
}

type OrganizationRepository interface {
	Default(ctx context.Context, tx *gorm.DB) (*Organization, error)
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Organization, error)
	FindByKey(ctx context.Context, tx *gorm.DB, key string) (*Organization, error)
	Create(ctx context.Context, tx *gorm.DB, org *Organization) error
	Update(ctx context.Context, tx *gorm.DB, org *Organization) error
}
