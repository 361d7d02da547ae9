// Package domain contains the user, group and organization records
// the authentication core reconciles against.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// User represents a local user account. A user is "local" when it
// carries no external identity linkage and authenticates with the
// stored crypted password + salt pair.
type User struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	Login  string       `gorm:"type:text;not null;uniqueIndex"`
	Name   string       `gorm:"type:text;not null"`
	Email  *string      `gorm:"type:text"`
	Active bool         `gorm:"not null;default:true"`
	Local  bool         `gorm:"not null;default:true"`

	ExternalID       *string `gorm:"column:external_id;type:text;uniqueIndex:idx_users_external_identity"`
	ExternalLogin    *string `gorm:"column:external_login;type:text"`
	ExternalProvider *string `gorm:"column:external_provider;type:text;uniqueIndex:idx_users_external_identity"`

	CryptedPassword *string `gorm:"column:crypted_password;type:text"`
	Salt            *string `gorm:"column:salt;type:text"`

	// PersonalOrgID references the user's personal organization in
	// multi-organization deployments.
	PersonalOrgID *snowflake.ID `gorm:"column:personal_org_id"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Organization owns groups. Exactly one organization is flagged as
// the default; group sync only ever touches the default organization.
type Organization struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	Key            string        `gorm:"column:org_key;type:text;not null;uniqueIndex"`
	Name           string        `gorm:"type:text;not null"`
	IsDefault      bool          `gorm:"column:is_default;not null;default:false"`
	DefaultGroupID *snowflake.ID `gorm:"column:default_group_id"`
	CreatedAt      time.Time     `gorm:"not null"`
	UpdatedAt      time.Time     `gorm:"not null"`
}

func (Organization) TableName() string { return "organizations" }

// Group names are unique within an organization, not globally.
type Group struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrganizationID snowflake.ID `gorm:"column:organization_id;not null;uniqueIndex:idx_groups_org_name"`
	Name           string       `gorm:"type:text;not null;uniqueIndex:idx_groups_org_name"`
	CreatedAt      time.Time    `gorm:"not null"`
}

func (Group) TableName() string { return "groups" }

type GroupMembership struct {
	UserID  snowflake.ID `gorm:"column:user_id;primaryKey"`
	GroupID snowflake.ID `gorm:"column:group_id;primaryKey"`
}

func (GroupMembership) TableName() string { return "group_memberships" }
