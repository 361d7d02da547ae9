package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/user/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("user.repository",
	fx.Provide(New),
)

func New() (domain.Repository, domain.GroupRepository, domain.OrganizationRepository) {
	return &userRepo{}, &groupRepo{}, &orgRepo{}
}

type userRepo struct{}

func (r *userRepo) Create(ctx context.Context, tx *gorm.DB, user *domain.User) error {
	return tx.WithContext(ctx).Create(user).Error
}

func (r *userRepo) Update(ctx context.Context, tx *gorm.DB, user *domain.User) error {
	return tx.WithContext(ctx).Save(user).Error
}

func (r *userRepo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.User, error) {
	var user domain.User
	return oneUser(&user, tx.WithContext(ctx).Where("id = ?", id).First(&user).Error)
}

func (r *userRepo) FindByLogin(ctx context.Context, tx *gorm.DB, login string) (*domain.User, error) {
	var user domain.User
	return oneUser(&user, tx.WithContext(ctx).Where("login = ?", login).First(&user).Error)
}

func (r *userRepo) FindByExternalID(ctx context.Context, tx *gorm.DB, externalID, provider string) (*domain.User, error) {
	var user domain.User
	err := tx.WithContext(ctx).
		Where("external_id = ? AND external_provider = ?", externalID, provider).
		First(&user).Error
	return oneUser(&user, err)
}

func (r *userRepo) FindByExternalLogin(ctx context.Context, tx *gorm.DB, externalLogin, provider string) (*domain.User, error) {
	var user domain.User
	err := tx.WithContext(ctx).
		Where("external_login = ? AND external_provider = ?", externalLogin, provider).
		First(&user).Error
	return oneUser(&user, err)
}

func (r *userRepo) FindActiveByEmail(ctx context.Context, tx *gorm.DB, email string) ([]*domain.User, error) {
	var users []*domain.User
	err := tx.WithContext(ctx).Where("email = ? AND active = ?", email, true).Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *userRepo) Deactivate(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	result := tx.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).Updates(map[string]any{
		"active":            false,
		"external_id":       nil,
		"external_login":    nil,
		"external_provider": nil,
		"crypted_password":  nil,
		"salt":              nil,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func oneUser(user *domain.User, err error) (*domain.User, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

type groupRepo struct{}

func (r *groupRepo) FindByName(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, name string) (*domain.Group, error) {
	var group domain.Group
	err := tx.WithContext(ctx).Where("organization_id = ? AND name = ?", orgID, name).First(&group).Error
	return oneGroup(&group, err)
}

func (r *groupRepo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Group, error) {
	var group domain.Group
	return oneGroup(&group, tx.WithContext(ctx).Where("id = ?", id).First(&group).Error)
}

func (r *groupRepo) Create(ctx context.Context, tx *gorm.DB, group *domain.Group) error {
	return tx.WithContext(ctx).Create(group).Error
}

func (r *groupRepo) GroupsOfUser(ctx context.Context, tx *gorm.DB, userID snowflake.ID, orgID snowflake.ID) ([]*domain.Group, error) {
	var groups []*domain.Group
	err := tx.WithContext(ctx).
		Joins("JOIN group_memberships ON group_memberships.group_id = groups.id").
		Where("group_memberships.user_id = ? AND groups.organization_id = ?", userID, orgID).
		Find(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *groupRepo) AddMember(ctx context.Context, tx *gorm.DB, groupID, userID snowflake.ID) error {
	membership := domain.GroupMembership{UserID: userID, GroupID: groupID}
	return tx.WithContext(ctx).Create(&membership).Error
}

func (r *groupRepo) RemoveMember(ctx context.Context, tx *gorm.DB, groupID, userID snowflake.ID) error {
	return tx.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&domain.GroupMembership{}).Error
}

func oneGroup(group *domain.Group, err error) (*domain.Group, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	return group, nil
}

type orgRepo struct{}

func (r *orgRepo) Default(ctx context.Context, tx *gorm.DB) (*domain.Organization, error) {
	var org domain.Organization
	return oneOrg(&org, tx.WithContext(ctx).Where("is_default = ?", true).First(&org).Error)
}

func (r *orgRepo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Organization, error) {
	var org domain.Organization
	return oneOrg(&org, tx.WithContext(ctx).Where("id = ?", id).First(&org).Error)
}

func (r *orgRepo) FindByKey(ctx context.Context, tx *gorm.DB, key string) (*domain.Organization, error) {
	var org domain.Organization
	return oneOrg(&org, tx.WithContext(ctx).Where("org_key = ?", key).First(&org).Error)
}

func (r *orgRepo) Create(ctx context.Context, tx *gorm.DB, org *domain.Organization) error {
	return tx.WithContext(ctx).Create(org).Error
}

func (r *orgRepo) Update(ctx context.Context, tx *gorm.DB, org *domain.Organization) error {
	return tx.WithContext(ctx).Save(org).Error
}

func oneOrg(org *domain.Organization, err error) (*domain.Organization, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}
