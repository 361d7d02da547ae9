package domain

import "errors"

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrGroupNotFound        = errors.New("group not found")
	ErrOrganizationNotFound = errors.New("organization not found")
)
