// Package settings persists server-wide properties such as the
// session token signing secret.
package settings

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/gatekeeper/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("property not found")

var Module = fx.Module("settings",
	fx.Provide(NewRepository),
)

// Property is a single persisted key/value setting.
type Property struct {
	Key       string    `gorm:"primaryKey;column:prop_key;type:text"`
	Value     string    `gorm:"column:prop_value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (Property) TableName() string { return "properties" }

type Repository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// SetIfAbsent stores value under key unless a value already
	// exists, and returns the value that ended up persisted. Safe to
	// call concurrently from multiple nodes.
	SetIfAbsent(ctx context.Context, key, value string) (string, error)
}

type repo struct {
	db *gorm.DB
}

func NewRepository(g *gorm.DB) Repository {
	return &repo{db: g}
}

func (r *repo) Get(ctx context.Context, key string) (string, error) {
	var prop Property
	err := r.db.WithContext(ctx).Where("prop_key = ?", key).First(&prop).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return prop.Value, nil
}

func (r *repo) Set(ctx context.Context, key, value string) error {
	prop := Property{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Save(&prop).Error
}

func (r *repo) SetIfAbsent(ctx context.Context, key, value string) (string, error) {
	prop := Property{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := r.db.WithContext(ctx).Create(&prop).Error
	if err == nil {
		return value, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return "", err
	}
	// Another node won the race, use its value.
	return r.Get(ctx, key)
}
