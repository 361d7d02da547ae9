// Package usertoken manages personal access tokens: generated once,
// stored hashed, presented as a password-less HTTP Basic login.
package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tokenPrefix      = "gk_"
	tokenSecretBytes = 20
)

var (
	ErrInvalidName   = errors.New("invalid_name")
	ErrTokenNotFound = errors.New("token_not_found")
)

var Module = fx.Module("usertoken",
	fx.Provide(New),
)

// UserToken stores the hash of one personal access token. The plain
// value is only ever returned at generation time.
type UserToken struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	UserID     snowflake.ID `gorm:"column:user_id;not null;uniqueIndex:idx_user_tokens_user_name,priority:1"`
	Name       string       `gorm:"type:text;not null;uniqueIndex:idx_user_tokens_user_name,priority:2"`
	TokenHash  string       `gorm:"column:token_hash;type:text;not null;uniqueIndex"`
	CreatedAt  time.Time    `gorm:"not null"`
	LastUsedAt *time.Time   `gorm:"column:last_used_at"`
}

func (UserToken) TableName() string { return "user_tokens" }

// HashToken hashes a raw token the same way generation does.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Users    userdomain.Repository
	Recorder event.Recorder
	GenID    *snowflake.Node
	Clock    clock.Clock
	Log      *zap.Logger
}

type Service struct {
	db       *gorm.DB
	users    userdomain.Repository
	recorder event.Recorder
	genID    *snowflake.Node
	clock    clock.Clock
	log      *zap.Logger
}

func New(p Params) *Service {
	return &Service{
		db:       p.DB,
		users:    p.Users,
		recorder: p.Recorder,
		genID:    p.GenID,
		clock:    p.Clock,
		log:      p.Log.Named("usertoken"),
	}
}

// Generate creates a named token for the user and returns the plain
// value, which is never stored.
func (s *Service) Generate(ctx context.Context, userID snowflake.ID, name string) (string, *UserToken, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, ErrInvalidName
	}

	secret := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, err
	}
	plain := tokenPrefix + hex.EncodeToString(secret)

	token := &UserToken{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Name:      name,
		TokenHash: HashToken(plain),
		CreatedAt: s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return "", nil, err
	}
	return plain, token, nil
}

// Revoke deletes the named token of the user.
func (s *Service) Revoke(ctx context.Context, userID snowflake.ID, name string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND name = ?", userID, name).
		Delete(&UserToken{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// List returns the user's tokens, most recent first.
func (s *Service) List(ctx context.Context, userID snowflake.ID) ([]UserToken, error) {
	var tokens []UserToken
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// Authenticate resolves a raw token to its active owner and stamps the
// last-used time.
func (s *Service) Authenticate(ctx context.Context, raw string) (*userdomain.User, error) {
	source := event.Local(event.MethodBasicToken)

	var token UserToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ?", HashToken(raw)).
		First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, event.NewAuthenticationError(source, "", "Token doesn't exist")
	}
	if err != nil {
		return nil, err
	}

	user, err := s.users.FindByID(ctx, s.db, token.UserID)
	if errors.Is(err, userdomain.ErrUserNotFound) {
		return nil, event.NewAuthenticationError(source, "", "Token matches no user")
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, event.NewAuthenticationError(source, user.Login, "No active user for token")
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Model(&token).Update("last_used_at", now).Error; err != nil {
		s.log.Warn("failed to stamp token usage", zap.Error(err))
	}

	s.recorder.LoginSuccess(ctx, user.Login, source)
	return user, nil
}
