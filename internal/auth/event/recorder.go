package event

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var Module = fx.Module("auth.event",
	fx.Provide(NewRecorder),
)

// AuthEvent is the persisted audit row for one authentication attempt.
type AuthEvent struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Login     string            `gorm:"type:text;not null;index"`
	Success   bool              `gorm:"not null"`
	Method    string            `gorm:"type:text;not null"`
	Provider  string            `gorm:"type:text;not null"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null"`
}

func (AuthEvent) TableName() string { return "auth_events" }

// Recorder is the audit sink for login successes and failures.
type Recorder interface {
	LoginSuccess(ctx context.Context, login string, source Source)
	LoginFailure(ctx context.Context, err *AuthenticationError)
}

type recorder struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewRecorder(db *gorm.DB, log *zap.Logger, genID *snowflake.Node) Recorder {
	return &recorder{
		db:    db,
		log:   log.Named("auth.event"),
		genID: genID,
	}
}

func (r *recorder) LoginSuccess(ctx context.Context, login string, source Source) {
	r.log.Info("login success",
		zap.String("login", login),
		zap.String("method", string(source.Method)),
		zap.String("provider", string(source.Provider)),
		zap.String("provider_name", source.ProviderName),
	)
	r.persist(ctx, login, true, source, nil)
}

func (r *recorder) LoginFailure(ctx context.Context, err *AuthenticationError) {
	r.log.Warn("login failure",
		zap.String("login", err.Login),
		zap.String("method", string(err.Source.Method)),
		zap.String("provider", string(err.Source.Provider)),
		zap.String("provider_name", err.Source.ProviderName),
		zap.String("cause", err.Message),
	)
	r.persist(ctx, err.Login, false, err.Source, map[string]any{"cause": err.Message})
}

func (r *recorder) persist(ctx context.Context, login string, success bool, source Source, metadata map[string]any) {
	entry := AuthEvent{
		ID:        r.genID.Generate(),
		Login:     login,
		Success:   success,
		Method:    string(source.Method),
		Provider:  string(source.Provider),
		Metadata:  datatypes.JSONMap(metadata),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.log.Warn("failed to write auth event", zap.Error(err))
	}
}
