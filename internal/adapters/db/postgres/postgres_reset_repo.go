package postgres

import (
	"context"
	"errors"
	"time"

	customErrors "github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/errors"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostgresResetRepo struct {
	db *gorm.DB
}

func NewPostgresResetRepo(db *gorm.DB) *PostgresResetRepo {
	return &PostgresResetRepo{db: db}
}

func (p *PostgresResetRepo) Create(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) (model.ResetToken, error) {
	rec := model.ResetToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: model.HashToken(token),
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := p.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return model.ResetToken{}, storeErr(err, "CreateResetToken")
	}
	return rec, nil
}

func (p *PostgresResetRepo) FindByToken(ctx context.Context, token string) (model.ResetToken, error) {
	var rec model.ResetToken
	res := p.db.WithContext(ctx).Where("token_hash = ?", model.HashToken(token)).First(&rec)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return model.ResetToken{}, customErrors.ErrNotFound
	}
	if err := res.Error; err != nil {
		return model.ResetToken{}, storeErr(err, "FindResetToken")
	}
	return rec, nil
}

// ConsumeAndSetPassword marks the token used and stores the new hash in one
// transaction. The used flag is a compare-and-set, and a failed password
// update rolls it back so the token stays redeemable.
func (p *PostgresResetRepo) ConsumeAndSetPassword(ctx context.Context, id, userID uuid.UUID, hash string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ResetToken{}).
			Where("id = ? AND used = ?", id, false).
			Update("used", true)
		if err := res.Error; err != nil {
			return storeErr(err, "ConsumeResetToken")
		}
		if res.RowsAffected == 0 {
			return customErrors.ErrResetTokenUsed
		}
		return NewPostgresUserRepo(tx).UpdatePassword(ctx, userID, hash)
	})
}

// PurgeStale removes expired tokens only. Used tokens stay until they expire
// so a replay is still reported as used.
func (p *PostgresResetRepo) PurgeStale(ctx context.Context, now time.Time) (int64, error) {
	res := p.db.WithContext(ctx).
		Where("expires_at < ?", now.UTC()).
		Delete(&model.ResetToken{})
	if err := res.Error; err != nil {
		return 0, storeErr(err, "PurgeResetTokens")
	}
	return res.RowsAffected, nil
}
