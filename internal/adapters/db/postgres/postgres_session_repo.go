package postgres

import (
	"context"
	"errors"
	"time"

	customErrors "github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/errors"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/model"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/repo"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PostgresSessionRepo keeps one row per live refresh token.
type PostgresSessionRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPostgresSessionRepo(db *gorm.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db, now: time.Now}
}

func (p *PostgresSessionRepo) record(in repo.NewRefreshToken) model.RefreshToken {
	return model.RefreshToken{
		ID:        uuid.New(),
		UserID:    in.UserID,
		TokenHash: model.HashToken(in.Token),
		CreatedAt: p.now().UTC(),
		ExpiresAt: in.ExpiresAt.UTC(),
		IPAddress: in.Meta.IPAddress,
		UserAgent: in.Meta.UserAgent,
	}
}

func (p *PostgresSessionRepo) Create(ctx context.Context, in repo.NewRefreshToken) (model.RefreshToken, error) {
	rec := p.record(in)
	if err := p.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isDuplicate(err) {
			return model.RefreshToken{}, customErrors.ErrAlreadyExists
		}
		return model.RefreshToken{}, storeErr(err, "CreateSession")
	}
	return rec, nil
}

func (p *PostgresSessionRepo) FindByToken(ctx context.Context, token string) (model.RefreshToken, error) {
	var rec model.RefreshToken
	res := p.db.WithContext(ctx).Where("token_hash = ?", model.HashToken(token)).First(&rec)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return model.RefreshToken{}, customErrors.ErrNotFound
	}
	if err := res.Error; err != nil {
		return model.RefreshToken{}, storeErr(err, "FindByToken")
	}
	return rec, nil
}

func (p *PostgresSessionRepo) DeleteByToken(ctx context.Context, token string) (int64, error) {
	res := p.db.WithContext(ctx).
		Where("token_hash = ?", model.HashToken(token)).
		Delete(&model.RefreshToken{})
	if err := res.Error; err != nil {
		return 0, storeErr(err, "DeleteByToken")
	}
	return res.RowsAffected, nil
}

func (p *PostgresSessionRepo) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	res := p.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.RefreshToken{})
	if err := res.Error; err != nil {
		return 0, storeErr(err, "DeleteAllForUser")
	}
	return res.RowsAffected, nil
}

func (p *PostgresSessionRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]model.RefreshToken, error) {
	var out []model.RefreshToken
	err := p.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, storeErr(err, "ListForUser")
	}
	return out, nil
}

// Rotate deletes the presented row and inserts its successor in one
// transaction. A concurrent Rotate of the same token blocks on the row lock
// and then deletes nothing, so it gets ErrNotFound.
func (p *PostgresSessionRepo) Rotate(ctx context.Context, presented string, next repo.NewRefreshToken) (model.RefreshToken, error) {
	var rec model.RefreshToken
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("token_hash = ? AND user_id = ?", model.HashToken(presented), next.UserID).
			Delete(&model.RefreshToken{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return customErrors.ErrNotFound
		}

		rec = p.record(next)
		return tx.Create(&rec).Error
	})
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, customErrors.ErrNotFound):
		return model.RefreshToken{}, customErrors.ErrNotFound
	case isDuplicate(err):
		return model.RefreshToken{}, customErrors.ErrAlreadyExists
	default:
		return model.RefreshToken{}, storeErr(err, "Rotate")
	}
}

// TrimForUser keeps the newest keep sessions; keep <= 0 means no cap.
func (p *PostgresSessionRepo) TrimForUser(ctx context.Context, userID uuid.UUID, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	var ids []uuid.UUID
	err := p.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, storeErr(err, "TrimForUser")
	}
	if len(ids) <= keep {
		return 0, nil
	}
	res := p.db.WithContext(ctx).Where("id IN ?", ids[keep:]).Delete(&model.RefreshToken{})
	if err := res.Error; err != nil {
		return 0, storeErr(err, "TrimForUser")
	}
	return res.RowsAffected, nil
}

func (p *PostgresSessionRepo) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return storeErr(err, "Ping")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storeErr(err, "Ping")
	}
	return nil
}
