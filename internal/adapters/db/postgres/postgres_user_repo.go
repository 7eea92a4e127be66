package postgres

import (
	"context"
	"errors"

	customErrors "github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/errors"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const uniqueViolation = "23505"

type PostgresUserRepo struct {
	db *gorm.DB
}

func NewPostgresUserRepo(db *gorm.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// storeErr classifies everything that is not a domain outcome as the store
// being unavailable.
func storeErr(err error, op string) error {
	return customErrors.WrapStoreUnavailable(err, op)
}

func (p *PostgresUserRepo) CreateUser(ctx context.Context, user model.User) (uuid.UUID, error) {
	res := p.db.WithContext(ctx).Create(&user)
	if err := res.Error; err != nil {
		if isDuplicate(err) {
			return uuid.Nil, customErrors.ErrAlreadyExists
		}
		return uuid.Nil, storeErr(err, "CreateUser")
	}
	return user.ID, nil
}

func (p *PostgresUserRepo) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var u model.User
	res := p.db.WithContext(ctx).Where("email = ?", email).First(&u)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return model.User{}, customErrors.ErrNotFound
	}
	if err := res.Error; err != nil {
		return model.User{}, storeErr(err, "GetUserByEmail")
	}

	return u, nil
}

func (p *PostgresUserRepo) GetUserByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	var u model.User
	res := p.db.WithContext(ctx).Where("id = ?", id).First(&u)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return model.User{}, customErrors.ErrNotFound
	}
	if err := res.Error; err != nil {
		return model.User{}, storeErr(err, "GetUserByID")
	}

	return u, nil
}

func (p *PostgresUserRepo) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	res := p.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("password_hash", hash)
	if err := res.Error; err != nil {
		return storeErr(err, "UpdatePassword")
	}
	if res.RowsAffected == 0 {
		return customErrors.ErrNotFound
	}

	return nil
}

// IncrementUsage is one conditional UPDATE; the ceiling, when set, is part
// of the WHERE clause so concurrent callers cannot push the counter past it.
// The count is read back in the same transaction, under the row lock the
// UPDATE holds, so it is the value this call stored.
func (p *PostgresUserRepo) IncrementUsage(ctx context.Context, id uuid.UUID, ceiling int64) (int64, error) {
	var used int64
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.User{}).Where("id = ?", id)
		if ceiling >= 0 {
			q = q.Where("usage_count < ?", ceiling)
		}
		res := q.UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1))
		if err := res.Error; err != nil {
			return storeErr(err, "IncrementUsage")
		}

		var rows []int64
		if err := tx.Model(&model.User{}).Where("id = ?", id).Pluck("usage_count", &rows).Error; err != nil {
			return storeErr(err, "IncrementUsage")
		}
		switch {
		case len(rows) == 0:
			return customErrors.ErrNotFound
		case res.RowsAffected == 0:
			return customErrors.ErrQuotaExceeded
		}
		used = rows[0]
		return nil
	})
	if err != nil {
		return 0, err
	}
	return used, nil
}

func (p *PostgresUserRepo) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return storeErr(err, "Ping")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storeErr(err, "Ping")
	}
	return nil
}
