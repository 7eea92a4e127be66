package repo

import (
	"context"
	"time"

	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/model"
	"github.com/google/uuid"
)

// Unlimited disables the ceiling in UserRepo.IncrementUsage.
const Unlimited int64 = -1

type UserRepo interface {
	CreateUser(ctx context.Context, u model.User) (uuid.UUID, error)

	GetUserByEmail(ctx context.Context, email string) (model.User, error)

	GetUserByID(ctx context.Context, id uuid.UUID) (model.User, error)

	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error

	// IncrementUsage adds exactly one to the usage counter in a single
	// statement. With a ceiling >= 0 the row is only touched while
	// usage_count < ceiling; otherwise ErrQuotaExceeded is returned. The
	// returned count is the one written by this call.
	IncrementUsage(ctx context.Context, id uuid.UUID, ceiling int64) (int64, error)

	Ping(ctx context.Context) error
}

// NewRefreshToken is what a caller supplies to create or rotate in a session.
type NewRefreshToken struct {
	UserID    uuid.UUID
	Token     string
	ExpiresAt time.Time
	Meta      model.ClientMeta
}

// SessionRepo stores refresh-token records keyed by the token string.
// Implementations must make Rotate atomic: for one presented token at most
// one call ever succeeds.
type SessionRepo interface {
	Create(ctx context.Context, in NewRefreshToken) (model.RefreshToken, error)

	FindByToken(ctx context.Context, token string) (model.RefreshToken, error)

	DeleteByToken(ctx context.Context, token string) (int64, error)

	DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)

	// ListForUser returns every record, expired ones included, newest first.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]model.RefreshToken, error)

	Rotate(ctx context.Context, presented string, next NewRefreshToken) (model.RefreshToken, error)

	TrimForUser(ctx context.Context, userID uuid.UUID, keep int) (int64, error)

	Ping(ctx context.Context) error
}

type ResetTokenRepo interface {
	Create(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) (model.ResetToken, error)

	FindByToken(ctx context.Context, token string) (model.ResetToken, error)

	// ConsumeAndSetPassword flips used=false to used=true and sets the user's
	// password hash atomically; ErrResetTokenUsed when another caller already
	// consumed the token. Nothing is committed on error.
	ConsumeAndSetPassword(ctx context.Context, id, userID uuid.UUID, hash string) error

	// PurgeStale deletes tokens past expires_at.
	PurgeStale(ctx context.Context, now time.Time) (int64, error)
}

type PasswordHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, hash string) bool
	VerifyAbsent(secret string)
}

type Mailer interface {
	SendPasswordReset(ctx context.Context, to, resetURL string) error
}
