package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Plan tiers. Anything outside 0..3 is treated as PlanFree by the quota policy.
const (
	PlanFree       = 0
	PlanPro        = 1
	PlanTeam       = 2
	PlanEnterprise = 3
)

var planNames = map[int]string{
	PlanFree:       "free",
	PlanPro:        "pro",
	PlanTeam:       "team",
	PlanEnterprise: "enterprise",
}

// PlanName returns the display name of a tier, "free" for unknown ones.
func PlanName(level int) string {
	if n, ok := planNames[level]; ok {
		return n
	}
	return planNames[PlanFree]
}

type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Username     string    `gorm:"not null"`
	PlanLevel    int       `gorm:"not null;default:0"`
	Plan         string    `gorm:"not null;default:free"`
	IsSubscribed bool      `gorm:"not null;default:false"`
	UsageCount   int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshToken is a persisted session. Only the SHA-256 of the token string
// is stored.
type RefreshToken struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null"`
	TokenHash string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"index"`
	ExpiresAt time.Time `gorm:"not null"`
	IPAddress string
	UserAgent string
}

func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

type ResetToken struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null"`
	TokenHash string    `gorm:"uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	Used      bool      `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (t ResetToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// ClientMeta is recorded on every refresh record for the session audit view.
type ClientMeta struct {
	IPAddress string
	UserAgent string
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	UserId       uuid.UUID
}

type UserView struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	Plan         string    `json:"plan"`
	PlanLevel    int       `json:"plan_level"`
	IsSubscribed bool      `json:"is_subscribed"`
	UsageCount   int64     `json:"usage_count"`
	CreatedAt    time.Time `json:"created_at"`
}

func NewUserView(u User) UserView {
	return UserView{
		ID:           u.ID,
		Email:        u.Email,
		Username:     u.Username,
		Plan:         PlanName(u.PlanLevel),
		PlanLevel:    u.PlanLevel,
		IsSubscribed: u.IsSubscribed,
		UsageCount:   u.UsageCount,
		CreatedAt:    u.CreatedAt,
	}
}

type SessionView struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

func NewSessionView(t RefreshToken) SessionView {
	return SessionView{
		ID:        t.ID,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
		IPAddress: t.IPAddress,
		UserAgent: t.UserAgent,
	}
}

// UsageView reports the counter after a charge. Allowance is -1 when the
// tier is unbounded.
type UsageView struct {
	Plan      string `json:"plan"`
	PlanLevel int    `json:"plan_level"`
	Used      int64  `json:"used"`
	Allowance int64  `json:"allowance"`
}

type LoginResult struct {
	Tokens TokenPair
	User   UserView
}

// HashToken is the lookup key for stored tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
