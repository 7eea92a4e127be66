// Package quota maps plan tiers to request allowances and charges usage
// against them.
package quota

import (
	"context"

	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/model"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/repo"
	"github.com/google/uuid"
)

// Allowance is a request budget; Unlimited never runs out.
type Allowance int64

const Unlimited Allowance = -1

// DefaultPolicy is free 10, pro 100, team 1000, enterprise unbounded.
var DefaultPolicy = Policy{
	model.PlanFree:       10,
	model.PlanPro:        100,
	model.PlanTeam:       1000,
	model.PlanEnterprise: Unlimited,
}

// Policy is read-only once built.
type Policy map[int]Allowance

// NewPolicy builds a policy from configured per-tier values; negative means
// unbounded and tiers absent from overrides keep their default.
func NewPolicy(overrides map[int]int64) Policy {
	p := make(Policy, len(DefaultPolicy))
	for tier, a := range DefaultPolicy {
		p[tier] = a
	}
	for tier, v := range overrides {
		if v < 0 {
			p[tier] = Unlimited
			continue
		}
		p[tier] = Allowance(v)
	}
	return p
}

// Allowance falls back to the free tier for unknown levels.
func (p Policy) Allowance(tier int) Allowance {
	if a, ok := p[tier]; ok {
		return a
	}
	if a, ok := p[model.PlanFree]; ok {
		return a
	}
	return DefaultPolicy[model.PlanFree]
}

func IsAllowed(usage int64, a Allowance) bool {
	if a == Unlimited {
		return true
	}
	return usage < int64(a)
}

type Limiter struct {
	policy Policy
	users  repo.UserRepo
}

func NewLimiter(policy Policy, users repo.UserRepo) *Limiter {
	return &Limiter{policy: policy, users: users}
}

func (l *Limiter) Allowance(tier int) Allowance {
	return l.policy.Allowance(tier)
}

// Increment adds one to the counter in the store, never above the allowance
// of the given tier, and returns the stored count. The store does the
// read-modify-write.
func (l *Limiter) Increment(ctx context.Context, userID uuid.UUID, tier int) (int64, error) {
	ceiling := repo.Unlimited
	if a := l.policy.Allowance(tier); a != Unlimited {
		ceiling = int64(a)
	}
	return l.users.IncrementUsage(ctx, userID, ceiling)
}
