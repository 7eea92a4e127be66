package service_test

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	authErrors "github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/errors"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/model"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/repo"
	"github.com/google/uuid"
)

/* ──────────────────────────────── clock ──────────────────────────────── */

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

/* ──────────────────────────────── users ──────────────────────────────── */

type userRepoStub struct {
	mu        sync.Mutex
	users     map[uuid.UUID]model.User
	updateErr error
	// afterGet runs once GetUserByID has taken its snapshot.
	afterGet func(id uuid.UUID)
}

func newUserRepoStub() *userRepoStub {
	return &userRepoStub{users: make(map[uuid.UUID]model.User)}
}

func (u *userRepoStub) CreateUser(_ context.Context, m model.User) (uuid.UUID, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, v := range u.users {
		if v.Email == m.Email {
			return uuid.Nil, authErrors.ErrAlreadyExists
		}
	}
	u.users[m.ID] = m
	return m.ID, nil
}

func (u *userRepoStub) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, v := range u.users {
		if v.Email == email {
			return v, nil
		}
	}
	return model.User{}, authErrors.ErrNotFound
}

func (u *userRepoStub) GetUserByID(_ context.Context, id uuid.UUID) (model.User, error) {
	u.mu.Lock()
	v, ok := u.users[id]
	hook := u.afterGet
	u.mu.Unlock()
	if !ok {
		return model.User{}, authErrors.ErrNotFound
	}
	if hook != nil {
		hook(id)
	}
	return v, nil
}

func (u *userRepoStub) UpdatePassword(_ context.Context, id uuid.UUID, hash string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.updateErr != nil {
		return u.updateErr
	}
	v, ok := u.users[id]
	if !ok {
		return authErrors.ErrNotFound
	}
	v.PasswordHash = hash
	u.users[id] = v
	return nil
}

func (u *userRepoStub) IncrementUsage(_ context.Context, id uuid.UUID, ceiling int64) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.users[id]
	if !ok {
		return 0, authErrors.ErrNotFound
	}
	if ceiling >= 0 && v.UsageCount >= ceiling {
		return 0, authErrors.ErrQuotaExceeded
	}
	v.UsageCount++
	u.users[id] = v
	return v.UsageCount, nil
}

func (u *userRepoStub) Ping(context.Context) error { return nil }

func (u *userRepoStub) put(m model.User) {
	u.mu.Lock()
	u.users[m.ID] = m
	u.mu.Unlock()
}

/* ─────────────────────────────── sessions ─────────────────────────────── */

// memSessions serialises every call, which makes Rotate atomic.
type memSessions struct {
	mu   sync.Mutex
	recs map[string]model.RefreshToken
	seq  int64
}

func newMemSessions() *memSessions {
	return &memSessions{recs: make(map[string]model.RefreshToken)}
}

func (m *memSessions) build(in repo.NewRefreshToken) model.RefreshToken {
	m.seq++
	return model.RefreshToken{
		ID:        uuid.New(),
		UserID:    in.UserID,
		TokenHash: model.HashToken(in.Token),
		CreatedAt: time.Unix(m.seq, 0).UTC(),
		ExpiresAt: in.ExpiresAt,
		IPAddress: in.Meta.IPAddress,
		UserAgent: in.Meta.UserAgent,
	}
}

func (m *memSessions) Create(_ context.Context, in repo.NewRefreshToken) (model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := model.HashToken(in.Token)
	if _, ok := m.recs[h]; ok {
		return model.RefreshToken{}, authErrors.ErrAlreadyExists
	}
	rec := m.build(in)
	m.recs[h] = rec
	return rec, nil
}

func (m *memSessions) FindByToken(_ context.Context, token string) (model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[model.HashToken(token)]
	if !ok {
		return model.RefreshToken{}, authErrors.ErrNotFound
	}
	return rec, nil
}

func (m *memSessions) DeleteByToken(_ context.Context, token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := model.HashToken(token)
	if _, ok := m.recs[h]; !ok {
		return 0, nil
	}
	delete(m.recs, h)
	return 1, nil
}

func (m *memSessions) DeleteAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, r := range m.recs {
		if r.UserID == userID {
			delete(m.recs, h)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) ListForUser(_ context.Context, userID uuid.UUID) ([]model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RefreshToken
	for _, r := range m.recs {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memSessions) Rotate(_ context.Context, presented string, next repo.NewRefreshToken) (model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := model.HashToken(presented)
	old, ok := m.recs[h]
	if !ok || old.UserID != next.UserID {
		return model.RefreshToken{}, authErrors.ErrNotFound
	}
	delete(m.recs, h)
	rec := m.build(next)
	m.recs[rec.TokenHash] = rec
	return rec, nil
}

func (m *memSessions) TrimForUser(ctx context.Context, userID uuid.UUID, keep int) (int64, error) {
	list, _ := m.ListForUser(ctx, userID)
	if keep <= 0 || len(list) <= keep {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range list[keep:] {
		delete(m.recs, r.TokenHash)
	}
	return int64(len(list) - keep), nil
}

func (m *memSessions) Ping(context.Context) error { return nil }

func (m *memSessions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

// stuckSessions never answers before the caller's deadline.
type stuckSessions struct{ memSessions }

func (s *stuckSessions) Create(ctx context.Context, _ repo.NewRefreshToken) (model.RefreshToken, error) {
	<-ctx.Done()
	return model.RefreshToken{}, ctx.Err()
}

func (s *stuckSessions) Rotate(ctx context.Context, _ string, _ repo.NewRefreshToken) (model.RefreshToken, error) {
	<-ctx.Done()
	return model.RefreshToken{}, authErrors.WrapStoreUnavailable(ctx.Err(), "Rotate")
}

/* ──────────────────────────────── resets ──────────────────────────────── */

// resetRepoStub writes passwords through users, and leaves the token unused
// when that write fails, like the transactional store.
type resetRepoStub struct {
	mu    sync.Mutex
	recs  map[string]model.ResetToken
	users *userRepoStub
}

func newResetRepoStub(users *userRepoStub) *resetRepoStub {
	return &resetRepoStub{recs: make(map[string]model.ResetToken), users: users}
}

func (r *resetRepoStub) Create(_ context.Context, userID uuid.UUID, token string, exp time.Time) (model.ResetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := model.ResetToken{ID: uuid.New(), UserID: userID, TokenHash: model.HashToken(token), ExpiresAt: exp}
	r.recs[rec.TokenHash] = rec
	return rec, nil
}

func (r *resetRepoStub) FindByToken(_ context.Context, token string) (model.ResetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[model.HashToken(token)]
	if !ok {
		return model.ResetToken{}, authErrors.ErrNotFound
	}
	return rec, nil
}

func (r *resetRepoStub) ConsumeAndSetPassword(ctx context.Context, id, userID uuid.UUID, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h, rec := range r.recs {
		if rec.ID != id {
			continue
		}
		if rec.Used {
			return authErrors.ErrResetTokenUsed
		}
		if err := r.users.UpdatePassword(ctx, userID, hash); err != nil {
			return err
		}
		rec.Used = true
		r.recs[h] = rec
		return nil
	}
	return authErrors.ErrResetTokenUsed
}

func (r *resetRepoStub) PurgeStale(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for h, rec := range r.recs {
		if rec.ExpiresAt.Before(now) {
			delete(r.recs, h)
			n++
		}
	}
	return n, nil
}

/* ──────────────────────────── hasher & mailer ──────────────────────────── */

type plainHasher struct{ absent int32 }

func (h *plainHasher) Hash(secret string) (string, error) { return "h:" + secret, nil }
func (h *plainHasher) Verify(secret, hash string) bool    { return hash == "h:"+secret }
func (h *plainHasher) VerifyAbsent(string)                { atomic.AddInt32(&h.absent, 1) }

type sentMail struct{ to, url string }

type mailerStub struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *mailerStub) SendPasswordReset(_ context.Context, to, resetURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, url: resetURL})
	return nil
}
