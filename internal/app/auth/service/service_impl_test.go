package service_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Miraines/MoonyAndStarry/session-service/internal/adapters/transport/http/dto"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/app/auth/jwt"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/app/auth/quota"
	appsvc "github.com/Miraines/MoonyAndStarry/session-service/internal/app/auth/service"
	authErrors "github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/errors"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/model"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/repo"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/infra/config"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/infra/metrics"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

/* ───────────────────────────── helpers ───────────────────────────── */

const password = "Aa1aaaaa"

var meta = model.ClientMeta{IPAddress: "10.0.0.1", UserAgent: "test"}

type fixture struct {
	cfg      *config.Config
	clock    *clock
	users    *userRepoStub
	sessions repo.SessionRepo
	mem      *memSessions
	resets   *resetRepoStub
	mail     *mailerStub
	hasher   *plainHasher
	svc      appsvc.Service
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()
	mem := newMemSessions()
	users := newUserRepoStub()
	f := &fixture{
		cfg: &config.Config{
			JWTSecret:       "0123456789abcdef0123456789abcdef",
			Issuer:          "test",
			Audience:        "test",
			AccessTokenTTL:  10 * time.Minute,
			RefreshTokenTTL: 30 * time.Minute,
			ResetTokenTTL:   24 * time.Hour,
			ResetBaseURL:    "https://app.example.com/reset",
			StoreTimeout:    time.Second,
		},
		clock:    &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		users:    users,
		sessions: mem,
		mem:      mem,
		resets:   newResetRepoStub(users),
		mail:     &mailerStub{},
		hasher:   &plainHasher{},
	}
	for _, opt := range opts {
		opt(f)
	}

	codec, err := jwt.NewJWTUtil(f.cfg, jwt.WithClock(f.clock.now))
	require.NoError(t, err)

	f.svc = appsvc.New(appsvc.Deps{
		Users:    f.users,
		Sessions: f.sessions,
		Resets:   f.resets,
		Codec:    codec,
		Hasher:   f.hasher,
		Limiter:  quota.NewLimiter(quota.NewPolicy(nil), f.users),
		Mailer:   f.mail,
		Config:   f.cfg,
		Validate: dto.NewValidator(),
		Metrics:  metrics.New(),
		Now:      f.clock.now,
	})
	return f
}

func (f *fixture) signup(t *testing.T, email string) model.LoginResult {
	t.Helper()
	res, err := f.svc.Signup(context.Background(), dto.SignupDTO{
		Email: email, Password: password, ConfirmPassword: password, Username: "user1",
	}, meta)
	require.NoError(t, err)
	return res
}

func (f *fixture) login(t *testing.T, email string) model.LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), dto.LoginDTO{Email: email, Password: password}, meta)
	require.NoError(t, err)
	return res
}

func (f *fixture) rotate(token string) (model.TokenPair, error) {
	return f.svc.Rotate(context.Background(), dto.RefreshDTO{RefreshToken: token}, meta)
}

/* ───────────────────────────── signup / login ───────────────────────────── */

func TestAuthService_SignupLogin(t *testing.T) {
	f := newFixture(t)

	res := f.signup(t, "Mixed@Example.com")
	require.NotEmpty(t, res.Tokens.AccessToken)
	require.NotEmpty(t, res.Tokens.RefreshToken)
	require.Equal(t, "mixed@example.com", res.User.Email)
	require.Equal(t, "free", res.User.Plan)
	require.Equal(t, 10*time.Minute, res.Tokens.AccessTTL)

	logged := f.login(t, "MIXED@example.com")
	require.Equal(t, res.User.ID, logged.User.ID)
	require.Equal(t, 2, f.mem.count())

	recs, err := f.svc.ListSessions(context.Background(), res.User.ID)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", recs[0].IPAddress)
}

func TestAuthService_SignupRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "e@example.com")

	_, err := f.svc.Signup(ctx, dto.SignupDTO{
		Email: "E@example.com", Password: password, ConfirmPassword: password, Username: "user2",
	}, meta)
	require.ErrorIs(t, err, authErrors.ErrAlreadyExists)

	_, err = f.svc.Signup(ctx, dto.SignupDTO{
		Email: "x@example.com", Password: password, ConfirmPassword: "Bb2bbbbb", Username: "user2",
	}, meta)
	require.ErrorIs(t, err, authErrors.ErrPasswordMismatch)

	_, err = f.svc.Signup(ctx, dto.SignupDTO{
		Email: "x@example.com", Password: "weak", ConfirmPassword: "weak", Username: "user2",
	}, meta)
	require.True(t, authErrors.IsInvalidArgument(err))
}

func TestAuthService_LoginFailuresAreIdentical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "e@example.com")

	_, errUnknown := f.svc.Login(ctx, dto.LoginDTO{Email: "nobody@example.com", Password: password}, meta)
	_, errWrong := f.svc.Login(ctx, dto.LoginDTO{Email: "e@example.com", Password: "Wrong1234"}, meta)

	require.Equal(t, authErrors.ErrInvalidCredentials, errUnknown)
	require.Equal(t, authErrors.ErrInvalidCredentials, errWrong)
	require.EqualValues(t, 1, atomic.LoadInt32(&f.hasher.absent))
}

func TestAuthService_LoginIssuesFreshLineage(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "e@example.com")

	a := f.login(t, "e@example.com")
	b := f.login(t, "e@example.com")
	require.NotEqual(t, a.Tokens.RefreshToken, b.Tokens.RefreshToken)

	_, err := f.rotate(a.Tokens.RefreshToken)
	require.NoError(t, err)
	_, err = f.rotate(b.Tokens.RefreshToken)
	require.NoError(t, err)
}

func TestAuthService_SessionCap(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.cfg.MaxSessionsPerUser = 1 })
	f.signup(t, "e@example.com")

	first := f.login(t, "e@example.com")
	second := f.login(t, "e@example.com")
	require.Equal(t, 1, f.mem.count())

	_, err := f.rotate(first.Tokens.RefreshToken)
	require.ErrorIs(t, err, authErrors.ErrInvalidRefreshToken)
	_, err = f.rotate(second.Tokens.RefreshToken)
	require.NoError(t, err)
}

/* ───────────────────────────── rotation ───────────────────────────── */

func TestAuthService_RotationScenario(t *testing.T) {
	f := newFixture(t)
	uid := uuid.New()
	f.users.put(model.User{ID: uid, Email: "u@example.com", Username: "u", PasswordHash: "h:" + password, PlanLevel: model.PlanPro})

	r1 := f.login(t, "u@example.com").Tokens
	p2, err := f.rotate(r1.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, r1.AccessToken, p2.AccessToken)
	require.Equal(t, uid, p2.UserId)

	_, err = f.rotate(r1.RefreshToken)
	require.ErrorIs(t, err, authErrors.ErrInvalidRefreshToken)

	_, err = f.rotate(p2.RefreshToken)
	require.NoError(t, err)
}

func TestAuthService_RotateIsSingleUseUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "e@example.com")
	r := f.login(t, "e@example.com").Tokens.RefreshToken

	const n = 32
	var ok, invalid int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.rotate(r)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, authErrors.ErrInvalidRefreshToken):
				atomic.AddInt32(&invalid, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, ok)
	require.EqualValues(t, n-1, invalid)
}

func TestAuthService_RotateRejectsUniformly(t *testing.T) {
	f := newFixture(t)
	res := f.signup(t, "e@example.com")

	for name, tok := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"access token": res.Tokens.AccessToken,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.rotate(tok)
			require.Equal(t, authErrors.ErrInvalidRefreshToken, err)
		})
	}

	f.clock.advance(f.cfg.RefreshTokenTTL)
	_, err := f.rotate(res.Tokens.RefreshToken)
	require.Equal(t, authErrors.ErrInvalidRefreshToken, err)
}

func TestAuthService_ReplayKeepsOtherSessionsByDefault(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "e@example.com")
	r1 := f.login(t, "e@example.com").Tokens.RefreshToken

	p2, err := f.rotate(r1)
	require.NoError(t, err)
	_, err = f.rotate(r1)
	require.ErrorIs(t, err, authErrors.ErrInvalidRefreshToken)

	_, err = f.rotate(p2.RefreshToken)
	require.NoError(t, err)
}

func TestAuthService_RevokeOnReplay(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.cfg.RevokeOnReplay = true })
	res := f.signup(t, "e@example.com")
	r1 := f.login(t, "e@example.com").Tokens.RefreshToken

	p2, err := f.rotate(r1)
	require.NoError(t, err)
	_, err = f.rotate(r1)
	require.ErrorIs(t, err, authErrors.ErrInvalidRefreshToken)

	_, err = f.rotate(p2.RefreshToken)
	require.ErrorIs(t, err, authErrors.ErrInvalidRefreshToken)
	_, err = f.rotate(res.Tokens.RefreshToken)
	require.ErrorIs(t, err, authErrors.ErrInvalidRefreshToken)
	require.Equal(t, 0, f.mem.count())
}

/* ───────────────────────────── logout / revoke / list ───────────────────────────── */

func TestAuthService_LogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.signup(t, "e@example.com").Tokens.RefreshToken

	require.NoError(t, f.svc.Logout(ctx, dto.LogoutDTO{RefreshToken: r}))
	require.NoError(t, f.svc.Logout(ctx, dto.LogoutDTO{RefreshToken: r}))
	require.NoError(t, f.svc.Logout(ctx, dto.LogoutDTO{RefreshToken: "garbage"}))
	require.NoError(t, f.svc.Logout(ctx, dto.LogoutDTO{}))

	_, err := f.rotate(r)
	require.ErrorIs(t, err, authErrors.ErrInvalidRefreshToken)
}

func TestAuthService_RevokeAllAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.signup(t, "e@example.com").User.ID
	f.login(t, "e@example.com")
	last := f.login(t, "e@example.com")

	other := f.signup(t, "o@example.com")

	list, err := f.svc.ListSessions(ctx, uid)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		require.True(t, list[i-1].CreatedAt.After(list[i].CreatedAt))
	}

	n, err := f.svc.RevokeAllSessions(ctx, uid)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	_, err = f.rotate(last.Tokens.RefreshToken)
	require.ErrorIs(t, err, authErrors.ErrInvalidRefreshToken)
	_, err = f.rotate(other.Tokens.RefreshToken)
	require.NoError(t, err)

	list, err = f.svc.ListSessions(ctx, uid)
	require.NoError(t, err)
	require.Empty(t, list)
}

/* ───────────────────────────── introspect / me ───────────────────────────── */

func TestAuthService_IntrospectExpiryIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.clock.now()
	res := f.signup(t, "e@example.com")

	claims, err := f.svc.Introspect(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, res.User.ID, claims.UserID())
	require.Equal(t, "e@example.com", claims.Email)

	f.clock.set(issued.Add(f.cfg.AccessTokenTTL - time.Nanosecond))
	_, err = f.svc.Introspect(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)

	f.clock.set(issued.Add(f.cfg.AccessTokenTTL))
	_, err = f.svc.Introspect(ctx, res.Tokens.AccessToken)
	require.Equal(t, authErrors.ErrUnauthenticated, err)

	_, err = f.svc.Introspect(ctx, res.Tokens.RefreshToken)
	require.Equal(t, authErrors.ErrUnauthenticated, err)
}

func TestAuthService_IntrospectBeforeExpiryOffSecond(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := time.Date(2025, 3, 1, 12, 0, 0, 700_000_000, time.UTC)
	f.clock.set(issued)
	res := f.signup(t, "e@example.com")

	f.clock.set(issued.Add(f.cfg.AccessTokenTTL - 500*time.Millisecond))
	_, err := f.svc.Introspect(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)

	f.clock.set(issued.Add(f.cfg.AccessTokenTTL))
	_, err = f.svc.Introspect(ctx, res.Tokens.AccessToken)
	require.Equal(t, authErrors.ErrUnauthenticated, err)
}

func TestAuthService_Me(t *testing.T) {
	f := newFixture(t)
	res := f.signup(t, "e@example.com")

	view, err := f.svc.Me(context.Background(), res.User.ID)
	require.NoError(t, err)
	require.Equal(t, "e@example.com", view.Email)

	_, err = f.svc.Me(context.Background(), uuid.New())
	require.True(t, authErrors.IsNotFound(err))
}

/* ───────────────────────────── usage ───────────────────────────── */

func TestAuthService_QuotaBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	at9 := model.User{ID: uuid.New(), Email: "a@example.com", PlanLevel: model.PlanFree, UsageCount: 9}
	at10 := model.User{ID: uuid.New(), Email: "b@example.com", PlanLevel: model.PlanFree, UsageCount: 10}
	f.users.put(at9)
	f.users.put(at10)

	require.NoError(t, f.svc.CheckAndChargeUsage(ctx, at9))
	got, _ := f.users.GetUserByID(ctx, at9.ID)
	require.EqualValues(t, 10, got.UsageCount)

	require.ErrorIs(t, f.svc.CheckAndChargeUsage(ctx, at10), authErrors.ErrQuotaExceeded)
	got, _ = f.users.GetUserByID(ctx, at10.ID)
	require.EqualValues(t, 10, got.UsageCount)
}

func TestAuthService_StaleSnapshotCannotOvershoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := model.User{ID: uuid.New(), Email: "a@example.com", PlanLevel: model.PlanFree, UsageCount: 9}
	f.users.put(u)

	var ok, denied int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// every caller holds the same stale snapshot
			if err := f.svc.CheckAndChargeUsage(ctx, u); err == nil {
				atomic.AddInt32(&ok, 1)
			} else if errors.Is(err, authErrors.ErrQuotaExceeded) {
				atomic.AddInt32(&denied, 1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, ok)
	require.EqualValues(t, 19, denied)
	got, _ := f.users.GetUserByID(ctx, u.ID)
	require.EqualValues(t, 10, got.UsageCount)
}

func TestAuthService_ChargeUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ent := model.User{ID: uuid.New(), Email: "x@example.com", PlanLevel: model.PlanEnterprise, UsageCount: 1 << 20}
	f.users.put(ent)

	view, err := f.svc.ChargeUsage(ctx, ent.ID)
	require.NoError(t, err)
	require.Equal(t, "enterprise", view.Plan)
	require.EqualValues(t, quota.Unlimited, view.Allowance)
	require.EqualValues(t, 1<<20+1, view.Used)

	_, err = f.svc.ChargeUsage(ctx, uuid.New())
	require.True(t, authErrors.IsNotFound(err))
}

func TestAuthService_ChargeUsageReportsStoredCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := model.User{ID: uuid.New(), Email: "p@example.com", PlanLevel: model.PlanPro, UsageCount: 3}
	f.users.put(u)

	// another request is charged between the snapshot and this increment
	f.users.afterGet = func(id uuid.UUID) {
		f.users.afterGet = nil
		_, err := f.users.IncrementUsage(ctx, id, repo.Unlimited)
		require.NoError(t, err)
	}

	view, err := f.svc.ChargeUsage(ctx, u.ID)
	require.NoError(t, err)
	require.EqualValues(t, 5, view.Used)

	got, _ := f.users.GetUserByID(ctx, u.ID)
	require.Equal(t, got.UsageCount, view.Used)
}

func TestAuthService_ConcurrentChargeUsageReportsDistinctCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := model.User{ID: uuid.New(), Email: "p@example.com", PlanLevel: model.PlanPro}
	f.users.put(u)

	const n = 20
	var mu sync.Mutex
	seen := make(map[int64]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view, err := f.svc.ChargeUsage(ctx, u.ID)
			require.NoError(t, err)
			mu.Lock()
			seen[view.Used] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		require.True(t, seen[i], "count %d not reported", i)
	}
}

/* ───────────────────────────── password reset ───────────────────────────── */

func tokenFrom(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	tok := u.Query().Get("token")
	require.Len(t, tok, 64)
	return tok
}

func TestAuthService_ForgotPasswordUnknownEmail(t *testing.T) {
	f := newFixture(t)
	err := f.svc.ForgotPassword(context.Background(), dto.ForgotPasswordDTO{Email: "nobody@example.com"})
	require.NoError(t, err)
	require.Empty(t, f.mail.sent)
}

func TestAuthService_ResetPasswordFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.signup(t, "e@example.com")

	require.NoError(t, f.svc.ForgotPassword(ctx, dto.ForgotPasswordDTO{Email: "E@example.com"}))
	require.Len(t, f.mail.sent, 1)
	require.Equal(t, "e@example.com", f.mail.sent[0].to)
	tok := tokenFrom(t, f.mail.sent[0].url)

	const fresh = "Bb2bbbbb"
	err := f.svc.ResetPassword(ctx, dto.ResetPasswordDTO{Token: tok, NewPassword: fresh, ConfirmPassword: fresh})
	require.NoError(t, err)

	// sessions from before the reset are gone
	_, err = f.rotate(old.Tokens.RefreshToken)
	require.ErrorIs(t, err, authErrors.ErrInvalidRefreshToken)

	_, err = f.svc.Login(ctx, dto.LoginDTO{Email: "e@example.com", Password: fresh}, meta)
	require.NoError(t, err)

	// second use is rejected whatever the new password looks like
	err = f.svc.ResetPassword(ctx, dto.ResetPasswordDTO{Token: tok, NewPassword: "Cc3ccccc", ConfirmPassword: "Cc3ccccc"})
	require.ErrorIs(t, err, authErrors.ErrResetTokenUsed)
	err = f.svc.ResetPassword(ctx, dto.ResetPasswordDTO{Token: tok, NewPassword: "x", ConfirmPassword: "y"})
	require.ErrorIs(t, err, authErrors.ErrResetTokenUsed)
}

func TestAuthService_ResetPasswordRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "e@example.com")

	err := f.svc.ResetPassword(ctx, dto.ResetPasswordDTO{Token: "unknown", NewPassword: password, ConfirmPassword: password})
	require.ErrorIs(t, err, authErrors.ErrResetTokenInvalid)
	err = f.svc.ResetPassword(ctx, dto.ResetPasswordDTO{})
	require.ErrorIs(t, err, authErrors.ErrResetTokenInvalid)

	require.NoError(t, f.svc.ForgotPassword(ctx, dto.ForgotPasswordDTO{Email: "e@example.com"}))
	tok := tokenFrom(t, f.mail.sent[0].url)

	err = f.svc.ResetPassword(ctx, dto.ResetPasswordDTO{Token: tok, NewPassword: "Bb2bbbbb", ConfirmPassword: "Cc3ccccc"})
	require.ErrorIs(t, err, authErrors.ErrPasswordMismatch)

	f.clock.advance(f.cfg.ResetTokenTTL)
	err = f.svc.ResetPassword(ctx, dto.ResetPasswordDTO{Token: tok, NewPassword: "Bb2bbbbb", ConfirmPassword: "Bb2bbbbb"})
	require.ErrorIs(t, err, authErrors.ErrResetTokenExpired)
}

func TestAuthService_UsedTokenSurvivesOtherUsersForgotPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "a@example.com")
	f.signup(t, "b@example.com")

	require.NoError(t, f.svc.ForgotPassword(ctx, dto.ForgotPasswordDTO{Email: "a@example.com"}))
	tok := tokenFrom(t, f.mail.sent[0].url)

	const fresh = "Bb2bbbbb"
	require.NoError(t, f.svc.ResetPassword(ctx, dto.ResetPasswordDTO{Token: tok, NewPassword: fresh, ConfirmPassword: fresh}))

	// b's request runs the stale-token cleanup
	require.NoError(t, f.svc.ForgotPassword(ctx, dto.ForgotPasswordDTO{Email: "b@example.com"}))

	err := f.svc.ResetPassword(ctx, dto.ResetPasswordDTO{Token: tok, NewPassword: "Cc3ccccc", ConfirmPassword: "Cc3ccccc"})
	require.ErrorIs(t, err, authErrors.ErrResetTokenUsed)
}

func TestAuthService_ResetPasswordFailedUpdateKeepsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.signup(t, "e@example.com")

	require.NoError(t, f.svc.ForgotPassword(ctx, dto.ForgotPasswordDTO{Email: "e@example.com"}))
	tok := tokenFrom(t, f.mail.sent[0].url)

	const fresh = "Bb2bbbbb"
	in := dto.ResetPasswordDTO{Token: tok, NewPassword: fresh, ConfirmPassword: fresh}

	f.users.mu.Lock()
	f.users.updateErr = errors.New("disk full")
	f.users.mu.Unlock()

	err := f.svc.ResetPassword(ctx, in)
	require.True(t, authErrors.IsInternal(err))

	// nothing changed: old password and sessions still work
	_, err = f.svc.Login(ctx, dto.LoginDTO{Email: "e@example.com", Password: password}, meta)
	require.NoError(t, err)
	_, err = f.rotate(old.Tokens.RefreshToken)
	require.NoError(t, err)

	f.users.mu.Lock()
	f.users.updateErr = nil
	f.users.mu.Unlock()

	require.NoError(t, f.svc.ResetPassword(ctx, in))
	_, err = f.svc.Login(ctx, dto.LoginDTO{Email: "e@example.com", Password: fresh}, meta)
	require.NoError(t, err)
}

func TestAuthService_ForgotPasswordMailFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.mail.err = errors.New("smtp down") })
	f.signup(t, "e@example.com")

	err := f.svc.ForgotPassword(context.Background(), dto.ForgotPasswordDTO{Email: "e@example.com"})
	require.True(t, authErrors.IsInternal(err))
}

/* ───────────────────────────── store failures ───────────────────────────── */

func TestAuthService_StoreTimeoutIsUnavailable(t *testing.T) {
	stuck := &stuckSessions{memSessions: memSessions{recs: make(map[string]model.RefreshToken)}}
	f := newFixture(t, func(f *fixture) {
		f.cfg.StoreTimeout = 20 * time.Millisecond
		f.sessions = stuck
	})
	f.users.put(model.User{ID: uuid.New(), Email: "e@example.com", Username: "u", PasswordHash: "h:" + password})

	_, err := f.svc.Login(context.Background(), dto.LoginDTO{Email: "e@example.com", Password: password}, meta)
	require.True(t, authErrors.IsStoreUnavailable(err))
}
