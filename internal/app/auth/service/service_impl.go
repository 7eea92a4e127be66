package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/Miraines/MoonyAndStarry/session-service/internal/adapters/transport/http/dto"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/app/auth/quota"
	customErrors "github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/errors"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/jwt"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/model"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/repo"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/infra/config"
	lg "github.com/Miraines/MoonyAndStarry/session-service/internal/infra/log"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/infra/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const resetTokenBytes = 32

type Service interface {
	Signup(context.Context, dto.SignupDTO, model.ClientMeta) (model.LoginResult, error)
	Login(context.Context, dto.LoginDTO, model.ClientMeta) (model.LoginResult, error)
	Rotate(context.Context, dto.RefreshDTO, model.ClientMeta) (model.TokenPair, error)
	Logout(context.Context, dto.LogoutDTO) error
	RevokeAllSessions(ctx context.Context, userID uuid.UUID) (int64, error)
	ListSessions(ctx context.Context, userID uuid.UUID) ([]model.SessionView, error)
	Introspect(ctx context.Context, accessToken string) (jwt.Claims, error)
	Me(ctx context.Context, userID uuid.UUID) (model.UserView, error)
	CheckAndChargeUsage(ctx context.Context, user model.User) error
	ChargeUsage(ctx context.Context, userID uuid.UUID) (model.UsageView, error)
	ForgotPassword(context.Context, dto.ForgotPasswordDTO) error
	ResetPassword(context.Context, dto.ResetPasswordDTO) error
}

type Deps struct {
	Users    repo.UserRepo
	Sessions repo.SessionRepo
	Resets   repo.ResetTokenRepo
	Codec    jwt.TokenCodec
	Hasher   repo.PasswordHasher
	Limiter  *quota.Limiter
	Mailer   repo.Mailer
	Config   *config.Config
	Validate *validator.Validate
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

type authService struct {
	users    repo.UserRepo
	sessions repo.SessionRepo
	resets   repo.ResetTokenRepo
	codec    jwt.TokenCodec
	hasher   repo.PasswordHasher
	limiter  *quota.Limiter
	mailer   repo.Mailer
	cfg      *config.Config
	v        *validator.Validate
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(d Deps) Service {
	a := &authService{
		users:    d.Users,
		sessions: d.Sessions,
		resets:   d.Resets,
		codec:    d.Codec,
		hasher:   d.Hasher,
		limiter:  d.Limiter,
		mailer:   d.Mailer,
		cfg:      d.Config,
		v:        d.Validate,
		log:      d.Log,
		metrics:  d.Metrics,
		now:      d.Now,
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.v == nil {
		a.v = dto.NewValidator()
	}
	return a
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// storeCtx bounds a single store call.
func (a *authService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.StoreTimeout)
}

// storeFailure turns anything the store did not classify itself into a
// typed error. Deadlines always count as the store being unavailable.
func storeFailure(err error, op string) error {
	if err = customErrors.FromContext(err, op); customErrors.IsStoreUnavailable(err) {
		return err
	}
	return customErrors.WrapInternal(err, op)
}

func (a *authService) Signup(ctx context.Context, in dto.SignupDTO, meta model.ClientMeta) (model.LoginResult, error) {
	if err := a.v.Struct(in); err != nil {
		return model.LoginResult{}, customErrors.NewInvalidArgument(err.Error())
	}
	if in.Password != in.ConfirmPassword {
		return model.LoginResult{}, customErrors.ErrPasswordMismatch
	}

	hash, err := a.hasher.Hash(in.Password)
	if err != nil {
		return model.LoginResult{}, customErrors.WrapInternal(err, "Signup")
	}

	now := a.now().UTC()
	user := model.User{
		ID:           uuid.New(),
		Email:        normalizeEmail(in.Email),
		Username:     in.Username,
		PasswordHash: hash,
		PlanLevel:    model.PlanFree,
		Plan:         model.PlanName(model.PlanFree),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	sctx, cancel := a.storeCtx(ctx)
	_, err = a.users.CreateUser(sctx, user)
	cancel()
	switch {
	case customErrors.IsAlreadyExists(err):
		a.metrics.Event("signup", metrics.Rejected)
		return model.LoginResult{}, customErrors.ErrAlreadyExists
	case err != nil:
		return model.LoginResult{}, storeFailure(err, "CreateUser")
	}

	pair, err := a.startSession(ctx, user, meta)
	if err != nil {
		return model.LoginResult{}, err
	}
	a.log.Info("signup", lg.User(user.Email))
	a.metrics.Event("signup", metrics.OK)
	return model.LoginResult{Tokens: pair, User: model.NewUserView(user)}, nil
}

func (a *authService) Login(ctx context.Context, in dto.LoginDTO, meta model.ClientMeta) (model.LoginResult, error) {
	if err := a.v.Struct(in); err != nil {
		return model.LoginResult{}, customErrors.NewInvalidArgument(err.Error())
	}
	email := normalizeEmail(in.Email)

	sctx, cancel := a.storeCtx(ctx)
	user, err := a.users.GetUserByEmail(sctx, email)
	cancel()
	switch {
	case customErrors.IsNotFound(err):
		a.hasher.VerifyAbsent(in.Password)
		a.rejectLogin(email)
		return model.LoginResult{}, customErrors.ErrInvalidCredentials
	case err != nil:
		return model.LoginResult{}, storeFailure(err, "GetUserByEmail")
	}

	if !a.hasher.Verify(in.Password, user.PasswordHash) {
		a.rejectLogin(email)
		return model.LoginResult{}, customErrors.ErrInvalidCredentials
	}

	pair, err := a.startSession(ctx, user, meta)
	if err != nil {
		return model.LoginResult{}, err
	}
	a.log.Info("login", lg.User(email), zap.String("ip", meta.IPAddress))
	a.metrics.Event("login", metrics.OK)
	return model.LoginResult{Tokens: pair, User: model.NewUserView(user)}, nil
}

func (a *authService) rejectLogin(email string) {
	a.log.Info("login rejected", lg.User(email))
	a.metrics.Event("login", metrics.Rejected)
}

func subjectOf(u model.User) jwt.Subject {
	return jwt.Subject{UserID: u.ID, Email: u.Email, Username: u.Username}
}

// issuePair mints both tokens; the refresh expiry is returned for the store.
func (a *authService) issuePair(sub jwt.Subject) (model.TokenPair, time.Time, error) {
	access, _, err := a.codec.Issue(jwt.KindAccess, sub, a.cfg.AccessTokenTTL)
	if err != nil {
		return model.TokenPair{}, time.Time{}, err
	}
	refresh, refreshExp, err := a.codec.Issue(jwt.KindRefresh, sub, a.cfg.RefreshTokenTTL)
	if err != nil {
		return model.TokenPair{}, time.Time{}, err
	}
	return model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessTTL:    a.cfg.AccessTokenTTL,
		RefreshTTL:   a.cfg.RefreshTokenTTL,
		UserId:       sub.UserID,
	}, refreshExp, nil
}

// startSession begins a fresh refresh-token lineage for the user.
func (a *authService) startSession(ctx context.Context, user model.User, meta model.ClientMeta) (model.TokenPair, error) {
	pair, refreshExp, err := a.issuePair(subjectOf(user))
	if err != nil {
		return model.TokenPair{}, err
	}

	sctx, cancel := a.storeCtx(ctx)
	_, err = a.sessions.Create(sctx, repo.NewRefreshToken{
		UserID:    user.ID,
		Token:     pair.RefreshToken,
		ExpiresAt: refreshExp,
		Meta:      meta,
	})
	cancel()
	if err != nil {
		return model.TokenPair{}, storeFailure(err, "CreateSession")
	}

	if keep := a.cfg.MaxSessionsPerUser; keep > 0 {
		sctx, cancel := a.storeCtx(ctx)
		trimmed, err := a.sessions.TrimForUser(sctx, user.ID, keep)
		cancel()
		if err != nil {
			a.log.Warn("session cap not applied", lg.User(user.Email), zap.Error(err))
		} else if trimmed > 0 {
			a.log.Debug("sessions trimmed", lg.User(user.Email), zap.Int64("count", trimmed))
		}
	}
	return pair, nil
}

func (a *authService) Rotate(ctx context.Context, in dto.RefreshDTO, meta model.ClientMeta) (model.TokenPair, error) {
	claims, err := a.codec.Verify(jwt.KindRefresh, in.RefreshToken)
	if err != nil {
		a.metrics.Event("rotate", metrics.Rejected)
		return model.TokenPair{}, customErrors.ErrInvalidRefreshToken
	}
	sub := jwt.Subject{UserID: claims.UserID(), Email: claims.Email, Username: claims.Username}

	pair, refreshExp, err := a.issuePair(sub)
	if err != nil {
		return model.TokenPair{}, err
	}

	sctx, cancel := a.storeCtx(ctx)
	_, err = a.sessions.Rotate(sctx, in.RefreshToken, repo.NewRefreshToken{
		UserID:    sub.UserID,
		Token:     pair.RefreshToken,
		ExpiresAt: refreshExp,
		Meta:      meta,
	})
	cancel()
	switch {
	case customErrors.IsNotFound(err):
		a.replayed(ctx, sub)
		return model.TokenPair{}, customErrors.ErrInvalidRefreshToken
	case err != nil:
		a.metrics.Event("rotate", metrics.Failed)
		return model.TokenPair{}, storeFailure(err, "Rotate")
	}

	a.log.Debug("rotate", lg.User(sub.Email))
	a.metrics.Event("rotate", metrics.OK)
	return pair, nil
}

// replayed handles a correctly signed refresh token that no longer has a
// record: it was rotated, logged out or revoked.
func (a *authService) replayed(ctx context.Context, sub jwt.Subject) {
	a.log.Warn("refresh token replay", lg.User(sub.Email))
	a.metrics.Event("replay", metrics.Rejected)
	if !a.cfg.RevokeOnReplay {
		return
	}
	n, err := a.RevokeAllSessions(ctx, sub.UserID)
	if err != nil {
		a.log.Error("revoke on replay failed", lg.User(sub.Email), zap.Error(err))
		return
	}
	a.log.Warn("sessions revoked after replay", lg.User(sub.Email), zap.Int64("count", n))
}

func (a *authService) Logout(ctx context.Context, in dto.LogoutDTO) error {
	if in.RefreshToken == "" {
		return nil
	}
	sctx, cancel := a.storeCtx(ctx)
	n, err := a.sessions.DeleteByToken(sctx, in.RefreshToken)
	cancel()
	if err != nil {
		return storeFailure(err, "DeleteByToken")
	}
	a.log.Debug("logout", zap.Int64("deleted", n))
	a.metrics.Event("logout", metrics.OK)
	return nil
}

func (a *authService) RevokeAllSessions(ctx context.Context, userID uuid.UUID) (int64, error) {
	sctx, cancel := a.storeCtx(ctx)
	n, err := a.sessions.DeleteAllForUser(sctx, userID)
	cancel()
	if err != nil {
		return 0, storeFailure(err, "DeleteAllForUser")
	}
	a.log.Info("sessions revoked", zap.String("user_id", userID.String()), zap.Int64("count", n))
	a.metrics.Event("revoke_all", metrics.OK)
	return n, nil
}

func (a *authService) ListSessions(ctx context.Context, userID uuid.UUID) ([]model.SessionView, error) {
	sctx, cancel := a.storeCtx(ctx)
	recs, err := a.sessions.ListForUser(sctx, userID)
	cancel()
	if err != nil {
		return nil, storeFailure(err, "ListForUser")
	}
	out := make([]model.SessionView, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.NewSessionView(r))
	}
	return out, nil
}

// Introspect never touches a store.
func (a *authService) Introspect(_ context.Context, accessToken string) (jwt.Claims, error) {
	claims, err := a.codec.Verify(jwt.KindAccess, accessToken)
	if err != nil {
		return jwt.Claims{}, customErrors.ErrUnauthenticated
	}
	return claims, nil
}

func (a *authService) Me(ctx context.Context, userID uuid.UUID) (model.UserView, error) {
	user, err := a.userByID(ctx, userID)
	if err != nil {
		return model.UserView{}, err
	}
	return model.NewUserView(user), nil
}

func (a *authService) userByID(ctx context.Context, userID uuid.UUID) (model.User, error) {
	sctx, cancel := a.storeCtx(ctx)
	user, err := a.users.GetUserByID(sctx, userID)
	cancel()
	switch {
	case customErrors.IsNotFound(err):
		return model.User{}, customErrors.ErrNotFound
	case err != nil:
		return model.User{}, storeFailure(err, "GetUserByID")
	}
	return user, nil
}

// CheckAndChargeUsage must run before the governed action. A snapshot that
// is already at the allowance is rejected without touching the counter; the
// increment itself is conditional, so racing callers cannot overshoot.
func (a *authService) CheckAndChargeUsage(ctx context.Context, user model.User) error {
	_, err := a.chargeUsage(ctx, user)
	return err
}

// chargeUsage returns the counter as stored by this increment.
func (a *authService) chargeUsage(ctx context.Context, user model.User) (int64, error) {
	allowance := a.limiter.Allowance(user.PlanLevel)
	if !quota.IsAllowed(user.UsageCount, allowance) {
		a.quotaDenied(user)
		return 0, customErrors.ErrQuotaExceeded
	}

	sctx, cancel := a.storeCtx(ctx)
	used, err := a.limiter.Increment(sctx, user.ID, user.PlanLevel)
	cancel()
	switch {
	case customErrors.IsQuotaExceeded(err):
		a.quotaDenied(user)
		return 0, customErrors.ErrQuotaExceeded
	case err != nil:
		return 0, storeFailure(err, "IncrementUsage")
	}
	a.metrics.Event("usage", metrics.OK)
	return used, nil
}

func (a *authService) quotaDenied(user model.User) {
	a.log.Info("quota exceeded", lg.User(user.Email), zap.Int("plan_level", user.PlanLevel))
	a.metrics.Event("usage", metrics.Rejected)
}

func (a *authService) ChargeUsage(ctx context.Context, userID uuid.UUID) (model.UsageView, error) {
	user, err := a.userByID(ctx, userID)
	if err != nil {
		return model.UsageView{}, err
	}
	used, err := a.chargeUsage(ctx, user)
	if err != nil {
		return model.UsageView{}, err
	}
	return model.UsageView{
		Plan:      model.PlanName(user.PlanLevel),
		PlanLevel: user.PlanLevel,
		Used:      used,
		Allowance: int64(a.limiter.Allowance(user.PlanLevel)),
	}, nil
}

// ForgotPassword answers the same way whether or not the address is known.
func (a *authService) ForgotPassword(ctx context.Context, in dto.ForgotPasswordDTO) error {
	if err := a.v.Struct(in); err != nil {
		return customErrors.NewInvalidArgument(err.Error())
	}
	email := normalizeEmail(in.Email)

	sctx, cancel := a.storeCtx(ctx)
	user, err := a.users.GetUserByEmail(sctx, email)
	cancel()
	switch {
	case customErrors.IsNotFound(err):
		a.log.Info("password reset for unknown address", lg.User(email))
		return nil
	case err != nil:
		return storeFailure(err, "GetUserByEmail")
	}

	now := a.now()
	sctx, cancel = a.storeCtx(ctx)
	purged, err := a.resets.PurgeStale(sctx, now)
	cancel()
	if err != nil {
		a.log.Warn("reset token cleanup failed", zap.Error(err))
	} else if purged > 0 {
		a.log.Debug("reset tokens purged", zap.Int64("count", purged))
	}

	token, err := newResetToken()
	if err != nil {
		return customErrors.WrapInternal(err, "ForgotPassword")
	}

	sctx, cancel = a.storeCtx(ctx)
	_, err = a.resets.Create(sctx, user.ID, token, now.Add(a.cfg.ResetTokenTTL))
	cancel()
	if err != nil {
		return storeFailure(err, "CreateResetToken")
	}

	link, err := resetURL(a.cfg.ResetBaseURL, token)
	if err != nil {
		return customErrors.WrapInternal(err, "ForgotPassword")
	}
	if err := a.mailer.SendPasswordReset(ctx, user.Email, link); err != nil {
		a.metrics.Event("forgot_password", metrics.Failed)
		return customErrors.WrapInternal(err, "SendPasswordReset")
	}

	a.log.Info("password reset requested", lg.User(email))
	a.metrics.Event("forgot_password", metrics.OK)
	return nil
}

func newResetToken() (string, error) {
	b := make([]byte, resetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func resetURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ResetPassword checks the token before the new password so that a used or
// expired link is reported as such whatever the caller typed.
func (a *authService) ResetPassword(ctx context.Context, in dto.ResetPasswordDTO) error {
	if in.Token == "" {
		return customErrors.ErrResetTokenInvalid
	}

	sctx, cancel := a.storeCtx(ctx)
	rec, err := a.resets.FindByToken(sctx, in.Token)
	cancel()
	switch {
	case customErrors.IsNotFound(err):
		return customErrors.ErrResetTokenInvalid
	case err != nil:
		return storeFailure(err, "FindResetToken")
	}
	if rec.Used {
		return customErrors.ErrResetTokenUsed
	}
	if rec.Expired(a.now()) {
		return customErrors.ErrResetTokenExpired
	}

	if err := a.v.Struct(in); err != nil {
		return customErrors.NewInvalidArgument(err.Error())
	}
	if in.NewPassword != in.ConfirmPassword {
		return customErrors.ErrPasswordMismatch
	}

	hash, err := a.hasher.Hash(in.NewPassword)
	if err != nil {
		return customErrors.WrapInternal(err, "ResetPassword")
	}

	sctx, cancel = a.storeCtx(ctx)
	err = a.resets.ConsumeAndSetPassword(sctx, rec.ID, rec.UserID, hash)
	cancel()
	switch {
	case errors.Is(err, customErrors.ErrResetTokenUsed):
		return customErrors.ErrResetTokenUsed
	case err != nil:
		return storeFailure(err, "ConsumeResetToken")
	}

	if _, err := a.RevokeAllSessions(ctx, rec.UserID); err != nil {
		return err
	}

	a.log.Info("password reset", zap.String("user_id", rec.UserID.String()))
	a.metrics.Event("reset_password", metrics.OK)
	return nil
}
