package http

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"time"

	"github.com/Miraines/MoonyAndStarry/session-service/internal/adapters/transport/http/dto"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/adapters/transport/http/middleware"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/app/auth/service"
	customErrors "github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/errors"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/model"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/infra/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"

	healthTimeout = 2 * time.Second
)

// Pinger is anything /health can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Handler struct {
	svc          service.Service
	log          *zap.Logger
	metrics      *metrics.Metrics
	cookieDomain string
	checks       map[string]Pinger
}

func NewHandler(
	svc service.Service,
	log *zap.Logger,
	m *metrics.Metrics,
	cookieDomain string,
	checks map[string]Pinger,
) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log, metrics: m, cookieDomain: cookieDomain, checks: checks}
}

func (h *Handler) Register(r gin.IRouter) {
	bearer := middleware.RequireBearer(h.svc)

	auth := r.Group("/auth")
	auth.POST("/signup", h.signup)
	auth.POST("/login", h.login)
	auth.POST("/refresh", h.refresh)
	auth.POST("/logout", h.logout)
	auth.POST("/logout-all", bearer, h.logoutAll)
	auth.GET("/sessions", bearer, h.sessions)
	auth.GET("/me", bearer, h.me)
	auth.POST("/introspect", h.introspect)
	auth.POST("/forgot-password", h.forgotPassword)
	auth.POST("/reset-password", h.resetPassword)

	r.POST("/api/usage", bearer, h.usage)
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
}

type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int             `json:"expires_in"`
	UserID       string          `json:"user_id"`
	User         *model.UserView `json:"user,omitempty"`
}

func clientMeta(c *gin.Context) model.ClientMeta {
	return model.ClientMeta{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

// bind decodes an optional JSON body; an empty body leaves dst untouched.
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "malformed request body"})
		return false
	}
	return true
}

func (h *Handler) setCookies(c *gin.Context, pair model.TokenPair) {
	c.SetSameSite(nethttp.SameSiteLaxMode)
	c.SetCookie(accessCookie, pair.AccessToken, int(pair.AccessTTL.Seconds()), "/", h.cookieDomain, true, true)

	c.SetSameSite(nethttp.SameSiteStrictMode)
	c.SetCookie(refreshCookie, pair.RefreshToken, int(pair.RefreshTTL.Seconds()), "/", h.cookieDomain, true, true)
}

func (h *Handler) clearCookies(c *gin.Context) {
	c.SetSameSite(nethttp.SameSiteLaxMode)
	c.SetCookie(accessCookie, "", -1, "/", h.cookieDomain, true, true)
	c.SetSameSite(nethttp.SameSiteStrictMode)
	c.SetCookie(refreshCookie, "", -1, "/", h.cookieDomain, true, true)
}

func (h *Handler) issueTokens(c *gin.Context, status int, pair model.TokenPair, user *model.UserView) {
	h.setCookies(c, pair)
	c.JSON(status, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(pair.AccessTTL.Seconds()),
		UserID:       pair.UserId.String(),
		User:         user,
	})
}

// refreshToken prefers the body and falls back to the refresh cookie.
func refreshToken(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	token, _ := c.Cookie(refreshCookie)
	return token
}

func (h *Handler) signup(c *gin.Context) {
	var body dto.SignupDTO
	if !bind(c, &body) {
		return
	}
	res, err := h.svc.Signup(c.Request.Context(), body, clientMeta(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	h.issueTokens(c, nethttp.StatusCreated, res.Tokens, &res.User)
}

func (h *Handler) login(c *gin.Context) {
	var body dto.LoginDTO
	if !bind(c, &body) {
		return
	}
	res, err := h.svc.Login(c.Request.Context(), body, clientMeta(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	h.issueTokens(c, nethttp.StatusOK, res.Tokens, &res.User)
}

func (h *Handler) refresh(c *gin.Context) {
	var body dto.RefreshDTO
	if !bind(c, &body) {
		return
	}
	body.RefreshToken = refreshToken(c, body.RefreshToken)
	if body.RefreshToken == "" {
		h.handleError(c, customErrors.ErrInvalidRefreshToken)
		return
	}
	pair, err := h.svc.Rotate(c.Request.Context(), body, clientMeta(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	h.issueTokens(c, nethttp.StatusOK, pair, nil)
}

func (h *Handler) logout(c *gin.Context) {
	var body dto.LogoutDTO
	if !bind(c, &body) {
		return
	}
	body.RefreshToken = refreshToken(c, body.RefreshToken)
	if err := h.svc.Logout(c.Request.Context(), body); err != nil {
		h.handleError(c, err)
		return
	}
	h.clearCookies(c)
	c.Status(nethttp.StatusNoContent)
}

func (h *Handler) logoutAll(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)
	n, err := h.svc.RevokeAllSessions(c.Request.Context(), claims.UserID())
	if err != nil {
		h.handleError(c, err)
		return
	}
	h.clearCookies(c)
	c.JSON(nethttp.StatusOK, gin.H{"revoked": n})
}

func (h *Handler) sessions(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)
	list, err := h.svc.ListSessions(c.Request.Context(), claims.UserID())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, gin.H{"sessions": list})
}

func (h *Handler) me(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)
	view, err := h.svc.Me(c.Request.Context(), claims.UserID())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, view)
}

func (h *Handler) introspect(c *gin.Context) {
	var body dto.IntrospectDTO
	if !bind(c, &body) {
		return
	}
	claims, err := h.svc.Introspect(c.Request.Context(), body.AccessToken)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, gin.H{
		"active":   true,
		"sub":      claims.Subject,
		"email":    claims.Email,
		"username": claims.Username,
		"exp":      claims.ExpiresAtTime().Unix(),
	})
}

func (h *Handler) forgotPassword(c *gin.Context) {
	var body dto.ForgotPasswordDTO
	if !bind(c, &body) {
		return
	}
	if err := h.svc.ForgotPassword(c.Request.Context(), body); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(nethttp.StatusAccepted, gin.H{"message": "if the address is registered, a reset link has been sent"})
}

func (h *Handler) resetPassword(c *gin.Context) {
	var body dto.ResetPasswordDTO
	if !bind(c, &body) {
		return
	}
	if err := h.svc.ResetPassword(c.Request.Context(), body); err != nil {
		h.handleError(c, err)
		return
	}
	h.clearCookies(c)
	c.JSON(nethttp.StatusOK, gin.H{"message": "password updated"})
}

func (h *Handler) usage(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)
	view, err := h.svc.ChargeUsage(c.Request.Context(), claims.UserID())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, view)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := nethttp.StatusOK
	report := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
			report[name] = "down"
			status = nethttp.StatusServiceUnavailable
			continue
		}
		report[name] = "up"
	}

	overall := "ok"
	if status != nethttp.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": report})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	status, msg := mapError(err)
	if status >= nethttp.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": msg})
}

var resetErrors = []error{
	customErrors.ErrResetTokenUsed,
	customErrors.ErrResetTokenExpired,
	customErrors.ErrResetTokenInvalid,
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, customErrors.ErrInvalidArgument):
		return nethttp.StatusBadRequest, err.Error()
	case errors.Is(err, customErrors.ErrPasswordMismatch):
		return nethttp.StatusBadRequest, customErrors.ErrPasswordMismatch.Error()
	case customErrors.IsResetToken(err):
		for _, target := range resetErrors {
			if errors.Is(err, target) {
				return nethttp.StatusBadRequest, target.Error()
			}
		}
		return nethttp.StatusBadRequest, customErrors.ErrResetTokenInvalid.Error()
	case errors.Is(err, customErrors.ErrInvalidCredentials):
		return nethttp.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, customErrors.ErrInvalidRefreshToken):
		return nethttp.StatusUnauthorized, "invalid refresh token"
	case errors.Is(err, customErrors.ErrUnauthenticated), errors.Is(err, customErrors.ErrInvalidToken):
		return nethttp.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, customErrors.ErrQuotaExceeded):
		return nethttp.StatusTooManyRequests, "usage quota exceeded"
	case errors.Is(err, customErrors.ErrAlreadyExists):
		return nethttp.StatusConflict, "user already exists"
	case errors.Is(err, customErrors.ErrNotFound):
		return nethttp.StatusNotFound, "not found"
	case errors.Is(err, customErrors.ErrStoreUnavailable):
		return nethttp.StatusServiceUnavailable, "service unavailable"
	default:
		return nethttp.StatusInternalServerError, "internal error"
	}
}
