package jwt

import (
	"errors"
	"time"

	customErrors "github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/errors"
	domainjwt "github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/jwt"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/infra/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type JwtUtilImpl struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

type Option func(*JwtUtilImpl)

// WithClock replaces time.Now for both minting and verification.
func WithClock(now func() time.Time) Option {
	return func(j *JwtUtilImpl) { j.now = now }
}

func NewJWTUtil(cfg *config.Config, opts ...Option) (*JwtUtilImpl, error) {
	if len(cfg.JWTSecret) == 0 {
		return nil, customErrors.WrapInternal(errors.New("empty secret"), "NewJWTUtil")
	}
	j := &JwtUtilImpl{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func (j *JwtUtilImpl) Issue(kind domainjwt.Kind, sub domainjwt.Subject, ttl time.Duration) (string, time.Time, error) {
	now := j.now()
	exp := now.Add(ttl)

	claims := domainjwt.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID.String(),
			Issuer:    j.issuer,
			Audience:  jwt.ClaimStrings{j.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(ceilSecond(exp)),
			ID:        uuid.NewString(),
		},
		Email:         sub.Email,
		Username:      sub.Username,
		Kind:          kind,
		ExpiresAtNano: exp.UnixNano(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", time.Time{}, customErrors.WrapEncoding(err, "sign "+string(kind)+" token")
	}

	return signed, exp, nil
}

func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); r.Before(t) {
		return r.Add(time.Second)
	}
	return t
}

// Verify never says why a token was rejected.
func (j *JwtUtilImpl) Verify(kind domainjwt.Kind, raw string) (domainjwt.Claims, error) {
	if raw == "" {
		return domainjwt.Claims{}, customErrors.ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	if j.audience != "" {
		opts = append(opts, jwt.WithAudience(j.audience))
	}

	token, err := jwt.ParseWithClaims(raw, &domainjwt.Claims{}, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return domainjwt.Claims{}, customErrors.ErrInvalidToken
	}

	claims, ok := token.Claims.(*domainjwt.Claims)
	if !ok || claims.Kind != kind {
		return domainjwt.Claims{}, customErrors.ErrInvalidToken
	}

	// exp only bounds the token to the second; the exclusive check is on the
	// precise expiry.
	if !j.now().Before(claims.ExpiresAtTime()) {
		return domainjwt.Claims{}, customErrors.ErrInvalidToken
	}

	return *claims, nil
}
