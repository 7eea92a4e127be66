package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInternal            = errors.New("internal error")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrQuotaExceeded       = errors.New("usage quota exceeded")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrEncoding            = errors.New("token encoding failed")
	ErrPasswordMismatch    = errors.New("passwords do not match")
	ErrResetTokenInvalid   = errors.New("invalid reset token")
	ErrResetTokenUsed      = errors.New("reset token already used")
	ErrResetTokenExpired   = errors.New("reset token expired")
)

func NewInvalidArgument(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, msg)
}

func WrapInternal(err error, context string) error {
	return fmt.Errorf("%w: %s: %v", ErrInternal, context, err)
}

// WrapStoreUnavailable keeps the cause reachable through errors.Is so callers
// can still tell a deadline from a transport failure if they need to.
func WrapStoreUnavailable(err error, op string) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func WrapEncoding(err error, context string) error {
	return fmt.Errorf("%w: %s: %v", ErrEncoding, context, err)
}

// FromContext maps an expired or cancelled store deadline onto
// ErrStoreUnavailable. Errors already marked unavailable pass through as is.
func FromContext(err error, op string) error {
	if IsStoreUnavailable(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WrapStoreUnavailable(err, op)
	}
	return err
}

func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

func IsInvalidToken(err error) bool {
	return errors.Is(err, ErrInvalidToken)
}

func IsInvalidRefreshToken(err error) bool {
	return errors.Is(err, ErrInvalidRefreshToken)
}

func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated)
}

func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

func IsEncoding(err error) bool {
	return errors.Is(err, ErrEncoding)
}

func IsPasswordMismatch(err error) bool {
	return errors.Is(err, ErrPasswordMismatch)
}

// IsResetToken reports whether err is any of the reset-token rejections.
func IsResetToken(err error) bool {
	return errors.Is(err, ErrResetTokenInvalid) ||
		errors.Is(err, ErrResetTokenUsed) ||
		errors.Is(err, ErrResetTokenExpired)
}
