package dto

import (
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

type SignupDTO struct {
	Email           string `json:"email"            validate:"required,email"`
	Password        string `json:"password"         validate:"required,strongpwd"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
	Username        string `json:"username"         validate:"required,alphanum,min=3,max=20"`
}

type LoginDTO struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshDTO struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// LogoutDTO is not validated: logging out an empty or malformed token is a
// successful no-op.
type LogoutDTO struct {
	RefreshToken string `json:"refresh_token"`
}

type IntrospectDTO struct {
	AccessToken string `json:"access_token" validate:"required"`
}

type ForgotPasswordDTO struct {
	Email string `json:"email" validate:"required,email"`
}

type ResetPasswordDTO struct {
	Token           string `json:"token"            validate:"required"`
	NewPassword     string `json:"new_password"     validate:"required,strongpwd"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
}

// StrongPassword: at least 8 runes with one upper-case letter and one digit.
func StrongPassword(fl validator.FieldLevel) bool {
	pwd := fl.Field().String()
	if utf8.RuneCountInString(pwd) < 8 {
		return false
	}
	var hasUpper, hasDigit bool
	for _, r := range pwd {
		if unicode.IsUpper(r) {
			hasUpper = true
		}
		if unicode.IsDigit(r) {
			hasDigit = true
		}
	}
	return hasUpper && hasDigit
}

func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("strongpwd", StrongPassword)
	return v
}
