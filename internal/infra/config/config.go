package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL string

	JWTSecret       string
	Issuer          string
	Audience        string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	PasswordPepper  string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	SessionBackend     string
	SessionRetention   time.Duration
	MaxSessionsPerUser int
	RevokeOnReplay     bool
	StoreTimeout       time.Duration

	// QuotaByTier overrides the default allowance per plan tier; a negative
	// value means unbounded.
	QuotaByTier map[int]int64

	ResetTokenTTL   time.Duration
	ResetBaseURL    string
	BrevoAPIKey     string
	BrevoBaseURL    string
	MailSenderName  string
	MailSenderEmail string

	HTTPAddress      string
	HTTPSCertFile    string
	HTTPSKeyFile     string
	AllowedOrigins   []string
	AllowCredentials bool
	CookieDomain     string
	IPRateLimit      int
	IPRateBurst      int

	LogLevel string
}

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	minSecretLen = 32
)

var required = []string{
	"DATABASE_URL",
	"JWT_SECRET",
	"JWT_ISSUER",
	"JWT_AUDIENCE",
	"PASSWORD_PEPPER",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ACCESS_TOKEN_TTL", "10m")
	v.SetDefault("REFRESH_TOKEN_TTL", "30m")
	v.SetDefault("REDIS_ADDRESS", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("SESSION_BACKEND", BackendPostgres)
	v.SetDefault("SESSION_RETENTION", "24h")
	v.SetDefault("MAX_SESSIONS_PER_USER", 0)
	v.SetDefault("REVOKE_ON_REPLAY", false)
	v.SetDefault("STORE_TIMEOUT", "3s")
	v.SetDefault("QUOTA_TIER0", 10)
	v.SetDefault("QUOTA_TIER1", 100)
	v.SetDefault("QUOTA_TIER2", 1000)
	v.SetDefault("QUOTA_TIER3", -1)
	v.SetDefault("RESET_TOKEN_TTL", "24h")
	v.SetDefault("RESET_BASE_URL", "http://localhost:3001/reset-password")
	v.SetDefault("BREVO_BASE_URL", "https://api.brevo.com")
	v.SetDefault("MAIL_SENDER_NAME", "PitWall")
	v.SetDefault("MAIL_SENDER_EMAIL", "no-reply@localhost")
	v.SetDefault("HTTP_ADDRESS", ":8080")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3001")
	v.SetDefault("ALLOW_CREDENTIALS", true)
	v.SetDefault("IP_RATE_LIMIT", 50)
	v.SetDefault("IP_RATE_BURST", 100)
	v.SetDefault("LOG_LEVEL", "info")
}

// Load reads config.json from the working directory when present, then lets
// environment variables override every key.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var missing []string
	for _, key := range required {
		if strings.TrimSpace(v.GetString(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	cfg := &Config{
		DatabaseURL:        v.GetString("DATABASE_URL"),
		JWTSecret:          v.GetString("JWT_SECRET"),
		Issuer:             v.GetString("JWT_ISSUER"),
		Audience:           v.GetString("JWT_AUDIENCE"),
		AccessTokenTTL:     v.GetDuration("ACCESS_TOKEN_TTL"),
		RefreshTokenTTL:    v.GetDuration("REFRESH_TOKEN_TTL"),
		PasswordPepper:     v.GetString("PASSWORD_PEPPER"),
		RedisAddress:       v.GetString("REDIS_ADDRESS"),
		RedisPassword:      v.GetString("REDIS_PASSWORD"),
		RedisDB:            v.GetInt("REDIS_DB"),
		SessionBackend:     strings.ToLower(v.GetString("SESSION_BACKEND")),
		SessionRetention:   v.GetDuration("SESSION_RETENTION"),
		MaxSessionsPerUser: v.GetInt("MAX_SESSIONS_PER_USER"),
		RevokeOnReplay:     v.GetBool("REVOKE_ON_REPLAY"),
		StoreTimeout:       v.GetDuration("STORE_TIMEOUT"),
		QuotaByTier: map[int]int64{
			0: v.GetInt64("QUOTA_TIER0"),
			1: v.GetInt64("QUOTA_TIER1"),
			2: v.GetInt64("QUOTA_TIER2"),
			3: v.GetInt64("QUOTA_TIER3"),
		},
		ResetTokenTTL:    v.GetDuration("RESET_TOKEN_TTL"),
		ResetBaseURL:     v.GetString("RESET_BASE_URL"),
		BrevoAPIKey:      v.GetString("BREVO_API_KEY"),
		BrevoBaseURL:     v.GetString("BREVO_BASE_URL"),
		MailSenderName:   v.GetString("MAIL_SENDER_NAME"),
		MailSenderEmail:  v.GetString("MAIL_SENDER_EMAIL"),
		HTTPAddress:      v.GetString("HTTP_ADDRESS"),
		HTTPSCertFile:    v.GetString("HTTPS_CERT_FILE"),
		HTTPSKeyFile:     v.GetString("HTTPS_KEY_FILE"),
		AllowedOrigins:   splitList(v.GetString("ALLOWED_ORIGINS")),
		AllowCredentials: v.GetBool("ALLOW_CREDENTIALS"),
		CookieDomain:     v.GetString("COOKIE_DOMAIN"),
		IPRateLimit:      v.GetInt("IP_RATE_LIMIT"),
		IPRateBurst:      v.GetInt("IP_RATE_BURST"),
		LogLevel:         v.GetString("LOG_LEVEL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.JWTSecret) < minSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretLen)
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return errors.New("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}
	switch c.SessionBackend {
	case BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.SessionBackend)
	}
	if (c.HTTPSCertFile == "") != (c.HTTPSKeyFile == "") {
		return errors.New("HTTPS_CERT_FILE and HTTPS_KEY_FILE must be set together")
	}
	return nil
}

// TLSEnabled reports whether the HTTP server should serve TLS.
func (c *Config) TLSEnabled() bool {
	return c.HTTPSCertFile != ""
}

// splitList accepts both "a,b" and the JSON-ish `["a","b"]` form.
func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
