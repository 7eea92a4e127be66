package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	customErrors "github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/errors"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/infra/config"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.brevo.com"
	sendPath       = "/v3/smtp/email"
	resetSubject   = "Reset your password"
)

var resetBody = template.Must(template.New("reset").Parse(
	`<h2>Password reset</h2>
<p>A password reset was requested for your {{.Sender}} account.</p>
<p><a href="{{.URL}}">Choose a new password</a></p>
<p>This link is valid for {{.Validity}}. If you did not ask for it, ignore this email.</p>`))

type party struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type message struct {
	Sender      party   `json:"sender"`
	To          []party `json:"to"`
	Subject     string  `json:"subject"`
	HTMLContent string  `json:"htmlContent"`
}

// BrevoMailer sends transactional mail through the Brevo HTTP API.
type BrevoMailer struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	sender   party
	validity time.Duration
	log      *zap.Logger
}

func NewBrevoMailer(cfg *config.Config, client *http.Client, log *zap.Logger) *BrevoMailer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := cfg.BrevoBaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &BrevoMailer{
		client:   client,
		baseURL:  strings.TrimRight(base, "/"),
		apiKey:   cfg.BrevoAPIKey,
		sender:   party{Name: cfg.MailSenderName, Email: cfg.MailSenderEmail},
		validity: cfg.ResetTokenTTL,
		log:      log,
	}
}

func (m *BrevoMailer) SendPasswordReset(ctx context.Context, to, resetURL string) error {
	var body bytes.Buffer
	err := resetBody.Execute(&body, struct {
		Sender   string
		URL      string
		Validity string
	}{m.sender.Name, resetURL, m.validity.String()})
	if err != nil {
		return customErrors.WrapEncoding(err, "render reset mail")
	}

	payload, err := json.Marshal(message{
		Sender:      m.sender,
		To:          []party{{Email: to}},
		Subject:     resetSubject,
		HTMLContent: body.String(),
	})
	if err != nil {
		return customErrors.WrapEncoding(err, "encode reset mail")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+sendPath, bytes.NewReader(payload))
	if err != nil {
		return customErrors.WrapInternal(err, "build mail request")
	}
	req.Header.Set("api-key", m.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return customErrors.WrapInternal(err, "send mail")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		m.log.Warn("mail provider rejected message",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", detail))
		return customErrors.WrapInternal(fmt.Errorf("status %d", resp.StatusCode), "send mail")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
