package service

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/ruslanways/postways-v2/internal/config"
	"github.com/ruslanways/postways-v2/internal/middleware"
)

// Mailer sends account emails. With no SMTP host configured it logs the
// message instead, which keeps development and tests mail-server free.
type Mailer struct {
	host    string
	port    string
	from    string
	baseURL string
}

// NewMailer builds a Mailer from the application config.
func NewMailer(cfg *config.Config) *Mailer {
	return &Mailer{
		host:    cfg.SMTPHost,
		port:    cfg.SMTPPort,
		from:    cfg.SMTPFrom,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// SendRecovery mails a sign-in recovery link. Runs synchronously; callers
// wrap it in a goroutine so the HTTP response is not held up by SMTP.
func (m *Mailer) SendRecovery(to, token string) {
	link := fmt.Sprintf("%s/api/v1/auth/token/recovery/?token=%s", m.baseURL, token)
	body := "You requested access recovery for your account.\n\n" +
		"Follow the link to sign in:\n" + link + "\n\n" +
		"The link expires in 5 minutes. All previously issued tokens have been revoked.\n" +
		"If you did not request this, you can ignore this message."
	m.send(to, "Postways access recovery", body)
}

// SendEmailVerification mails a confirmation link for an email change.
func (m *Mailer) SendEmailVerification(to, token string) {
	link := fmt.Sprintf("%s/api/v1/auth/email/verify/?token=%s", m.baseURL, token)
	body := "Please confirm your new email address.\n\n" +
		"Follow the link to confirm:\n" + link + "\n\n" +
		"The link will expire in 24 hours.\n" +
		"If you did not request this change, you can ignore this message."
	m.send(to, "Postways email confirmation", body)
}

func (m *Mailer) send(to, subject, body string) {
	if m.host == "" {
		middleware.Logger.Info("SMTP not configured; logging email instead",
			slog.String("to", to),
			slog.String("subject", subject))
		return
	}

	msg := strings.Join([]string{
		"From: " + m.from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"utf-8\"",
		"",
		body,
	}, "\r\n")

	addr := m.host + ":" + m.port
	if err := smtp.SendMail(addr, nil, m.from, []string{to}, []byte(msg)); err != nil {
		middleware.Logger.Error("failed to send email",
			slog.String("to", to),
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
