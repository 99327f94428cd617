package services

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/joeyagent/backend/internal/models"
	"go.uber.org/zap"
	"gopkg.in/mail.v2"
)

// MailSender delivers prepared messages. *mail.Dialer implements it.
type MailSender interface {
	DialAndSend(m ...*mail.Message) error
}

// MailUserReader looks up the owner of a finished project
type MailUserReader interface {
	GetByID(ctx context.Context, id int) (*models.User, error)
}

// CompletionMailer emails project owners when their run reaches a terminal status
type CompletionMailer struct {
	sender MailSender
	users  MailUserReader
	from   string
	logger *zap.Logger
}

// NewCompletionMailer creates a completion mailer
func NewCompletionMailer(sender MailSender, users MailUserReader, from string, logger *zap.Logger) *CompletionMailer {
	return &CompletionMailer{
		sender: sender,
		users:  users,
		from:   from,
		logger: logger,
	}
}

// NotifyFinished sends the owner a summary of the finished project. Owners without an email are skipped.
func (m *CompletionMailer) NotifyFinished(ctx context.Context, project *models.Project) error {
	user, err := m.users.GetByID(ctx, project.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to get project owner: %w", err)
	}
	if user.Email == nil || strings.TrimSpace(*user.Email) == "" {
		m.logger.Debug("project owner has no email, skipping notification", zap.Int("project_id", project.ID))
		return nil
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", *user.Email)
	msg.SetHeader("Subject", completionSubject(project))
	msg.SetBody("text/html", completionBody(user, project))

	if err := m.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	m.logger.Info("completion email sent", zap.Int("project_id", project.ID), zap.Int("user_id", user.ID))
	return nil
}

func completionSubject(project *models.Project) string {
	return fmt.Sprintf("Project %q %s", project.Name, project.Status)
}

func completionBody(user *models.User, project *models.Project) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Hi %s,</p>", html.EscapeString(user.Username))
	fmt.Fprintf(&b, "<p>Your project <strong>%s</strong> finished with status <strong>%s</strong>.</p>",
		html.EscapeString(project.Name), project.Status)

	switch {
	case project.ResultSummary != nil:
		fmt.Fprintf(&b, "<pre>%s</pre>", html.EscapeString(*project.ResultSummary))
	case project.ErrorMessage != nil:
		fmt.Fprintf(&b, "<p>Error: %s</p>", html.EscapeString(*project.ErrorMessage))
	}
	return b.String()
}
