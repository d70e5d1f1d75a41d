package server

import (
	"context"

	"github.com/MarcoPoloResearchLab/erdsync/internal/diagram"
	"github.com/MarcoPoloResearchLab/erdsync/internal/users"
	"go.uber.org/zap"
)

// Mailer delivers outbound notifications.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email string) error
	SendInvitation(ctx context.Context, email string, projectID diagram.ProjectID, invitedBy users.User) error
}

// LogMailer records notifications in the log instead of delivering them.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendPasswordReset(_ context.Context, email string) error {
	m.logger.Info("password reset requested", zap.String("email", email))
	return nil
}

func (m *LogMailer) SendInvitation(_ context.Context, email string, projectID diagram.ProjectID, invitedBy users.User) error {
	m.logger.Info("project invitation requested",
		zap.String("email", email),
		zap.String("project_id", projectID.String()),
		zap.String("invited_by", invitedBy.ID),
	)
	return nil
}
