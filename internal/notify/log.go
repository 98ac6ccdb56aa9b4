package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogTransport logs emails instead of sending them (for development).
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(ctx context.Context, email Email) (string, error) {
	id := uuid.NewString()
	t.logger.Info("email sent",
		zap.String("message_id", id),
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
		zap.Int("text_bytes", len(email.Text)),
	)
	return id, nil
}
