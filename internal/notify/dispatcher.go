package notify

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/alerter/internal/db"
	"github.com/lalithlochan/alerter/internal/metrics"
)

// Receipt describes an accepted notification.
type Receipt struct {
	MessageID string
	Transport string
	Subject   string
}

// Dispatcher renders and sends saved-search notifications.
type Dispatcher struct {
	transport Transport
	renderer  *Renderer
	logger    *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(transport Transport, renderer *Renderer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		renderer:  renderer,
		logger:    logger,
	}
}

// Send renders the frequency-appropriate message for sub and matches and
// hands it to the transport once.
//
// Errors: ErrUnknownRecipient when recipient is empty (nothing attempted),
// ErrInvalidRecipient when it does not parse, ErrDispatch for transport
// failures. Rendering errors are returned as-is.
func (d *Dispatcher) Send(ctx context.Context, recipient string, sub db.Subscription, matches []db.Listing) (*Receipt, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, ErrUnknownRecipient
	}

	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}

	email, err := d.renderer.Render(addr.Address, sub, matches)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	messageID, err := d.transport.Send(ctx, email)
	metrics.RecordDispatch(d.transport.Name(), err == nil, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDispatch, d.transport.Name(), err)
	}

	d.logger.Info("notification sent",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("frequency", string(sub.Frequency)),
		zap.Int("matches", len(matches)),
		zap.String("transport", d.transport.Name()),
		zap.String("message_id", messageID),
	)

	return &Receipt{
		MessageID: messageID,
		Transport: d.transport.Name(),
		Subject:   email.Subject,
	}, nil
}
