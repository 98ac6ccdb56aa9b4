// Package notify renders saved-search alerts and hands them to an email
// transport. Delivery is attempted exactly once per call; retry is left to the
// next scheduled run, which still sees the same matches because a failed
// dispatch never advances the watermark.
package notify

import (
	"context"
	"errors"
)

var (
	// ErrUnknownRecipient means the owner has no email on file. Nothing is
	// sent; callers treat it as a skip rather than a failure.
	ErrUnknownRecipient = errors.New("recipient email unknown")

	// ErrInvalidRecipient means the email on file does not parse.
	ErrInvalidRecipient = errors.New("recipient email malformed")

	// ErrDispatch wraps every transport failure.
	ErrDispatch = errors.New("notification dispatch failed")

	// ErrQuotaExceeded is returned when the shared send quota is used up.
	ErrQuotaExceeded = errors.New("send quota exceeded")

	// ErrNoMatches is returned when asked to notify about nothing.
	ErrNoMatches = errors.New("no matches to notify")
)

// Email is a rendered, ready-to-send message.
type Email struct {
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Text    string            `json:"text"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Transport delivers one email and returns the provider message id.
type Transport interface {
	Send(ctx context.Context, email Email) (string, error)
	Name() string
}
