package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESAPI is the subset of the SES client the transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESConfig struct {
	Region    string
	FromEmail string
	// ConfigurationSet enables SES event publishing when set.
	ConfigurationSet string
}

// SESTransport sends alerts through AWS SES.
type SESTransport struct {
	client SESAPI
	cfg    SESConfig
	logger *zap.Logger
}

// NewSESTransport loads the default AWS config for cfg.Region.
func NewSESTransport(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESTransportWithClient(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewSESTransportWithClient wraps an existing client.
func NewSESTransportWithClient(client SESAPI, cfg SESConfig, logger *zap.Logger) *SESTransport {
	return &SESTransport{client: client, cfg: cfg, logger: logger}
}

func (s *SESTransport) Name() string { return "ses" }

// Send delivers email as a multipart HTML + text message.
func (s *SESTransport) Send(ctx context.Context, email Email) (string, error) {
	if email.To == "" {
		return "", fmt.Errorf("email missing recipient")
	}
	if email.Subject == "" {
		return "", fmt.Errorf("email missing subject")
	}

	body := &types.Body{}
	if email.HTML != "" {
		body.Html = &types.Content{Data: aws.String(email.HTML), Charset: aws.String("UTF-8")}
	}
	if email.Text != "" {
		body.Text = &types.Content{Data: aws.String(email.Text), Charset: aws.String("UTF-8")}
	}
	if body.Html == nil && body.Text == nil {
		return "", fmt.Errorf("email missing body")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.cfg.FromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{email.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(email.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}
	if s.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigurationSet)
	}
	for k, v := range email.Tags {
		input.Tags = append(input.Tags, types.MessageTag{Name: aws.String(k), Value: aws.String(v)})
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Debug("email accepted by SES",
		zap.String("to", email.To),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}
