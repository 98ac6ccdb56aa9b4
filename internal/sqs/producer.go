// Package sqs publishes run summaries to an SQS queue for downstream
// dashboards.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/alerter/internal/runner"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// API is the subset of the SQS client the producer uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Message is the queue payload of one run.
type Message struct {
	Type    string          `json:"type"`
	Summary *runner.Summary `json:"summary"`
}

const messageType = "alerter.run.completed"

// SummaryProducer sends one message per finished run.
type SummaryProducer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewSummaryProducer creates a producer from the default AWS config.
func NewSummaryProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*SummaryProducer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs summary producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewSummaryProducerWithClient(sqs.NewFromConfig(awsCfg), cfg.QueueURL, logger), nil
}

// NewSummaryProducerWithClient wraps an existing client.
func NewSummaryProducerWithClient(client API, queueURL string, logger *zap.Logger) *SummaryProducer {
	return &SummaryProducer{client: client, queueURL: queueURL, logger: logger}
}

// Report implements runner.Reporter.
func (p *SummaryProducer) Report(ctx context.Context, s *runner.Summary) error {
	body, err := json.Marshal(Message{Type: messageType, Summary: s})
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"frequency": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(s.Frequency)),
			},
			"failed": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strconv.FormatBool(s.Failed())),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("run summary enqueued",
		zap.String("run_id", s.RunID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
