// Package sns pages operators through an SNS topic when a run fails or
// most of its subscriptions error out.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/alerter/internal/runner"
)

// API is the subset of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Severity of an ops alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Alert is the JSON message published to the topic.
type Alert struct {
	Severity   Severity        `json:"severity"`
	Reason     string          `json:"reason"`
	ErrorRatio float64         `json:"error_ratio"`
	Summary    *runner.Summary `json:"summary"`
}

// AlertPublisher implements runner.Reporter and stays silent for healthy
// runs.
type AlertPublisher struct {
	client    API
	topicARN  string
	threshold float64
	logger    *zap.Logger
}

// NewAlertPublisher creates a publisher from the default AWS config. The
// endpoint override is for LocalStack and may be empty.
func NewAlertPublisher(ctx context.Context, region, topicARN, endpoint string, threshold float64, logger *zap.Logger) (*AlertPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return NewAlertPublisherWithClient(client, topicARN, threshold, logger), nil
}

// NewAlertPublisherWithClient wraps an existing client. threshold is the
// error ratio above which a warning is published.
func NewAlertPublisherWithClient(client API, topicARN string, threshold float64, logger *zap.Logger) *AlertPublisher {
	return &AlertPublisher{client: client, topicARN: topicARN, threshold: threshold, logger: logger}
}

// Evaluate returns the alert a summary warrants, or nil.
func (p *AlertPublisher) Evaluate(s *runner.Summary) *Alert {
	if s.Failed() {
		return &Alert{Severity: SeverityCritical, Reason: s.Failure, Summary: s}
	}
	ratio := s.ErrorRatio()
	if s.Processed > 0 && ratio > p.threshold {
		return &Alert{
			Severity:   SeverityWarning,
			Reason:     fmt.Sprintf("%d of %d subscriptions errored", s.Errors, s.Processed),
			ErrorRatio: ratio,
			Summary:    s,
		}
	}
	return nil
}

// Report publishes an alert when Evaluate finds one.
func (p *AlertPublisher) Report(ctx context.Context, s *runner.Summary) error {
	alert := p.Evaluate(s)
	if alert == nil {
		return nil
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(fmt.Sprintf("[%s] alerter %s run", alert.Severity, s.Frequency)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"severity": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(alert.Severity)),
			},
			"frequency": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(s.Frequency)),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Warn("ops alert published",
		zap.String("run_id", s.RunID.String()),
		zap.String("severity", string(alert.Severity)),
		zap.String("reason", alert.Reason),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
