// Package sns publishes fan-out cycle summaries to an SNS topic so operators
// can audit every start, wake and end without scraping logs.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/liveactivity"
)

// snsAPI is the subset of *sns.Client the publisher uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher reports fan-out cycles to a topic
type Publisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

// CycleMessage is the JSON body published per cycle
type CycleMessage struct {
	CycleID           string    `json:"cycle_id"`
	Event             string    `json:"event"`
	Source            string    `json:"source"`
	Attempted         int       `json:"attempted"`
	Delivered         int       `json:"delivered"`
	InvalidRemoved    int       `json:"invalid_removed"`
	TransientFailures int       `json:"transient_failures"`
	StartedAt         time.Time `json:"started_at"`
	DurationMs        int64     `json:"duration_ms"`
}

// NewPublisher creates an SNS publisher for the given topic. A non-empty
// endpoint points the client at LocalStack.
func NewPublisher(ctx context.Context, topicARN, region, endpoint string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	logger.Info("sns cycle reporter enabled",
		zap.String("topic_arn", topicARN),
		zap.String("region", region),
	)

	return newPublisher(client, topicARN, logger), nil
}

func newPublisher(client snsAPI, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

func newCycleMessage(r liveactivity.FanOutResult) CycleMessage {
	return CycleMessage{
		CycleID:           r.CycleID,
		Event:             string(r.Event),
		Source:            r.Source,
		Attempted:         r.Attempted,
		Delivered:         r.Delivered,
		InvalidRemoved:    r.InvalidRemoved,
		TransientFailures: r.TransientFailures,
		StartedAt:         r.StartedAt.UTC(),
		DurationMs:        r.Duration.Milliseconds(),
	}
}

// Report publishes one cycle. Event and source are message attributes so
// subscriptions can filter, e.g. only cron-driven end cycles.
func (p *Publisher) Report(ctx context.Context, result liveactivity.FanOutResult) error {
	payload, err := json.Marshal(newCycleMessage(result))
	if err != nil {
		return fmt.Errorf("failed to marshal cycle: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(fmt.Sprintf("classpush %s cycle", result.Event)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(result.Event)),
			},
			"source": {
				DataType:    aws.String("String"),
				StringValue: aws.String(result.Source),
			},
		},
	}

	out, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("cycle reported",
		zap.String("cycle_id", result.CycleID),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
