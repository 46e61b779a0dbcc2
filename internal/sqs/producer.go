// Package sqs carries verified provider callbacks from the HTTP edge to the
// ingestion worker when asynchronous ingestion is enabled.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	Region   string
	QueueURL string
	Endpoint string // optional, for localstack
}

// Message is one verified callback. Body is the provider payload as received.
type Message struct {
	ClientID   uuid.UUID       `json:"client_id"`
	Event      string          `json:"event"`
	DedupeKey  string          `json:"dedupe_key"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Received is a dequeued message and the handle needed to delete it.
type Received struct {
	Message       Message
	ReceiptHandle string
	ReceiveCount  int
}

type api interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

func newClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer enqueues verified callbacks.
type Producer struct {
	client   api
	queueURL string
	logger   *zap.Logger
}

func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("sqs producer initialized", zap.String("queue_url", cfg.QueueURL))
	return &Producer{client: client, queueURL: cfg.QueueURL, logger: logger}, nil
}

// Enqueue sends msg and returns the SQS message ID.
func (p *Producer) Enqueue(ctx context.Context, msg Message) (string, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"client_id": {DataType: aws.String("String"), StringValue: aws.String(msg.ClientID.String())},
			"event":     {DataType: aws.String("String"), StringValue: aws.String(msg.Event)},
		},
	})
	if err != nil {
		p.logger.Error("failed to enqueue callback",
			zap.String("client_id", msg.ClientID.String()),
			zap.String("dedupe_key", msg.DedupeKey),
			zap.Error(err),
		)
		return "", fmt.Errorf("sqs send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Consumer long-polls the callback queue.
type Consumer struct {
	client      api
	queueURL    string
	batchSize   int32
	waitSeconds int32
	visibility  int32
	logger      *zap.Logger
}

func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("sqs consumer initialized", zap.String("queue_url", cfg.QueueURL))
	return newConsumer(client, cfg.QueueURL, logger), nil
}

func newConsumer(client api, queueURL string, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:      client,
		queueURL:    queueURL,
		batchSize:   10,
		waitSeconds: 20,
		visibility:  60,
		logger:      logger,
	}
}

// Receive returns up to ten messages. Bodies that do not decode are deleted
// and skipped; redelivering them would never succeed.
func (c *Consumer) Receive(ctx context.Context) ([]Received, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.queueURL),
		MaxNumberOfMessages:         c.batchSize,
		WaitTimeSeconds:             c.waitSeconds,
		VisibilityTimeout:           c.visibility,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	received := make([]Received, 0, len(out.Messages))
	for _, m := range out.Messages {
		var msg Message
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil {
			c.logger.Error("dropping undecodable message",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.Error(err),
			)
			if err := c.Delete(ctx, aws.ToString(m.ReceiptHandle)); err != nil {
				c.logger.Warn("failed to delete undecodable message", zap.Error(err))
			}
			continue
		}
		count, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		if err != nil {
			count = 1
		}
		received = append(received, Received{Message: msg, ReceiptHandle: aws.ToString(m.ReceiptHandle), ReceiveCount: count})
	}
	return received, nil
}

// Delete acknowledges a processed message.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

// Delay hides a message for seconds before it is redelivered.
func (c *Consumer) Delay(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility: %w", err)
	}
	return nil
}
