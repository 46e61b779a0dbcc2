package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// snsSubjectLimit is the longest subject SNS accepts.
const snsSubjectLimit = 100

const snsDefaultSubject = "Meetsync notification"

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes the JSON-encoded message to a client's topic, for agencies
// that fan notifications out to their own subscribers.
type SNS struct {
	client snsAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region   string
	Endpoint string // LocalStack or other compatible endpoint
}

func NewSNS(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNS, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &SNS{client: client, logger: logger}, nil
}

func newSNSWithClient(client snsAPI, logger *zap.Logger) *SNS {
	return &SNS{client: client, logger: logger}
}

func (s *SNS) Name() string { return NameSNS }

// Send publishes msg to target.TopicARN.
func (s *SNS) Send(ctx context.Context, target Target, msg Message) error {
	if target.TopicARN == "" {
		return &AdapterError{Channel: NameSNS, Err: fmt.Errorf("%w: missing topic arn", ErrInvalidTarget)}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return &AdapterError{Channel: NameSNS, Err: fmt.Errorf("marshal message: %w", err)}
	}

	subject := snsSubject(msg.Title)

	input := &sns.PublishInput{
		TopicArn: aws.String(target.TopicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Kind),
			},
			"client_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.ClientID),
			},
		},
	}
	input.Subject = aws.String(subject)

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return snsError(err)
	}

	s.logger.Debug("notification published to SNS",
		zap.String("booking_id", msg.BookingID),
		zap.String("topic_arn", target.TopicARN),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func snsError(err error) *AdapterError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &AdapterError{Channel: NameSNS, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &AdapterError{Channel: NameSNS, Err: fmt.Errorf("sns publish failed: %w", err)}
	}

	code := apiErr.ErrorCode()
	var kind error
	switch code {
	case "InvalidClientTokenId", "ExpiredToken", "UnrecognizedClientException", "SignatureDoesNotMatch", "MissingAuthenticationToken":
		kind = ErrUnauthorized
	case "AuthorizationError", "AccessDenied", "AccessDeniedException", "KMSAccessDenied":
		kind = ErrPermission
	case "NotFound", "InvalidParameter":
		kind = ErrInvalidTarget
	case "Throttled", "Throttling", "ThrottlingException":
		kind = ErrRateLimited
	default:
		kind = ErrRejected
	}
	return &AdapterError{Channel: NameSNS, Code: code, Err: fmt.Errorf("%w: %s", kind, apiErr.ErrorMessage())}
}

// snsSubject reduces a title to what SNS accepts as a subject: printable
// ASCII without line breaks, at most snsSubjectLimit characters.
func snsSubject(title string) string {
	var b strings.Builder
	space := false
	for _, r := range title {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			space = true
			continue
		case r < 0x21 || r > 0x7e:
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
		if b.Len() >= snsSubjectLimit {
			break
		}
	}
	subject := strings.TrimSpace(b.String())
	if len(subject) > snsSubjectLimit {
		subject = subject[:snsSubjectLimit]
	}
	if subject == "" {
		return snsDefaultSubject
	}
	return subject
}
