package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/metrics"
)

const (
	// DeliveryTTL is how long a processed callback delivery is remembered.
	// The provider retries for up to a day.
	DeliveryTTL = 24 * time.Hour

	// processingTTL bounds the lock held while a delivery is being ingested.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

// ErrInFlight means the same delivery is being processed right now.
var ErrInFlight = errors.New("delivery is already being processed")

// DeliveryResult is the cached response for a processed callback.
type DeliveryResult struct {
	Status     string `json:"status"`
	BookingID  string `json:"booking_id,omitempty"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService deduplicates provider callback deliveries per client.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	now    func() time.Time
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{client: client, logger: logger, now: time.Now}
}

func (s *IdempotencyService) key(clientID, deliveryKey string) string {
	return fmt.Sprintf("delivery:%s:%s", clientID, deliveryKey)
}

// Check returns the cached result for a delivery, nil when unseen, or
// ErrInFlight while another request holds the lock.
func (s *IdempotencyService) Check(ctx context.Context, clientID, deliveryKey string) (*DeliveryResult, error) {
	val, err := s.client.rdb.Get(ctx, s.key(clientID, deliveryKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if val == processingMarker {
		return nil, ErrInFlight
	}

	var result DeliveryResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("decode cached delivery: %w", err)
	}
	metrics.RecordIdempotencyHit()
	s.logger.Debug("duplicate delivery",
		zap.String("client_id", clientID),
		zap.String("delivery_key", deliveryKey),
	)
	return &result, nil
}

// Reserve takes the processing lock with SET NX. It reports false when the
// key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, clientID, deliveryKey string) (bool, error) {
	ok, err := s.client.rdb.SetNX(ctx, s.key(clientID, deliveryKey), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// CheckOrReserve returns a cached result, or reserves the key and returns
// nil. A concurrent holder yields ErrInFlight.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, clientID, deliveryKey string) (*DeliveryResult, error) {
	result, err := s.Check(ctx, clientID, deliveryKey)
	if err != nil || result != nil {
		return result, err
	}

	ok, err := s.Reserve(ctx, clientID, deliveryKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInFlight
	}
	return nil, nil
}

// Store replaces the lock with the final result.
func (s *IdempotencyService) Store(ctx context.Context, clientID, deliveryKey string, result *DeliveryResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = s.now().Unix()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode delivery result: %w", err)
	}
	if err := s.client.rdb.Set(ctx, s.key(clientID, deliveryKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Release drops the lock after a failed attempt so a provider retry is
// processed again.
func (s *IdempotencyService) Release(ctx context.Context, clientID, deliveryKey string) error {
	if err := s.client.rdb.Del(ctx, s.key(clientID, deliveryKey)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
