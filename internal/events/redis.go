package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/agentrun/internal/domain"
)

// RedisConfig описывает параметры Redis-зеркала событий.
type RedisConfig struct {
	Address  string
	Password string
	DB       int

	// Prefix — префикс ключей stream. Default: "agentrun:events".
	Prefix string

	// MaxLen — приблизительный предел длины stream одного run. Default: 1000.
	MaxLen int64

	// TTL — время жизни stream после финального события. Default: 24h.
	TTL time.Duration
}

// RedisSink дублирует события в Redis Streams (один stream на run),
// откуда их читают UI и другие сервисы.
type RedisSink struct {
	client *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
}

// NewRedisSink подключается к Redis и проверяет соединение.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisSink(client, cfg), nil
}

func newRedisSink(client *redis.Client, cfg RedisConfig) *RedisSink {
	if cfg.Prefix == "" {
		cfg.Prefix = "agentrun:events"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &RedisSink{client: client, prefix: cfg.Prefix, maxLen: cfg.MaxLen, ttl: cfg.TTL}
}

// StreamKey возвращает ключ stream для run.
func (s *RedisSink) StreamKey(runID uuid.UUID) string {
	return s.prefix + ":" + runID.String()
}

// PublishEvent реализует Sink.
func (s *RedisSink) PublishEvent(ctx context.Context, ev domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := s.StreamKey(ev.RunID)
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":  string(ev.Type),
			"event": body,
		},
	})
	if ev.Terminal {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis xadd %s: %w", key, err)
	}
	return nil
}

// Read возвращает события run из stream, начиная после lastID ("0" — с начала).
func (s *RedisSink) Read(ctx context.Context, runID uuid.UUID, lastID string, count int64) ([]domain.Event, string, error) {
	start := "-"
	if lastID != "" && lastID != "0" {
		start = "(" + lastID
	}
	msgs, err := s.client.XRangeN(ctx, s.StreamKey(runID), start, "+", count).Result()
	if err != nil {
		return nil, lastID, fmt.Errorf("redis xrange: %w", err)
	}

	events := make([]domain.Event, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["event"].(string)
		var ev domain.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, lastID, fmt.Errorf("unmarshal event %s: %w", m.ID, err)
		}
		events = append(events, ev)
		lastID = m.ID
	}
	return events, lastID, nil
}

// Close закрывает соединение с Redis.
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
