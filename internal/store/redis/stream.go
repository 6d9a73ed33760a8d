package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStreamKey    = "pixelboard:events"
	DefaultStreamMaxLen = 10000
)

// Stream fans accepted pixel events out to a capped Redis stream for live viewers.
type Stream struct {
	client *redis.Client
	key    string
	maxLen int64
	now    func() time.Time
}

func NewStream(url, key string, maxLen int64) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newStreamWithClient(client, key, maxLen), nil
}

func newStreamWithClient(client *redis.Client, key string, maxLen int64) *Stream {
	if key == "" {
		key = DefaultStreamKey
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &Stream{client: client, key: key, maxLen: maxLen, now: time.Now}
}

// Publish appends one accepted event and returns the event id carried in the entry.
func (s *Stream) Publish(ctx context.Context, ev model.PixelEvent) (string, error) {
	eventID := uuid.NewString()
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id": eventID,
			"board":    strconv.Itoa(int(ev.BoardID)),
			"x":        strconv.Itoa(ev.X),
			"y":        strconv.Itoa(ev.Y),
			"color":    string(ev.Color),
			"owner":    ev.Owner,
			"ts":       s.now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.key, err)
	}
	return eventID, nil
}

func (s *Stream) Key() string {
	return s.key
}

func (s *Stream) Close() error {
	return s.client.Close()
}
