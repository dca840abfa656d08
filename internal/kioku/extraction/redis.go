package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bdobrica/Kioku/common/spec/envelope"
	"github.com/bdobrica/Kioku/internal/kioku/apperr"
)

// RedisConfig addresses a Redis stream consumed by a consumer group.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Stream   string        `yaml:"stream"`
	Group    string        `yaml:"group"`
	Consumer string        `yaml:"consumer"`
	Block    time.Duration `yaml:"block"`
	// MinIdle is how long a delivery may stay unacked before another
	// consumer (or this one, after a restart) claims it.
	MinIdle time.Duration `yaml:"min_idle"`
}

const eventField = "event"

// RedisQueue is a Queue over Redis Streams. Unacked entries stay in the
// group's pending list and are reclaimed with XAUTOCLAIM once idle for
// MinIdle.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger

	mu      sync.Mutex
	drained bool // own pending entries from a previous run have been read
}

// NewRedisQueue connects and creates the stream and consumer group when
// they do not exist yet.
func NewRedisQueue(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisQueue, error) {
	if cfg.Stream == "" {
		cfg.Stream = "kioku:extract"
	}
	if cfg.Group == "" {
		cfg.Group = "kioku-extractors"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "kioku-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("extraction: connect redis %s: %w", cfg.Addr, err)
	}
	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close()
		return nil, fmt.Errorf("extraction: create group %s: %w", cfg.Group, err)
	}
	return &RedisQueue{client: client, cfg: cfg, logger: logger}, nil
}

func (q *RedisQueue) Publish(ctx context.Context, evt *envelope.Event) error {
	data, err := evt.Marshal()
	if err != nil {
		return err
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]interface{}{eventField: string(data)},
	}).Err()
	if err != nil {
		return apperr.Upstream("extraction.publish", err)
	}
	return nil
}

// Receive returns, in order of preference: this consumer's own pending
// entries left from a previous run, entries idle past MinIdle in the group,
// then new entries.
func (q *RedisQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}

		q.mu.Lock()
		drained := q.drained
		q.mu.Unlock()
		if !drained {
			d, ok, err := q.read(ctx, "0", 0)
			if err != nil {
				return Delivery{}, err
			}
			if ok {
				return d, nil
			}
			q.mu.Lock()
			q.drained = true
			q.mu.Unlock()
		}

		msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			MinIdle:  q.cfg.MinIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Delivery{}, apperr.Upstream("extraction.claim", err)
		}
		if len(msgs) > 0 {
			return delivery(msgs[0]), nil
		}

		d, ok, err := q.read(ctx, ">", q.cfg.Block)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}
	}
}

func (q *RedisQueue) read(ctx context.Context, id string, block time.Duration) (Delivery, bool, error) {
	args := &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, id},
		Count:    1,
		Block:    block,
	}
	if block == 0 {
		args.Block = -1 // no BLOCK clause
	}
	streams, err := q.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return Delivery{}, false, ctx.Err()
		}
		return Delivery{}, false, apperr.Upstream("extraction.receive", err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return delivery(s.Messages[0]), true, nil
		}
	}
	return Delivery{}, false, nil
}

func delivery(m redis.XMessage) Delivery {
	raw, _ := m.Values[eventField].(string)
	return Delivery{ID: m.ID, Data: []byte(raw)}
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID).Err(); err != nil {
		return apperr.Upstream("extraction.ack", err)
	}
	return nil
}

// Nack leaves the entry pending; XAUTOCLAIM picks it up after MinIdle.
func (q *RedisQueue) Nack(context.Context, Delivery) error { return nil }

func (q *RedisQueue) Close() error { return q.client.Close() }

var _ Queue = (*RedisQueue)(nil)
