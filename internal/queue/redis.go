package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/logger"
)

const (
	jobField        = "job"
	enqueuedAtField = "enqueued_at"

	defaultConnectionTimeout = 2 * time.Second
	defaultBlock             = 2 * time.Second
	defaultClaimIdle         = 10 * time.Minute
	maxPendingCheck          = 100
	maxPromoteBatch          = 100
)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	Addr      string
	Password  string `json:"-"`
	DB        int
	Stream    string // delayed messages live in Stream+":delayed"
	Group     string
	Consumer  string
	Block     time.Duration
	ClaimIdle time.Duration
}

// RedisQueue is a Queue on a Redis stream with a consumer group. Retries
// wait in a sorted set scored by ready time until promoted.
type RedisQueue struct {
	client    *redis.Client
	stream    string
	delayed   string
	group     string
	consumer  string
	block     time.Duration
	claimIdle time.Duration
}

// NewRedisQueue connects, then creates the stream and consumer group.
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	q := &RedisQueue{
		client:    client,
		stream:    cfg.Stream,
		delayed:   cfg.Stream + ":delayed",
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		block:     cfg.Block,
		claimIdle: cfg.ClaimIdle,
	}
	if q.block <= 0 {
		q.block = defaultBlock
	}
	if q.claimIdle <= 0 {
		q.claimIdle = defaultClaimIdle
	}
	if q.consumer == "" {
		return nil, errors.New("consumer name is required")
	}

	err := client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return q, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg domain.JobMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize job message: %w", err)
	}
	return q.add(ctx, string(data))
}

func (q *RedisQueue) add(ctx context.Context, data string) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			jobField:        data,
			enqueuedAtField: time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}
	return nil
}

func (q *RedisQueue) Schedule(ctx context.Context, msg domain.JobMessage, readyAt time.Time) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize job message: %w", err)
	}
	return q.client.ZAdd(ctx, q.delayed, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(data),
	}).Err()
}

// promoteScript moves due members from the delayed set (KEYS[1]) to the
// stream (KEYS[2]). Each member is added before it is removed, so a failed
// XADD leaves it scheduled.
var promoteScript = redis.NewScript(`
	local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	for _, m in ipairs(members) do
		redis.call("XADD", KEYS[2], "*", ARGV[3], m, ARGV[4], ARGV[5])
		redis.call("ZREM", KEYS[1], m)
	end
	return #members
`)

// PromoteDue moves due members into the stream. The move runs as one
// script, so concurrent promoters never add the same member twice and a
// member is never lost between the two sets.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	moved, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayed, q.stream},
		strconv.FormatInt(now.UnixMilli(), 10),
		maxPromoteBatch,
		jobField,
		enqueuedAtField,
		time.Now().UTC().Format(time.RFC3339),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed messages: %w", err)
	}
	return moved, nil
}

// Dequeue first reclaims messages left pending by dead consumers, then
// reads new ones.
func (q *RedisQueue) Dequeue(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if reclaimed := q.reclaim(ctx, max); len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream %s: %w", q.stream, err)
	}

	var out []Delivery
	for _, s := range streams {
		out = append(out, q.parse(ctx, s.Messages)...)
	}
	return out, nil
}

func (q *RedisQueue) reclaim(ctx context.Context, max int) []Delivery {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  maxPendingCheck,
	}).Result()
	if err != nil {
		return nil
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= q.claimIdle {
			ids = append(ids, p.ID)
			if len(ids) == max {
				break
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return nil
	}
	if len(claimed) > 0 {
		logger.With(logger.Fields{logger.FieldCount: len(claimed)}).Info(ctx, "Reclaimed idle messages")
	}
	return q.parse(ctx, claimed)
}

// parse decodes messages. Malformed ones are acked and dropped so they do
// not come back forever.
func (q *RedisQueue) parse(ctx context.Context, msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		var msg domain.JobMessage
		data, ok := m.Values[jobField].(string)
		if ok {
			ok = json.Unmarshal([]byte(data), &msg) == nil
		}
		if !ok {
			logger.FromContext(ctx).WithField("message_id", m.ID).Error("Dropping malformed job message")
			_ = q.ack(ctx, m.ID)
			continue
		}
		out = append(out, Delivery{ID: m.ID, Message: msg})
	}
	return out
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.ack(ctx, d.ID)
}

func (q *RedisQueue) ack(ctx context.Context, id string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", id, err)
	}
	return q.client.XDel(ctx, q.stream, id).Err()
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	ready, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.client.ZCard(ctx, q.delayed).Result()
	if err != nil {
		return 0, err
	}
	return ready + delayed, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
