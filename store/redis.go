package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"mpxsync/internal"
)

// RedisConfig configures the shared Redis connection
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisConfigFrom extracts the Redis settings of cfg
func RedisConfigFrom(cfg *internal.Config) RedisConfig {
	return RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewRedisClient opens a Redis client and checks it is reachable
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", strings.Join(addrs, ","), err)
	}
	return client, nil
}

// RedisTokenStore caches tokens under token:<owner> with a Redis expiry
// matching the token's own
type RedisTokenStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisTokenStore(client redis.UniversalClient) *RedisTokenStore {
	return &RedisTokenStore{client: client, now: time.Now}
}

func tokenKey(ownerID string) string {
	return "token:" + ownerID
}

func (s *RedisTokenStore) Get(ctx context.Context, ownerID string) (*internal.Token, error) {
	data, err := s.client.Get(ctx, tokenKey(ownerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get token: %w", err)
	}

	var token internal.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &token, nil
}

func (s *RedisTokenStore) Set(ctx context.Context, token *internal.Token) error {
	if token == nil || token.OwnerID == "" {
		return fmt.Errorf("token owner is required")
	}
	ttl := token.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, token.OwnerID)
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := s.client.Set(ctx, tokenKey(token.OwnerID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Delete(ctx context.Context, ownerID string) error {
	if err := s.client.Del(ctx, tokenKey(ownerID)).Err(); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// releaseScript deletes a lock key only while it still carries the
// caller's owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out named locks shared by every process using the
// same Redis
type RedisLocker struct {
	client redis.UniversalClient
	poll   time.Duration
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, poll: lockPollInterval}
}

func lockKey(name string) string {
	return "lock:" + name
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, wait, lease time.Duration) (internal.Lock, error) {
	owner := uuid.NewString()
	key := lockKey(name)
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, owner, lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			return &redisLock{client: l.client, key: key, owner: owner}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, internal.NewLockContentionError(name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	owner  string
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// RedisWorkQueue keeps each queue in a Redis stream read through one
// consumer group. Entries claimed but not acked within the visibility
// timeout are claimed again by the next caller.
type RedisWorkQueue struct {
	client     redis.UniversalClient
	group      string
	consumer   string
	visibility time.Duration
	logger     *slog.Logger
}

// RedisWorkQueueConfig configures a RedisWorkQueue
type RedisWorkQueueConfig struct {
	Group      string
	Consumer   string
	Visibility time.Duration
	Logger     *slog.Logger
}

func NewRedisWorkQueue(client redis.UniversalClient, cfg RedisWorkQueueConfig) *RedisWorkQueue {
	q := &RedisWorkQueue{
		client:     client,
		group:      strings.TrimSpace(cfg.Group),
		consumer:   strings.TrimSpace(cfg.Consumer),
		visibility: cfg.Visibility,
		logger:     cfg.Logger,
	}
	if q.group == "" {
		q.group = "mpxsync-workers"
	}
	if q.consumer == "" {
		q.consumer = "consumer-" + uuid.NewString()
	}
	if q.visibility <= 0 {
		q.visibility = 30 * time.Minute
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

func (q *RedisWorkQueue) Create(ctx context.Context, queue string) error {
	err := q.client.XGroupCreateMkStream(ctx, queue, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group on %s: %w", queue, err)
	}
	return nil
}

func (q *RedisWorkQueue) Enqueue(ctx context.Context, queue string, window internal.BatchWindow) error {
	payload, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

// Claim returns a stale pending entry when there is one, otherwise the next
// new entry
func (q *RedisWorkQueue) Claim(ctx context.Context, queue string) (*internal.QueueItem, error) {
	stale, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queue,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("autoclaim from %s: %w", queue, err)
	}
	if len(stale) > 0 {
		q.logger.Debug("redelivering stale queue entry", "queue", queue, "id", stale[0].ID)
		return q.decode(ctx, queue, stale[0])
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read from %s: %w", queue, err)
	}
	for _, stream := range streams {
		for _, message := range stream.Messages {
			return q.decode(ctx, queue, message)
		}
	}
	return nil, nil
}

// decode turns a stream message into a queue item. Undecodable entries are
// acked and dropped so they cannot wedge the queue.
func (q *RedisWorkQueue) decode(ctx context.Context, queue string, message redis.XMessage) (*internal.QueueItem, error) {
	payload, _ := message.Values["payload"].(string)
	var window internal.BatchWindow
	if err := json.Unmarshal([]byte(payload), &window); err != nil {
		q.logger.Error("dropping undecodable queue entry", "queue", queue, "id", message.ID, "error", err)
		item := &internal.QueueItem{ID: message.ID, Queue: queue}
		if ackErr := q.Ack(ctx, item); ackErr != nil {
			return nil, ackErr
		}
		return nil, fmt.Errorf("decode queue entry %s: %w", message.ID, err)
	}
	return &internal.QueueItem{ID: message.ID, Queue: queue, Window: window}, nil
}

// Ack acknowledges and removes the entry from its stream
func (q *RedisWorkQueue) Ack(ctx context.Context, item *internal.QueueItem) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, item.Queue, q.group, item.ID)
	pipe.XDel(ctx, item.Queue, item.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", item.ID, err)
	}
	return nil
}

// Len counts entries not yet acked, claimed or not
func (q *RedisWorkQueue) Len(ctx context.Context, queue string) (int64, error) {
	n, err := q.client.XLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("length of %s: %w", queue, err)
	}
	return n, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "NOGROUP")
}
