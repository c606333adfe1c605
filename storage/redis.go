package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"mailq/queue"
)

// Redis keeps each message as a msgpack blob under <prefix>:msg:<id> and
// indexes non-terminal ids in the <prefix>:pending sorted set, scored by
// NextRetryAt in unix milliseconds.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisClient builds a client and pings it once. A failed ping is only
// logged so the service can start before Redis does.
func NewRedisClient(addr, password string, db int, logger *zap.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Failed to connect to Redis", zap.String("addr", addr), zap.Error(err))
	}
	return rdb
}

// NewRedis returns a store using the given key prefix ("mailq" when empty).
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "mailq"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) messageKey(id string) string {
	return r.prefix + ":msg:" + id
}

func (r *Redis) pendingKey() string {
	return r.prefix + ":pending"
}

// Insert stores a new message. An existing id is an error.
func (r *Redis) Insert(ctx context.Context, msg queue.QueuedMessage) error {
	data, err := msgpack.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	ok, err := r.client.SetNX(ctx, r.messageKey(msg.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	if !ok {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	if err := r.index(ctx, r.client, msg); err != nil {
		return fmt.Errorf("failed to index message %s: %w", msg.ID, err)
	}
	return nil
}

// Update writes the delivery state. A stored terminal message is never moved
// back to a non-terminal status.
func (r *Redis) Update(ctx context.Context, msg queue.QueuedMessage) error {
	data, err := msgpack.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	key := r.messageKey(msg.ID)

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var existing queue.QueuedMessage
			if err := msgpack.Unmarshal(current, &existing); err == nil &&
				existing.Status.Terminal() && !msg.Status.Terminal() {
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return r.index(ctx, pipe, msg)
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", msg.ID, err)
	}
	return nil
}

// index adds non-terminal messages to the pending set and removes the rest.
func (r *Redis) index(ctx context.Context, c redis.Cmdable, msg queue.QueuedMessage) error {
	if msg.Status.Terminal() {
		return c.ZRem(ctx, r.pendingKey(), msg.ID).Err()
	}
	return c.ZAdd(ctx, r.pendingKey(), redis.Z{
		Score:  float64(msg.NextRetryAt.UnixMilli()),
		Member: msg.ID,
	}).Err()
}

// Get returns the stored message or queue.ErrNotFound.
func (r *Redis) Get(ctx context.Context, id string) (queue.QueuedMessage, error) {
	data, err := r.client.Get(ctx, r.messageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return queue.QueuedMessage{}, ErrNotFound
	}
	if err != nil {
		return queue.QueuedMessage{}, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	var msg queue.QueuedMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return queue.QueuedMessage{}, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	return msg, nil
}

// LoadPending returns queued, retry and sending messages by NextRetryAt.
func (r *Redis) LoadPending(ctx context.Context) ([]queue.QueuedMessage, error) {
	ids, err := r.client.ZRange(ctx, r.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending index: %w", err)
	}
	return r.fetch(ctx, ids, pendingStatus, 0)
}

// LoadReady returns up to limit queued or retry messages due by now.
func (r *Redis) LoadReady(ctx context.Context, now time.Time, limit int) ([]queue.QueuedMessage, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending index: %w", err)
	}
	return r.fetch(ctx, ids, readyStatus, limit)
}

// fetch loads ids in index order, keeping rows whose status passes keep.
func (r *Redis) fetch(ctx context.Context, ids []string, keep func(queue.Status) bool, limit int) ([]queue.QueuedMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.messageKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	var out []queue.QueuedMessage
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var msg queue.QueuedMessage
		if err := msgpack.Unmarshal([]byte(s), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", ids[i], err)
		}
		if !keep(msg.Status) {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
