package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

const (
	defaultMessageTTL = 7 * 24 * time.Hour
	roomsKey          = "rooms:activity"
)

// RedisStore keeps each room's messages in a sorted set scored by creation
// time in milliseconds. Room sets expire messageTTL after their last write.
// The room directory is a sorted set scored by last activity; rooms idle
// for longer than messageTTL drop out of it together with their history.
type RedisStore struct {
	client     *redis.Client
	messageTTL time.Duration
	logger     zerolog.Logger
}

var _ interfaces.MessageRepository = (*RedisStore)(nil)

// NewRedisStore connects to redisURL and pings it.
func NewRedisStore(ctx context.Context, redisURL string, messageTTL time.Duration, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if messageTTL <= 0 {
		messageTTL = defaultMessageTTL
	}
	return &RedisStore{
		client:     client,
		messageTTL: messageTTL,
		logger:     logger.With().Str("component", "redis").Logger(),
	}, nil
}

func roomMessagesKey(room types.RoomKey) string {
	return fmt.Sprintf("room:%s:messages", room)
}

// StoreMessage adds message to its room set and the room directory in one
// transaction.
func (s *RedisStore) StoreMessage(ctx context.Context, message *types.Message) error {
	defer observe("redis", "store", time.Now())

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	key := roomMessagesKey(message.Room)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(message.CreatedAt.UnixMilli()),
			Member: string(data),
		})
		pipe.Expire(ctx, key, s.messageTTL)
		pipe.ZAdd(ctx, roomsKey, redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: string(message.Room),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// RoomHistory returns up to limit of the newest messages, oldest first.
// Members that no longer decode are skipped.
func (s *RedisStore) RoomHistory(ctx context.Context, room types.RoomKey, limit int) ([]types.Message, error) {
	defer observe("redis", "history", time.Now())

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	results, err := s.client.ZRevRange(ctx, roomMessagesKey(room), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read room history: %w", err)
	}

	messages := make([]types.Message, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		var msg types.Message
		if err := json.Unmarshal([]byte(results[i]), &msg); err != nil {
			s.logger.Warn().Err(err).Str("room", room.String()).Msg("skipping undecodable message")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisStore) TouchRoom(ctx context.Context, room types.RoomKey) error {
	defer observe("redis", "touch", time.Now())

	// joining keeps an idle room's history alive as well
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, roomsKey, redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: string(room),
		})
		pipe.Expire(ctx, roomMessagesKey(room), s.messageTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to touch room: %w", err)
	}
	return nil
}

// ListRooms prunes rooms idle for longer than the message TTL and returns
// the rest in key order.
func (s *RedisStore) ListRooms(ctx context.Context) ([]types.RoomKey, error) {
	defer observe("redis", "rooms", time.Now())

	cutoff := idleCutoff(time.Now(), s.messageTTL)
	var members *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, roomsKey, "-inf", "("+cutoff)
		members = pipe.ZRange(ctx, roomsKey, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return sortedRooms(members.Val()), nil
}

// idleCutoff is the lowest activity score still listed.
func idleCutoff(now time.Time, ttl time.Duration) string {
	return strconv.FormatInt(now.Add(-ttl).UnixMilli(), 10)
}

func sortedRooms(members []string) []types.RoomKey {
	sort.Strings(members)
	rooms := make([]types.RoomKey, len(members))
	for i, m := range members {
		rooms[i] = types.RoomKey(m)
	}
	return rooms
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
