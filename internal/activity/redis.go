package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// Hash fields of the per-user state key.
const (
	fieldVersion      = "version"
	fieldLastActivity = "last_activity_at"
)

var recordActivityScript = redis.NewScript(`
	local v = redis.call("HINCRBY", KEYS[1], "version", 1)
	redis.call("HSET", KEYS[1], "last_activity_at", ARGV[1])
	redis.call("EXPIRE", KEYS[1], ARGV[2])
	redis.call("DEL", KEYS[2])
	return v
`)

var clearEpisodeIfScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

var refreshEpisodeScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
		return 1
	else
		return 0
	end
`)

// RedisStore keeps activity state in Redis. Both keys of a user share a hash tag so
// the scripts stay valid on a cluster.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	stateTTL   time.Duration
	episodeTTL time.Duration
	now        func() time.Time
}

// NewRedisStore creates a RedisStore over an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	cfg := applyOptions(opts)
	slog.Debug("NewRedisStore invoked", "prefix", cfg.Prefix, "stateTTL", cfg.StateTTL, "episodeTTL", cfg.EpisodeTTL)
	return &RedisStore{
		client:     client,
		prefix:     cfg.Prefix,
		stateTTL:   cfg.StateTTL,
		episodeTTL: cfg.EpisodeTTL,
		now:        cfg.Now,
	}
}

func (s *RedisStore) stateKey(botID, userID string) string {
	return fmt.Sprintf("%s:{%s:%s}", s.prefix, botID, userID)
}

func (s *RedisStore) episodeKey(botID, userID string) string {
	return s.stateKey(botID, userID) + ":episode"
}

func (s *RedisStore) RecordActivity(ctx context.Context, botID, userID string) (int64, error) {
	nowMs := s.now().UTC().UnixMilli()
	keys := []string{s.stateKey(botID, userID), s.episodeKey(botID, userID)}
	v, err := recordActivityScript.Run(ctx, s.client, keys, nowMs, int64(s.stateTTL/time.Second)).Int64()
	if err != nil {
		return 0, fmt.Errorf("record activity for %s/%s: %w", botID, userID, err)
	}
	slog.Debug("RedisStore.RecordActivity", "botID", botID, "userID", userID, "version", v)
	return v, nil
}

func (s *RedisStore) GetVersion(ctx context.Context, botID, userID string) (int64, error) {
	v, err := s.client.HGet(ctx, s.stateKey(botID, userID), fieldVersion).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get version for %s/%s: %w", botID, userID, err)
	}
	return v, nil
}

func (s *RedisStore) GetLastActivity(ctx context.Context, botID, userID string) (time.Time, error) {
	raw, err := s.client.HGet(ctx, s.stateKey(botID, userID), fieldLastActivity).Result()
	if errors.Is(err, redis.Nil) {
		return s.now().UTC(), nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last activity for %s/%s: %w", botID, userID, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("RedisStore.GetLastActivity: corrupt timestamp, using now", "botID", botID, "userID", userID, "value", raw)
		return s.now().UTC(), nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *RedisStore) TryAllocateEpisode(ctx context.Context, botID, userID, episodeID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.episodeKey(botID, userID), episodeID, s.episodeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("allocate episode for %s/%s: %w", botID, userID, err)
	}
	return ok, nil
}

func (s *RedisStore) AllocateEpisode(ctx context.Context, botID, userID, episodeID string) error {
	if err := s.client.Set(ctx, s.episodeKey(botID, userID), episodeID, s.episodeTTL).Err(); err != nil {
		return fmt.Errorf("refresh episode for %s/%s: %w", botID, userID, err)
	}
	return nil
}

func (s *RedisStore) RefreshEpisode(ctx context.Context, botID, userID, episodeID string) (bool, error) {
	n, err := refreshEpisodeScript.Run(ctx, s.client, []string{s.episodeKey(botID, userID)}, episodeID, s.episodeTTL.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh episode for %s/%s: %w", botID, userID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) CurrentEpisode(ctx context.Context, botID, userID string) (string, error) {
	id, err := s.client.Get(ctx, s.episodeKey(botID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get episode for %s/%s: %w", botID, userID, err)
	}
	return id, nil
}

func (s *RedisStore) ClearEpisode(ctx context.Context, botID, userID string) error {
	if err := s.client.Del(ctx, s.episodeKey(botID, userID)).Err(); err != nil {
		return fmt.Errorf("clear episode for %s/%s: %w", botID, userID, err)
	}
	return nil
}

func (s *RedisStore) ClearEpisodeIf(ctx context.Context, botID, userID, episodeID string) (bool, error) {
	n, err := clearEpisodeIfScript.Run(ctx, s.client, []string{s.episodeKey(botID, userID)}, episodeID).Int64()
	if err != nil {
		return false, fmt.Errorf("clear episode for %s/%s: %w", botID, userID, err)
	}
	return n > 0, nil
}
