package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/groupchat/internal/models"
)

const (
	presenceTTL  = 24 * time.Hour
	violationTTL = time.Hour
)

const (
	presenceEngineKey     = "presence:engine"
	presencePopulationKey = "presence:population"
	presenceMembersKey    = "presence:members"
	presenceUpdatedKey    = "presence:updated_at"
)

// RedisStore handles Redis operations for presence and admin blocking.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// SetPresence replaces the published presence snapshot.
func (s *RedisStore) SetPresence(ctx context.Context, p *models.Presence) error {
	defer observe(time.Now())

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, presenceEngineKey, p.EngineID, presenceTTL)
	pipe.Set(ctx, presencePopulationKey, p.Population, presenceTTL)
	pipe.Set(ctx, presenceUpdatedKey, p.UpdatedAt.UnixMilli(), presenceTTL)
	pipe.Del(ctx, presenceMembersKey)
	if len(p.Members) > 0 {
		members := make([]interface{}, len(p.Members))
		for i, m := range p.Members {
			members[i] = m
		}
		pipe.RPush(ctx, presenceMembersKey, members...)
		pipe.Expire(ctx, presenceMembersKey, presenceTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetPresence returns the last published snapshot, or nil if none exists.
func (s *RedisStore) GetPresence(ctx context.Context) (*models.Presence, error) {
	defer observe(time.Now())

	pipe := s.client.Pipeline()
	engineCmd := pipe.Get(ctx, presenceEngineKey)
	populationCmd := pipe.Get(ctx, presencePopulationKey)
	updatedCmd := pipe.Get(ctx, presenceUpdatedKey)
	membersCmd := pipe.LRange(ctx, presenceMembersKey, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	engineID, err := engineCmd.Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	population, err := populationCmd.Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("parse population: %w", err)
	}

	p := &models.Presence{
		EngineID:   engineID,
		Population: population,
		Members:    membersCmd.Val(),
	}
	if ms, err := strconv.ParseInt(updatedCmd.Val(), 10, 64); err == nil {
		p.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	if p.Members == nil {
		p.Members = []string{}
	}
	return p, nil
}

// ClearPresence removes the presence snapshot.
func (s *RedisStore) ClearPresence(ctx context.Context) error {
	return s.client.Del(ctx, presenceEngineKey, presencePopulationKey, presenceMembersKey, presenceUpdatedKey).Err()
}

// blockedKey returns the key for a blocked IP.
func blockedKey(ip string) string {
	return fmt.Sprintf("blocked:ip:%s", ip)
}

// violationsKey returns the key for an IP's failed admin logins.
func violationsKey(ip string) string {
	return fmt.Sprintf("violations:ip:%s", ip)
}

// IsBlocked checks if an IP is blocked.
func (s *RedisStore) IsBlocked(ctx context.Context, ip string) bool {
	exists, _ := s.client.Exists(ctx, blockedKey(ip)).Result()
	return exists > 0
}

// Block blocks an IP for the specified duration.
func (s *RedisStore) Block(ctx context.Context, ip string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, blockedKey(ip), reason, duration).Err()
}

// Unblock removes an IP block.
func (s *RedisStore) Unblock(ctx context.Context, ip string) error {
	return s.client.Del(ctx, blockedKey(ip)).Err()
}

// IncrementViolations counts a violation for ip within a one hour window
// and returns the new total.
func (s *RedisStore) IncrementViolations(ctx context.Context, ip string) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, violationsKey(ip))
	pipe.Expire(ctx, violationsKey(ip), violationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
