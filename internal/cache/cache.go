package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
	"github.com/redis/go-redis/v9"
)

// DefaultStatusTTL bounds how long a cached job status is trusted before
// readers fall back to Postgres.
const DefaultStatusTTL = 24 * time.Hour

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, jobID uuid.UUID, entry JobStatusEntry, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (JobStatusEntry, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// JobStatusEntry is a cached job status together with the job's owner, so
// readers can check ownership without a database round trip.
// UpdatedAt is the job row's updated_at and orders competing writes.
type JobStatusEntry struct {
	UserID    uuid.UUID
	Status    models.JobStatus
	UpdatedAt time.Time
}

// EntryFor builds the cache entry for a job row.
func EntryFor(job *models.InferenceJob) JobStatusEntry {
	return JobStatusEntry{UserID: job.UserID, Status: job.Status, UpdatedAt: job.UpdatedAt}
}

// setStatusScript writes the entry unless the cached one comes from a newer
// row version.
var setStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'updated_at')
if cur and tonumber(cur) > tonumber(ARGV[3]) then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'user_id', ARGV[2], 'updated_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// NewRedisCacheFromClient wraps an existing client so the cache can share a
// connection pool with the queue.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Client exposes the underlying client.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, entry JobStatusEntry, ttl time.Duration) error {
	return setStatusScript.Run(ctx, c.client, []string{JobStatusKey(jobID)},
		string(entry.Status),
		entry.UserID.String(),
		entry.UpdatedAt.UnixMicro(),
		ttl.Milliseconds(),
	).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (JobStatusEntry, bool, error) {
	vals, err := c.client.HGetAll(ctx, JobStatusKey(jobID)).Result()
	if err != nil {
		return JobStatusEntry{}, false, err
	}
	status, ok := vals["status"]
	if !ok {
		return JobStatusEntry{}, false, nil
	}
	userID, err := uuid.Parse(vals["user_id"])
	if err != nil {
		// Unreadable entry; treat as a miss.
		return JobStatusEntry{}, false, nil
	}
	entry := JobStatusEntry{UserID: userID, Status: models.JobStatus(status)}
	if us, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		entry.UpdatedAt = time.UnixMicro(us).UTC()
	}
	return entry, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
