package schedule

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/DuC-cnZj/predict-bus/models"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SnapshotStore keeps the depth history.
type SnapshotStore interface {
	Save(ctx context.Context, s *models.QueueSnapshot) error
}

type GormSnapshotStore struct {
	db *gorm.DB
}

func NewGormSnapshotStore(db *gorm.DB) *GormSnapshotStore {
	return &GormSnapshotStore{db: db}
}

func (g *GormSnapshotStore) Save(ctx context.Context, s *models.QueueSnapshot) error {
	return g.db.WithContext(ctx).Create(s).Error
}

// Latest returns the newest snapshot of a queue, gorm.ErrRecordNotFound when there is none.
func (g *GormSnapshotStore) Latest(ctx context.Context, vhost, queue string) (*models.QueueSnapshot, error) {
	var s models.QueueSnapshot
	if err := g.db.WithContext(ctx).
		Where("vhost = ?", vhost).
		Where("queue_name = ?", queue).
		Order("id DESC").
		First(&s).Error; err != nil {
		return nil, err
	}

	return &s, nil
}

// DepthCache holds the last depth seen for each queue.
type DepthCache interface {
	Set(ctx context.Context, vhost, queue string, depth int) error
	Get(ctx context.Context, vhost, queue string) (int, error)
}

func DepthKey(vhost, queue string) string {
	return fmt.Sprintf("predict-bus:depth:%s:%s", vhost, queue)
}

type RedisDepthCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDepthCache(client *redis.Client, ttl time.Duration) *RedisDepthCache {
	return &RedisDepthCache{client: client, ttl: ttl}
}

func (r *RedisDepthCache) Set(ctx context.Context, vhost, queue string, depth int) error {
	return r.client.Set(ctx, DepthKey(vhost, queue), depth, r.ttl).Err()
}

// Get returns redis.Nil when the queue was never polled or the value expired.
func (r *RedisDepthCache) Get(ctx context.Context, vhost, queue string) (int, error) {
	v, err := r.client.Get(ctx, DepthKey(vhost, queue)).Result()
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(v)
}
