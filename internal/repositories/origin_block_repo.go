package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OriginBlockRepository is the temporary origin block-list. An entry is a
// Redis key whose TTL is the remaining block time.
type OriginBlockRepository struct {
	redis  *redis.Client
	prefix string
}

func NewOriginBlockRepository(client *redis.Client) *OriginBlockRepository {
	return &OriginBlockRepository{redis: client, prefix: "origin-block"}
}

func (r *OriginBlockRepository) key(ip string) string {
	return r.prefix + ":" + ip
}

// Block adds ip to the block-list for d. An existing block is not
// extended, so repeated failures cannot push the release time forward
// indefinitely. It reports whether a new entry was created.
func (r *OriginBlockRepository) Block(ctx context.Context, ip, reason string, d time.Duration) (bool, error) {
	created, err := r.redis.SetNX(ctx, r.key(ip), reason, d).Result()
	if err != nil {
		return false, fmt.Errorf("block origin: %w", err)
	}
	return created, nil
}

// Remaining returns how long ip stays blocked, or zero when it is not
func (r *OriginBlockRepository) Remaining(ctx context.Context, ip string) (time.Duration, error) {
	ttl, err := r.redis.PTTL(ctx, r.key(ip)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("check origin block: %w", err)
	}
	// -2: no key, -1: no expiry (never written by Block)
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Unblock removes ip from the block-list. It reports whether ip was blocked.
func (r *OriginBlockRepository) Unblock(ctx context.Context, ip string) (bool, error) {
	n, err := r.redis.Del(ctx, r.key(ip)).Result()
	if err != nil {
		return false, fmt.Errorf("unblock origin: %w", err)
	}
	return n > 0, nil
}
