package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeFormTokenLua deletes the key only when it holds the presented
// token, so a token is accepted at most once.
// KEYS[1] = form key
// ARGV[1] = presented token
// Returns 1 when consumed, 0 otherwise.
var consumeFormTokenLua = redis.NewScript(`
local stored = redis.call('GET', KEYS[1])
if stored and stored == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// FormTokenRepository keeps one pending token per (session, form) in Redis.
// Expiry is the key TTL.
type FormTokenRepository struct {
	redis  *redis.Client
	prefix string
}

func NewFormTokenRepository(client *redis.Client) *FormTokenRepository {
	return &FormTokenRepository{redis: client, prefix: "form"}
}

func (r *FormTokenRepository) key(sessionID, formName string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, sessionID, formName)
}

// Store replaces any pending token for the form
func (r *FormTokenRepository) Store(ctx context.Context, sessionID, formName, token string, ttl time.Duration) error {
	if err := r.redis.Set(ctx, r.key(sessionID, formName), token, ttl).Err(); err != nil {
		return fmt.Errorf("store form token: %w", err)
	}
	return nil
}

// Consume atomically compares and deletes the pending token
func (r *FormTokenRepository) Consume(ctx context.Context, sessionID, formName, token string) (bool, error) {
	n, err := consumeFormTokenLua.Run(ctx, r.redis, []string{r.key(sessionID, formName)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("consume form token: %w", err)
	}
	return n == 1, nil
}
