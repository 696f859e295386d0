package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed event ids so redeliveries can be skipped.
// Best effort: a Redis failure means the event is processed again, and the
// consumer's own idempotency absorbs that.
type Deduper struct {
	RDB *redis.Client
}

func (d *Deduper) Seen(ctx context.Context, scope, id string) bool {
	if d == nil || d.RDB == nil {
		return false
	}
	seen, _ := Exists(ctx, d.RDB, fmt.Sprintf(KeyDedup, scope, id))
	return seen
}

func (d *Deduper) Remember(ctx context.Context, scope, id string) {
	if d == nil || d.RDB == nil {
		return
	}
	_ = d.RDB.Set(ctx, fmt.Sprintf(KeyDedup, scope, id), "1", TTLDedup).Err()
}
