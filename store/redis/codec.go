package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Entities are stored as JSON values. These helpers wrap the get/decode
// path and translate goredis.Nil into the caller's not-found sentinel.

func getJSON(ctx context.Context, c goredis.Cmdable, key string, dest any, notFound error) error {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("conduct/redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("conduct/redis: decode %s: %w", key, err)
	}
	return nil
}

func marshal(key string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("conduct/redis: encode %s: %w", key, err)
	}
	return payload, nil
}

// deadlineScore converts a deadline into the Sorted Set score used by the
// timeout index: unix seconds with fractional precision.
func deadlineScore(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// exclusiveMax formats a score as an exclusive ZRANGEBYSCORE bound, so a
// deadline exactly equal to "now" is not yet expired.
func exclusiveMax(score float64) string {
	return "(" + strconv.FormatFloat(score, 'f', -1, 64)
}
