package ranking

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"orderflow/internal/model"
)

const DefaultKey = "top-items"

// applyScript marks the event in the seen set and applies its deltas in one
// atomic step. KEYS: ranking zset, seen zset. ARGV: now, cutoff, eventId,
// then item/amount pairs.
var applyScript = redis.NewScript(`
if redis.call('ZADD', KEYS[2], 'NX', ARGV[1], ARGV[3]) == 0 then
  return 0
end
for i = 4, #ARGV, 2 do
  redis.call('ZINCRBY', KEYS[1], ARGV[i+1], ARGV[i])
end
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[2])
return 1
`)

// RedisCache stores scores in a sorted set keyed by item name.
type RedisCache struct {
	rdb       redis.UniversalClient
	key       string
	seenKey   string
	retention time.Duration
	now       func() time.Time
}

// NewRedisCache uses key for the ranking and key+":seen" for applied event ids,
// which are kept for retention.
func NewRedisCache(rdb redis.UniversalClient, key string, retention time.Duration) *RedisCache {
	if key == "" {
		key = DefaultKey
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisCache{rdb: rdb, key: key, seenKey: key + ":seen", retention: retention, now: time.Now}
}

func (r *RedisCache) Increment(ctx context.Context, item string, amount float64) error {
	if err := checkDeltas([]Delta{{Item: item, Amount: amount}}); err != nil {
		return err
	}
	if err := r.rdb.ZIncrBy(ctx, r.key, amount, item).Err(); err != nil {
		return fmt.Errorf("zincrby %s: %w", item, err)
	}
	return nil
}

func (r *RedisCache) Apply(ctx context.Context, eventID string, deltas []Delta) (bool, error) {
	if err := checkDeltas(deltas); err != nil {
		return false, err
	}
	now := r.now()
	args := make([]any, 0, 3+2*len(deltas))
	args = append(args, now.Unix(), now.Add(-r.retention).Unix(), eventID)
	for _, d := range deltas {
		args = append(args, d.Item, strconv.FormatFloat(d.Amount, 'f', -1, 64))
	}
	n, err := applyScript.Run(ctx, r.rdb, []string{r.key, r.seenKey}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("apply %s: %w", eventID, err)
	}
	return n == 1, nil
}

func toEntries(zs []redis.Z) []model.RankingEntry {
	out := make([]model.RankingEntry, 0, len(zs))
	for _, z := range zs {
		item, _ := z.Member.(string)
		out = append(out, model.RankingEntry{Item: item, Score: z.Score})
	}
	return out
}

// TopN reads the first n by score, then widens to every member tied with the
// n-th so the name tie-break is applied across the whole tie group.
func (r *RedisCache) TopN(ctx context.Context, n int) ([]model.RankingEntry, error) {
	if n <= 0 {
		return []model.RankingEntry{}, nil
	}
	head, err := r.rdb.ZRevRangeWithScores(ctx, r.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange: %w", err)
	}
	if len(head) < n {
		entries := toEntries(head)
		SortEntries(entries)
		return entries, nil
	}
	cut := strconv.FormatFloat(head[n-1].Score, 'f', -1, 64)
	wide, err := r.rdb.ZRangeByScoreWithScores(ctx, r.key, &redis.ZRangeBy{Min: cut, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	entries := toEntries(wide)
	SortEntries(entries)
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (r *RedisCache) Snapshot(ctx context.Context) (map[string]float64, error) {
	zs, err := r.rdb.ZRangeWithScores(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}
	out := make(map[string]float64, len(zs))
	for _, e := range toEntries(zs) {
		out[e.Item] = e.Score
	}
	return out, nil
}

func (r *RedisCache) Load(ctx context.Context, scores map[string]float64) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key, r.seenKey)
		if len(scores) == 0 {
			return nil
		}
		members := make([]redis.Z, 0, len(scores))
		for item, s := range scores {
			members = append(members, redis.Z{Score: s, Member: item})
		}
		p.ZAdd(ctx, r.key, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load ranking: %w", err)
	}
	return nil
}

func (r *RedisCache) Reset(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.key, r.seenKey).Err(); err != nil {
		return fmt.Errorf("reset ranking: %w", err)
	}
	return nil
}
