package features

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentrapay/fraud-engine/internal/event"
)

// RedisStore backs the feature store with Redis. Window counters are INCR
// keys time-bucketed by window; a read sums the current and previous bucket,
// so counts decay as buckets rotate instead of accumulating for as long as
// traffic keeps the key alive. Distinct-card tracking uses HyperLogLogs, and
// slow aggregates live in a per-entity hash.
//
// All reads for a snapshot go through one pipeline so a snapshot costs a
// single round trip regardless of how many entities the event touches.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed feature store from a URL
// (redis://host:port/db).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("features: parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client (for tests).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping verifies connectivity; used by the health monitor's probe.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

var counterWindows = []struct {
	Suffix string
	Span   time.Duration
}{
	{"1m", WindowMinute},
	{"10m", Window10Min},
	{"1h", WindowHour},
	{"24h", WindowDay},
}

// bucketStamp maps a time to its window-aligned bucket number.
func bucketStamp(now time.Time, window time.Duration) int64 {
	return now.Unix() / int64(window/time.Second)
}

// counterKey is the INCR key for the bucket now falls into.
func counterKey(base, suffix string, window time.Duration, now time.Time) string {
	return fmt.Sprintf("%s:cnt:%s:%d", base, suffix, bucketStamp(now, window))
}

// prevCounterKey is the INCR key for the bucket before now's.
func prevCounterKey(base, suffix string, window time.Duration, now time.Time) string {
	return fmt.Sprintf("%s:cnt:%s:%d", base, suffix, bucketStamp(now, window)-1)
}

// GetSnapshot reads all counters and aggregates for the event's entities in
// one pipelined round trip.
func (r *RedisStore) GetSnapshot(ctx context.Context, keys event.Keys) (*Snapshot, error) {
	now := time.Now()
	snap := &Snapshot{Source: "live", TakenAt: now}

	pipe := r.client.Pipeline()

	type entityCmds struct {
		present  bool
		counters []*redis.StringCmd
		cards    *redis.IntCmd
		sum      *redis.StringCmd
		count    *redis.StringCmd
		hash     *redis.MapStringStringCmd
	}
	queue := func(kind, id string) entityCmds {
		if id == "" {
			return entityCmds{}
		}
		base := "fs:" + kind + ":" + id
		ec := entityCmds{present: true}
		// Each window reads two buckets: the one in progress and the one
		// before it, approximating a sliding window.
		for _, w := range counterWindows {
			ec.counters = append(ec.counters,
				pipe.Get(ctx, counterKey(base, w.Suffix, w.Span, now)),
				pipe.Get(ctx, prevCounterKey(base, w.Suffix, w.Span, now)),
			)
		}
		ec.cards = pipe.PFCount(ctx, base+":cards")
		ec.sum = pipe.Get(ctx, base+":amt:sum")
		ec.count = pipe.Get(ctx, base+":amt:cnt")
		ec.hash = pipe.HGetAll(ctx, base+":agg")
		return ec
	}

	cardC := queue("card", keys.Card)
	deviceC := queue("device", keys.Device)
	ipC := queue("ip", keys.IP)
	accountC := queue("account", keys.Account)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	collect := func(ec entityCmds) EntityStats {
		if !ec.present {
			return EntityStats{}
		}
		var s EntityStats
		counts := [4]*int{&s.Attempts.OneMin, &s.Attempts.TenMin, &s.Attempts.OneHour, &s.Attempts.Day}
		for i, cmd := range ec.counters {
			if n, err := cmd.Int(); err == nil {
				*counts[i/2] += n
				s.Seen = s.Seen || n > 0
			}
		}
		s.DistinctCards24h = int(ec.cards.Val())
		sum, errSum := ec.sum.Float64()
		cnt, errCnt := ec.count.Float64()
		if errSum == nil && errCnt == nil && cnt > 0 {
			s.AvgAmount24h = sum / cnt
		}
		if agg := ec.hash.Val(); len(agg) > 0 {
			s.Seen = true
			s.LastCountry = agg["last_country"]
			if ts, ok := agg["last_seen"]; ok {
				if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
					s.LastSeenAt = t
				}
			}
			_, _ = fmt.Sscanf(agg["chargeback_rate"], "%f", &s.ChargebackRate)
			_, _ = fmt.Sscanf(agg["prior_reviews"], "%d", &s.PriorReviews)
			_, _ = fmt.Sscanf(agg["prior_blocks"], "%d", &s.PriorBlocks)
		}
		return s
	}

	snap.Card = collect(cardC)
	snap.Device = collect(deviceC)
	snap.IP = collect(ipC)
	snap.Account = collect(accountC)
	return snap, nil
}

// Increment bumps every window counter for every entity the event touches.
// A SETNX guard on the transaction id makes retries no-ops for 24h.
func (r *RedisStore) Increment(ctx context.Context, ev *event.TransactionEvent) error {
	ok, err := r.client.SetNX(ctx, "fs:tx:"+ev.TransactionID, "1", WindowDay).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil // already counted
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	pipe := r.client.Pipeline()
	keys := ev.Keys()
	apply := func(kind, id string) {
		if id == "" {
			return
		}
		base := "fs:" + kind + ":" + id
		// Buckets live two window spans so the previous bucket is still
		// readable when its successor is in progress.
		for _, w := range counterWindows {
			k := counterKey(base, w.Suffix, w.Span, ts)
			pipe.Incr(ctx, k)
			pipe.Expire(ctx, k, 2*w.Span)
		}
		if ev.CardToken != "" {
			pipe.PFAdd(ctx, base+":cards", ev.CardToken)
			pipe.Expire(ctx, base+":cards", WindowDay)
		}
		pipe.IncrByFloat(ctx, base+":amt:sum", ev.Amount)
		pipe.Expire(ctx, base+":amt:sum", WindowDay)
		pipe.Incr(ctx, base+":amt:cnt")
		pipe.Expire(ctx, base+":amt:cnt", WindowDay)
		fields := map[string]interface{}{"last_seen": ts.Format(time.RFC3339Nano)}
		if ev.IPCountry != "" {
			fields["last_country"] = ev.IPCountry
		}
		pipe.HSet(ctx, base+":agg", fields)
	}
	apply("card", keys.Card)
	apply("device", keys.Device)
	apply("ip", keys.IP)
	apply("account", keys.Account)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RecordDecision folds REVIEW/BLOCK outcomes into the per-entity aggregates.
// Idempotency rides on the same guard key family as Increment.
func (r *RedisStore) RecordDecision(ctx context.Context, txID string, keys event.Keys, tier string) error {
	if tier != "REVIEW" && tier != "BLOCK" {
		return nil
	}
	ok, err := r.client.SetNX(ctx, "fs:dec:"+txID, "1", WindowDay).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil
	}

	field := "prior_reviews"
	if tier == "BLOCK" {
		field = "prior_blocks"
	}
	pipe := r.client.Pipeline()
	for _, base := range redisBases(keys) {
		pipe.HIncrBy(ctx, base+":agg", field, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func redisBases(keys event.Keys) []string {
	out := make([]string, 0, 4)
	if keys.Card != "" {
		out = append(out, "fs:card:"+keys.Card)
	}
	if keys.Device != "" {
		out = append(out, "fs:device:"+keys.Device)
	}
	if keys.IP != "" {
		out = append(out, "fs:ip:"+keys.IP)
	}
	if keys.Account != "" {
		out = append(out, "fs:account:"+keys.Account)
	}
	return out
}
