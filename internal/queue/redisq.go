// Package queue is the durable dispatch channel between job creation and
// execution. Messages carry only the job's reference_id: workers always
// re-read authoritative ledger state instead of trusting a snapshot.
package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
)

const (
	readyKey = "exports:queue"
	delayKey = "exports:delay"
)

// RedisQ is a Redis list (ready messages) plus a sorted set (delayed retry
// messages scored by due time).
type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

// Enqueue pushes a reference for delivery. A future runAt parks the message
// in the delay set until MoveDue promotes it.
func (q *RedisQ) Enqueue(ctx context.Context, referenceID string, runAt time.Time) error {
	if time.Until(runAt) > 0 {
		return q.rdb.ZAdd(ctx, delayKey, r.Z{Score: float64(runAt.Unix()), Member: referenceID}).Err()
	}
	return q.rdb.LPush(ctx, readyKey, referenceID).Err()
}

// Dequeue blocks up to block for the next reference. Returns "" when the
// wait times out with nothing to deliver.
func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, block, readyKey).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// MoveDue promotes delayed messages whose due time has passed onto the ready
// list. Called periodically by the worker binary.
func (q *RedisQ) MoveDue(ctx context.Context, now time.Time, batch int64) error {
	ids, err := q.rdb.ZRangeByScore(ctx, delayKey, &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey, id)
		pipe.ZRem(ctx, delayKey, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Health pings the broker.
func (q *RedisQ) Health(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
