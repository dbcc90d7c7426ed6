package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const expirationKey = "purchase:expirations"

// Scheduler is a redis-backed delayed job queue. A purchase id is added with
// a fire-at score at creation time; the expiration worker polls entries whose
// score has passed. The sorted set survives process restarts, so scheduled
// cancellations are not lost with the process.
type Scheduler struct {
	rdb *redis.Client
}

// NewScheduler connects to redis and verifies the connection.
func NewScheduler(addr, password string, db int) (*Scheduler, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Scheduler{rdb: rdb}, nil
}

// Close closes the redis connection.
func (s *Scheduler) Close() error {
	return s.rdb.Close()
}

// Schedule enqueues an expiration check for the purchase after countdown.
func (s *Scheduler) Schedule(ctx context.Context, purchaseID int64, countdown time.Duration) error {
	fireAt := time.Now().UTC().Add(countdown)
	err := s.rdb.ZAdd(ctx, expirationKey, &redis.Z{
		Score:  float64(fireAt.Unix()),
		Member: strconv.FormatInt(purchaseID, 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule expiration: %w", err)
	}
	return nil
}

// PopDue atomically removes and returns up to limit purchase ids whose
// fire-at time has passed. Removal before processing is safe: the worker's
// cancellation is a no-op for purchases that already left PENDING, and the
// periodic sweep picks up anything lost between pop and process.
func (s *Scheduler) PopDue(ctx context.Context, now time.Time, limit int64) ([]int64, error) {
	members, err := s.rdb.ZRangeByScore(ctx, expirationKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due expirations: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	removeArgs := make([]interface{}, len(members))
	ids := make([]int64, 0, len(members))
	for i, member := range members {
		removeArgs[i] = member
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	if err := s.rdb.ZRem(ctx, expirationKey, removeArgs...).Err(); err != nil {
		return nil, fmt.Errorf("failed to remove due expirations: %w", err)
	}

	return ids, nil
}
