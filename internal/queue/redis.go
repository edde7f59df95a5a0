package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// BrokerConfig selects a single-node or cluster Redis connection.
// Single-node vs cluster is a deploy-time choice, not runtime-switchable.
type BrokerConfig struct {
	URL          string   // redis://[:password@]host:port[/db]
	ClusterNodes []string // host:port pairs; non-empty selects cluster mode
	Password     string
	TLS          bool
}

type redisBroker struct {
	client redis.UniversalClient
}

// NewRedisBroker dials Redis per cfg. Cluster mode wins when ClusterNodes
// is non-empty.
func NewRedisBroker(cfg BrokerConfig) (Broker, error) {
	var client redis.UniversalClient
	if len(cfg.ClusterNodes) > 0 {
		opt := &redis.ClusterOptions{
			Addrs:    cfg.ClusterNodes,
			Password: cfg.Password,
		}
		if cfg.TLS {
			opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client = redis.NewClusterClient(opt)
	} else {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Password != "" {
			opt.Password = cfg.Password
		}
		if cfg.TLS && opt.TLSConfig == nil {
			opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client = redis.NewClient(opt)
	}
	return &redisBroker{client: client}, nil
}

func pendingKey(queue string) string { return "dispatchd:q:" + queue + ":pending" }
func delayedKey(queue string) string { return "dispatchd:q:" + queue + ":delayed" }
func claimKey(queue, id string) string {
	return "dispatchd:q:" + queue + ":ids:" + id
}

func (b *redisBroker) Enqueue(ctx context.Context, queue string, env *Envelope, delay time.Duration) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if delay > 0 {
		due := float64(time.Now().Add(delay).UnixMilli())
		return b.client.ZAdd(ctx, delayedKey(queue), &redis.Z{Score: due, Member: raw}).Err()
	}
	return b.client.LPush(ctx, pendingKey(queue), raw).Err()
}

func (b *redisBroker) Dequeue(ctx context.Context, queue string, block time.Duration) (*Envelope, error) {
	res, err := b.client.BRPop(ctx, block, pendingKey(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	var env Envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

func (b *redisBroker) PromoteDue(ctx context.Context, queue string, limit int) (int, error) {
	if limit <= 0 {
		limit = 64
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: int64(limit),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}

	promoted := 0
	for _, m := range members {
		// ZREM first: a zero removal count means another instance already
		// claimed this member, so skip it to keep promotion exactly-once.
		n, err := b.client.ZRem(ctx, delayedKey(queue), m).Result()
		if err != nil {
			return promoted, err
		}
		if n == 0 {
			continue
		}
		if err := b.client.LPush(ctx, pendingKey(queue), m).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (b *redisBroker) ClaimID(ctx context.Context, queue, id string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, claimKey(queue, id), 1, ttl).Result()
}

func (b *redisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBroker) Close() error {
	return b.client.Close()
}
