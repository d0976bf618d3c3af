package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

const (
	redisDocPrefix    = "goopcall:doc:"
	redisChangePrefix = "goopcall:chg:"
	redisVerPrefix    = "goopcall:ver:"
	redisSeqKey       = "goopcall:seq"

	// Optimistic transaction attempts before Update gives up.
	redisMaxRetries = 8
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Store on a shared Redis server. Every write bumps a global
// sequence and is announced on a per-document pub/sub channel, which is what
// watchers in other processes subscribe to.
type Redis struct {
	client *redis.Client
	hub    *hub
}

func OpenRedis(ctx context.Context, opt RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opt.Addr, err)
	}
	return &Redis{client: client, hub: newHub()}, nil
}

func (r *Redis) Get(ctx context.Context, path string) ([]byte, error) {
	b, err := r.client.Get(ctx, redisDocPrefix+path).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Redis) Set(ctx context.Context, path string, body []byte) error {
	return r.Update(ctx, path, func([]byte) ([]byte, error) { return body, nil })
}

func (r *Redis) Delete(ctx context.Context, path string) error {
	return r.Update(ctx, path, func([]byte) ([]byte, error) { return nil, nil })
}

func (r *Redis) Update(ctx context.Context, path string, fn UpdateFunc) error {
	docKey := redisDocPrefix + path
	verKey := redisVerPrefix + path

	for attempt := 0; attempt < redisMaxRetries; attempt++ {
		var published *Change
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, docKey).Bytes()
			if errors.Is(err, redis.Nil) {
				cur = nil
			} else if err != nil {
				return err
			}
			next, err := fn(cur)
			if errors.Is(err, ErrNoChange) {
				return nil
			}
			if err != nil {
				return err
			}
			if next == nil && cur == nil {
				return nil
			}

			var seq *redis.IntCmd
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				seq = pipe.Incr(ctx, redisSeqKey)
				if next == nil {
					pipe.Del(ctx, docKey)
				} else {
					pipe.Set(ctx, docKey, next, 0)
				}
				return nil
			})
			if err != nil {
				return err
			}
			version := seq.Val()
			r.client.Set(ctx, verKey, version, 0)
			published = &Change{Path: path, Body: clone(next), Version: version}
			return nil
		}, docKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		if published != nil {
			if err := r.client.Publish(ctx, redisChangePrefix+path, published.Version).Err(); err != nil {
				log.Warnf("publish change for %s: %v", path, err)
			}
			r.hub.publish(*published)
		}
		return nil
	}
	return fmt.Errorf("update %s: too much contention", path)
}

// Watch subscribes before reading the current state so no change between
// the two is lost.
func (r *Redis) Watch(ctx context.Context, path string) (<-chan Change, error) {
	sub := r.client.Subscribe(ctx, redisChangePrefix+path)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	initial, err := r.snapshot(ctx, path)
	if err != nil {
		sub.Close()
		return nil, err
	}
	out := r.hub.watchUntilDone(ctx, path, initial)

	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if _, err := strconv.ParseInt(msg.Payload, 10, 64); err != nil {
					log.Debugf("ignoring malformed change note on %s: %q", msg.Channel, msg.Payload)
					continue
				}
				c, err := r.snapshot(ctx, path)
				if err != nil {
					log.Warnf("refresh %s: %v", path, err)
					continue
				}
				r.hub.publishIfNewer(c)
			}
		}
	}()
	return out, nil
}

// snapshot reads the document with the version of its last write. Deleted
// documents keep their version key, so a delete is distinguishable.
func (r *Redis) snapshot(ctx context.Context, path string) (Change, error) {
	c := Change{Path: path}
	body, err := r.client.Get(ctx, redisDocPrefix+path).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return c, err
	}
	if err == nil {
		c.Body = body
	}
	v, err := r.client.Get(ctx, redisVerPrefix+path).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return c, err
	}
	c.Version = v
	return c, nil
}

func (r *Redis) Close() error {
	r.hub.close()
	return r.client.Close()
}
