// Package redis_store implements the store backend on Redis. Useful
// when several gateway replicas should share one cache.
package redis_store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/bahalabs/offgate/pkg/snapshot"
	"github.com/bahalabs/offgate/pkg/store"
	"github.com/bahalabs/offgate/pkg/utils"
)

const (
	genSetKey = "offgate:generations"
	keyPrefix = "offgate:entry:"
)

var (
	nopLogger   = zap.NewNop()
	ErrDisabled = errors.New("redis is temporarily disabled")
)

type RedisStoreOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStore.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisStore.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisStoreOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type RedisStore struct {
	opts           RedisStoreOpts
	clientDisabled uint32
}

var _ store.Store = (*RedisStore)(nil)

func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisStore{opts: opts}, nil
}

func (r *RedisStore) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

// disableClient takes the client out of rotation and pings it in the
// background with increasing backoff until it answers again.
func (r *RedisStore) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				r.opts.Logger.Info("redis recovered")
				return
			}
		}()
	}
}

func entryKey(generation, key string) string {
	return keyPrefix + generation + ":" + key
}

func (r *RedisStore) Get(ctx context.Context, generation, key string) (*snapshot.Snapshot, bool, error) {
	if r.disabled() {
		return nil, false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, entryKey(generation, key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		r.opts.Logger.Warn("redis get", zap.Error(err))
		r.disableClient()
		return nil, false, nil
	}

	s, err := snapshot.Unpack(b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.Error(err))
		return nil, false, nil
	}
	return s, true, nil
}

// Put propagates failures to the caller. Degrading reads is fine, but a
// rejected write must not be silently dropped.
func (r *RedisStore) Put(ctx context.Context, generation, key string, s *snapshot.Snapshot) error {
	if r.disabled() {
		return ErrDisabled
	}

	data, err := snapshot.Pack(s)
	if err != nil {
		return fmt.Errorf("failed to pack snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	pipeline := r.opts.Client.TxPipeline()
	pipeline.Set(ctx, entryKey(generation, key), data, 0)
	pipeline.SAdd(ctx, genSetKey, generation)
	if _, err := pipeline.Exec(ctx); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, generation, key string) error {
	if r.disabled() {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Del(ctx, entryKey(generation, key)).Err(); err != nil {
		r.opts.Logger.Warn("redis del", zap.Error(err))
		r.disableClient()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisStore) Generations(ctx context.Context) ([]string, error) {
	if r.disabled() {
		return nil, ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	names, err := r.opts.Client.SMembers(ctx, genSetKey).Result()
	if err != nil {
		r.opts.Logger.Warn("redis smembers", zap.Error(err))
		r.disableClient()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return names, nil
}

func (r *RedisStore) DropGeneration(ctx context.Context, generation string) error {
	if r.disabled() {
		return ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout*10)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := r.opts.Client.Scan(ctx, cursor, entryKey(generation, "*"), 256).Result()
		if err != nil {
			r.opts.Logger.Warn("redis scan", zap.Error(err))
			r.disableClient()
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.opts.Client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if err := r.opts.Client.SRem(ctx, genSetKey, generation).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

func (r *RedisStore) Len(ctx context.Context, generation string) (int, error) {
	if r.disabled() {
		return 0, ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout*10)
	defer cancel()

	n := 0
	var cursor uint64
	for {
		keys, next, err := r.opts.Client.Scan(ctx, cursor, entryKey(generation, "*"), 256).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan: %w", err)
		}
		n += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return n, nil
}

// Close closes the redis client.
func (r *RedisStore) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}
