/*
redislock.go - Cross-process claim locks on Redis

PURPOSE:
  Implements posting.ClaimLocker for deployments with more than one engine
  process. Each claim is one key taken with SET NX PX and a random token;
  release deletes the key only if it still holds our token.

ORDERING:
  Claims are locked in sorted order. A caller that cannot take every key
  within its wait budget releases what it took and fails with
  posting.ErrConcurrentModification.

TTL:
  Keys expire after TTL so a crashed process cannot hold a claim forever.
  TTL must exceed the longest posting transaction.

SEE ALSO:
  - posting/lock.go: LocalLocker, the single-process implementation
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/posting-engine/posting"
)

const (
	DefaultTTL   = 30 * time.Second
	DefaultRetry = 25 * time.Millisecond
	keyPrefix    = "posting:claim-lock:"
)

// release deletes KEYS[1] only when it still holds ARGV[1].
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements posting.ClaimLocker.
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	log    zerolog.Logger
}

type Option func(*Locker)

func WithTTL(d time.Duration) Option { return func(l *Locker) { l.ttl = d } }

func WithWait(d time.Duration) Option { return func(l *Locker) { l.wait = d } }

func WithRetry(d time.Duration) Option { return func(l *Locker) { l.retry = d } }

func WithLogger(log zerolog.Logger) Option { return func(l *Locker) { l.log = log } }

func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		ttl:    DefaultTTL,
		wait:   posting.DefaultLockWait,
		retry:  DefaultRetry,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dial parses a redis:// URL and checks the server is reachable.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func Key(id posting.ClaimID) string {
	return keyPrefix + string(id)
}

type held struct {
	key   string
	token string
}

// Lock takes every claim key or none.
func (l *Locker) Lock(ctx context.Context, claimIDs []posting.ClaimID) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	var taken []held
	for _, id := range posting.SortedClaimIDs(claimIDs) {
		h, err := l.acquire(ctx, Key(id))
		if err != nil {
			l.releaseAll(taken)
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("claim %s: %w", id, posting.ErrConcurrentModification)
			}
			return nil, fmt.Errorf("lock claim %s: %w", id, err)
		}
		taken = append(taken, h)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.releaseAll(taken) })
	}, nil
}

func (l *Locker) acquire(ctx context.Context, key string) (held, error) {
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return held{}, ctx.Err()
			}
			return held{}, err
		}
		if ok {
			return held{key: key, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return held{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// releaseAll runs on a fresh context: the caller's may already be done.
func (l *Locker) releaseAll(taken []held) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := len(taken) - 1; i >= 0; i-- {
		h := taken[i]
		n, err := release.Run(ctx, l.client, []string{h.key}, h.token).Int()
		if err != nil {
			l.log.Error().Err(err).Str("key", h.key).Msg("claim lock release failed")
			continue
		}
		if n == 0 {
			l.log.Warn().Str("key", h.key).Msg("claim lock expired before release")
		}
	}
}
