// Package lease guarantees that at most one fetch flow uses a credential at
// a time. A lease is a Redis key set with NX and a TTL, owned by a random
// token, refreshed while the flow runs and released with compare-and-delete.
package lease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KeyPrefix namespaces lease keys.
const KeyPrefix = "runhistory:lease:"

// DefaultTTL is long enough to cover one page request with all retries.
const DefaultTTL = 2 * time.Minute

var (
	// ErrHeld is returned by Acquire when another flow owns the credential.
	ErrHeld = errors.New("credential lease held by another flow")

	// ErrLost is returned when the lease expired or was taken over.
	ErrLost = errors.New("credential lease lost")
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// KeyFor returns the lease key for a credential. The token itself never
// reaches Redis, only its hash.
func KeyFor(username, token string) string {
	sum := sha256.Sum256([]byte(username + ":" + token))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// Manager hands out credential leases.
type Manager struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewManager creates a lease manager with Redis backend.
func NewManager(redisClient *redis.Client, logger zerolog.Logger) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis:  redisClient,
		logger: logger,
	}
}

// Lease is an acquired credential lease.
type Lease struct {
	Key   string
	Token string
	TTL   time.Duration

	manager  *Manager
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	lostOnce sync.Once
	lost     chan struct{}
}

// Acquire takes the lease for key. It returns ErrHeld when the key is
// already owned.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()

	ok, err := m.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}

	m.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Lease acquired")
	return &Lease{Key: key, Token: token, TTL: ttl, manager: m, lost: make(chan struct{})}, nil
}

// Refresh extends the lease by its TTL. It returns ErrLost when the lease
// is no longer owned by this holder.
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.manager.redis, []string{l.Key}, l.Token, l.TTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release deletes the lease if it is still owned by this holder and stops
// any keep-alive. Releasing a lost lease returns ErrLost.
func (l *Lease) Release(ctx context.Context) error {
	l.stopKeepAlive()

	n, err := releaseScript.Run(ctx, l.manager.redis, []string{l.Key}, l.Token).Int()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if n == 0 {
		return ErrLost
	}

	l.manager.logger.Debug().Str("key", l.Key).Msg("Lease released")
	return nil
}

// Lost is closed when the keep-alive finds the lease owned by someone
// else. Holders must stop using the credential once it fires.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// KeepAlive refreshes the lease every TTL/3 until Release is called or ctx
// ends. A lost lease closes Lost and stops the refresher.
func (l *Lease) KeepAlive(ctx context.Context) {
	if l.stop != nil {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	interval := l.TTL / 3
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				if err := l.Refresh(ctx); err != nil {
					if errors.Is(err, ErrLost) {
						l.manager.logger.Error().Str("key", l.Key).Msg("Lease lost to another holder")
						l.lostOnce.Do(func() { close(l.lost) })
						return
					}
					l.manager.logger.Warn().Err(err).Str("key", l.Key).Msg("Lease refresh failed")
				}
			}
		}
	}()
}

func (l *Lease) stopKeepAlive() {
	if l.stop == nil {
		return
	}
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
}
