// Package store is the shared-state adapter. Every piece of cross-gateway
// state (MUD roster, channel membership, presence, history) lives behind
// it, keyed exactly as other gateway instances expect.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// ErrStoreUnavailable wraps transport failures talking to the backing store.
var ErrStoreUnavailable = errors.New("shared store unavailable")

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrBufferFull is returned when the outage write buffer cannot accept
// another deferred write.
var ErrBufferFull = errors.New("store write buffer full")

const (
	defaultMaxPending   = 1024
	healthCheckInterval = 5 * time.Second
)

// Options configures the redis connection backing the store.
type Options struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	Database int    `json:"database"`
	Prefix   string `json:"prefix"`

	// MaxPendingWrites bounds the outage write buffer.
	MaxPendingWrites int `json:"max_pending_writes"`
}

// pendingOp is a deferred write queued while the store is unreachable.
type pendingOp struct {
	name string
	run  func(ctx context.Context) error
}

// Store wraps the redis client with the mesh key layout, an outage write
// buffer and recovery hooks.
type Store struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger

	mu         sync.Mutex
	pending    []pendingOp
	maxPending int
	healthy    bool

	recoverMu sync.Mutex
	onRecover []func(ctx context.Context)

	listening chan interface{}
}

// New connects to redis and verifies the connection before returning.
func New(ctx context.Context, opts Options, logger zerolog.Logger) (*Store, error) {
	maxPending := opts.MaxPendingWrites
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}

	s := &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Address,
			Password: opts.Password,
			DB:       opts.Database,
		}),
		prefix:     opts.Prefix,
		log:        logger.With().Str("component", "store").Logger(),
		maxPending: maxPending,
		healthy:    true,
	}

	// Verify that redis has successfully connected
	if err := s.client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return s, nil
}

// NewWithClient wraps an existing client. Used by tests running miniredis.
func NewWithClient(client *redis.Client, prefix string, logger zerolog.Logger) *Store {
	return &Store{
		client:     client,
		prefix:     prefix,
		log:        logger.With().Str("component", "store").Logger(),
		maxPending: defaultMaxPending,
		healthy:    true,
	}
}

// Ping checks store reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return ErrStoreUnavailable
	}
	return nil
}

// Healthy reports the last observed store health.
func (s *Store) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// OnRecover registers a hook invoked after the store comes back from an
// outage, once buffered writes have been replayed. Subscribers use it to
// reconcile local caches.
func (s *Store) OnRecover(fn func(ctx context.Context)) {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()
	s.onRecover = append(s.onRecover, fn)
}

// StartWatcher begins the health probe loop. When the store transitions
// from unreachable back to reachable, buffered writes are flushed and
// recovery hooks fire.
func (s *Store) StartWatcher(ctx context.Context) {
	s.mu.Lock()
	if s.listening != nil {
		s.mu.Unlock()
		return
	}
	s.listening = make(chan interface{})
	stop := s.listening
	s.mu.Unlock()

	go s.watch(ctx, stop)
}

// watch owns its stop channel; Close nils the field under the mutex, so
// the loop never reads it again.
func (s *Store) watch(ctx context.Context, stop <-chan interface{}) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			reachable := s.client.Ping(ctx).Err() == nil

			s.mu.Lock()
			wasHealthy := s.healthy
			s.healthy = reachable
			s.mu.Unlock()

			if reachable && !wasHealthy {
				s.log.Info().Msg("Store connection recovered")
				s.recover(ctx)
			}
			if !reachable && wasHealthy {
				s.log.Warn().Msg("Store connection lost, buffering writes")
			}
		}
	}
}

// recover replays buffered writes in order, then fires recovery hooks.
func (s *Store) recover(ctx context.Context) {
	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	replayed := 0
	for _, op := range queued {
		if err := op.run(ctx); err != nil {
			s.log.Error().Err(err).Str("op", op.name).Msg("Failed to replay buffered write")
			continue
		}
		replayed++
	}
	if len(queued) > 0 {
		s.log.Info().Int("replayed", replayed).Int("queued", len(queued)).Msg("Flushed write buffer")
	}

	s.recoverMu.Lock()
	hooks := make([]func(ctx context.Context), len(s.onRecover))
	copy(hooks, s.onRecover)
	s.recoverMu.Unlock()

	for _, fn := range hooks {
		fn(ctx)
	}
}

// deferWrite buffers a failed write for replay. Returns nil when the write
// was accepted into the buffer, ErrBufferFull otherwise.
func (s *Store) deferWrite(name string, run func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) >= s.maxPending {
		return ErrBufferFull
	}
	s.pending = append(s.pending, pendingOp{name: name, run: run})
	s.healthy = false
	return nil
}

// PendingWrites reports how many writes wait for replay.
func (s *Store) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// write runs a mutating op, buffering it when the store is unreachable.
// A buffered write reports success; the data lands on recovery.
func (s *Store) write(ctx context.Context, name string, run func(ctx context.Context) error) error {
	err := run(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	s.log.Warn().Err(err).Str("op", name).Msg("Store write failed, deferring")
	if bufErr := s.deferWrite(name, run); bufErr != nil {
		return ErrStoreUnavailable
	}
	return nil
}

// Close stops the watcher and releases the redis connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.listening != nil {
		close(s.listening)
		s.listening = nil
	}
	s.mu.Unlock()

	return s.client.Close()
}
