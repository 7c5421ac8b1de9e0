// Package actor implements key-addressed, single-threaded actors with lazy
// hydration from durable storage, serialized dispatch of calls and socket
// events, and persisted scheduled wakes.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ilai-app/edge/internal/logging"
	"github.com/ilai-app/edge/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMailboxSize = 256
	wakeRetryDelay     = time.Second
)

var (
	// ErrSystemClosed is returned for messages sent after Shutdown.
	ErrSystemClosed = errors.New("actor: system closed")
	// ErrUnknownKind is returned when no factory is registered for a kind.
	ErrUnknownKind = errors.New("actor: unknown kind")
	// ErrEmptyKey is returned when a message is addressed to an empty key.
	ErrEmptyKey = errors.New("actor: empty key")
	// ErrPanic wraps a panic recovered while a grain handled a message.
	ErrPanic = errors.New("actor: panic during dispatch")
	// ErrActivationFailed wraps a hydration failure.
	ErrActivationFailed = errors.New("actor: activation failed")
	// ErrUnhandledMessage is returned by grains for message types they do not handle.
	ErrUnhandledMessage = errors.New("actor: unhandled message")

	errMissingStore = errors.New("actor: store is required")
)

// Kind names a family of actors sharing a factory.
type Kind string

// Grain is the behavior of one actor instance. The runtime guarantees that
// OnActivate completes before the first Receive and that Receive is never
// called concurrently for the same instance.
type Grain interface {
	OnActivate(ctx context.Context, actx *Context) error
	Receive(ctx context.Context, actx *Context, message any) (any, error)
}

// Deactivator is implemented by grains that need to release resources before
// the instance leaves memory.
type Deactivator interface {
	OnDeactivate(ctx context.Context, actx *Context) error
}

// Factory builds the grain for a key.
type Factory func(key string) Grain

// Store is the durable backing for actor slots and wakes.
type Store interface {
	Get(ctx context.Context, kind, key, slot string) ([]byte, bool, error)
	Put(ctx context.Context, kind, key, slot string, value []byte) error
	Delete(ctx context.Context, kind, key, slot string) error
	DeleteAll(ctx context.Context, kind, key string) error
	PutAlarm(ctx context.Context, kind, key string, fireAt time.Time) error
	DeleteAlarm(ctx context.Context, kind, key string) error
	ListAlarms(ctx context.Context) ([]storage.Alarm, error)
}

// Config describes the runtime dependencies.
type Config struct {
	Store       Store
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *Metrics
	MailboxSize int
	// IdleTimeout removes instances without connections or traffic from
	// memory. Zero keeps instances until shutdown.
	IdleTimeout time.Duration
}

type address struct {
	kind Kind
	key  string
}

// System routes messages to actor instances, creating them on first use.
type System struct {
	store       Store
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *Metrics
	mailboxSize int
	idleTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	factories map[Kind]Factory
	instances map[address]*instance

	wakeMu sync.Mutex
	wakes  map[address]*scheduledWake

	running sync.WaitGroup
}

// NewSystem constructs an actor system.
func NewSystem(cfg Config) (*System, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	mailboxSize := cfg.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	return &System{
		store:       cfg.Store,
		clock:       clk,
		logger:      logger,
		metrics:     metrics,
		mailboxSize: mailboxSize,
		idleTimeout: cfg.IdleTimeout,
		factories:   make(map[Kind]Factory),
		instances:   make(map[address]*instance),
		wakes:       make(map[address]*scheduledWake),
	}, nil
}

// Register binds a factory to a kind. Registering a kind twice is an error.
func (s *System) Register(kind Kind, factory Factory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("actor: kind and factory are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.factories[kind]; exists {
		return fmt.Errorf("actor: kind %s already registered", kind)
	}
	s.factories[kind] = factory
	return nil
}

// Start re-arms the wakes persisted by a previous process.
func (s *System) Start(ctx context.Context) error {
	alarms, err := s.store.ListAlarms(ctx)
	if err != nil {
		return err
	}
	for _, alarm := range alarms {
		addr := address{kind: Kind(alarm.Kind), key: alarm.ActorKey}
		s.mu.Lock()
		_, known := s.factories[addr.kind]
		s.mu.Unlock()
		if !known {
			s.logger.Warn("dropping wake for unregistered kind",
				zap.String(logging.FieldKind, alarm.Kind),
				zap.String(logging.FieldKey, alarm.ActorKey))
			continue
		}
		s.armWake(addr, alarm.FireAt())
	}
	s.logger.Info("actor system started", zap.Int("pending_wakes", len(alarms)))
	return nil
}

// Ask delivers a message and waits for the grain's reply.
func (s *System) Ask(ctx context.Context, kind Kind, key string, message any) (any, error) {
	env := envelope{ctx: ctx, message: message, reply: make(chan result, 1)}
	if err := s.deliver(ctx, address{kind: kind, key: key}, env); err != nil {
		return nil, err
	}
	select {
	case res := <-env.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tell delivers a message without waiting for it to be handled. It blocks
// only while the mailbox is full.
func (s *System) Tell(ctx context.Context, kind Kind, key string, message any) error {
	return s.deliver(ctx, address{kind: kind, key: key}, envelope{message: message})
}

// Shutdown stops every instance after its queued messages are handled.
// Pending wakes stay persisted for the next Start.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	instances := make([]*instance, 0, len(s.instances))
	for _, in := range s.instances {
		instances = append(instances, in)
	}
	s.mu.Unlock()

	// Timers stop now; registrations stay visible to deactivating grains.
	s.wakeMu.Lock()
	for _, wake := range s.wakes {
		wake.timer.Stop()
	}
	s.wakeMu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, in := range instances {
		in := in
		group.Go(func() error {
			return in.stop(groupCtx)
		})
	}
	err := group.Wait()

	s.wakeMu.Lock()
	s.wakes = make(map[address]*scheduledWake)
	s.wakeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.logger.Info("actor system stopped", zap.Int("instances", len(instances)))
	return err
}

func (s *System) deliver(ctx context.Context, addr address, env envelope) error {
	if addr.key == "" {
		return ErrEmptyKey
	}
	for {
		in, err := s.resolve(addr)
		if err != nil {
			return err
		}
		accepted, err := in.enqueue(ctx, env)
		if err != nil {
			return err
		}
		if accepted {
			return nil
		}
		// The instance is leaving memory. Its successor must not hydrate
		// before deactivation finished.
		select {
		case <-in.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *System) resolve(addr address) (*instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSystemClosed
	}
	if in, ok := s.instances[addr]; ok {
		return in, nil
	}
	factory, ok := s.factories[addr.kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, addr.kind)
	}
	in := newInstance(s, addr, factory(addr.key))
	s.instances[addr] = in
	s.running.Add(1)
	go in.run()
	return in, nil
}

func (s *System) forget(in *instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.instances[in.addr]; ok && current == in {
		delete(s.instances, in.addr)
	}
}

// InstanceCount reports how many instances of a kind are in memory.
func (s *System) InstanceCount(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for addr := range s.instances {
		if addr.kind == kind {
			count++
		}
	}
	return count
}
