package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ilai-app/edge/internal/logging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type result struct {
	value any
	err   error
}

type envelope struct {
	ctx     context.Context
	message any
	reply   chan result
}

func (e envelope) respond(value any, err error) {
	if e.reply != nil {
		e.reply <- result{value: value, err: err}
	}
}

// instance owns the mailbox goroutine of one (kind, key). The gate lets
// senders enqueue concurrently while sealing the mailbox is exclusive.
type instance struct {
	system  *System
	addr    address
	grain   Grain
	actx    *Context
	mailbox chan envelope
	done    chan struct{}

	gate    sync.RWMutex
	stopped bool

	conns   map[string]Conn
	idle    *clock.Timer
	stopErr error
}

func newInstance(system *System, addr address, grain Grain) *instance {
	logger := system.logger.With(zap.String(logging.FieldKind, string(addr.kind)), zap.String(logging.FieldKey, addr.key))
	in := &instance{
		system:  system,
		addr:    addr,
		grain:   grain,
		mailbox: make(chan envelope, system.mailboxSize),
		done:    make(chan struct{}),
		conns:   make(map[string]Conn),
	}
	in.actx = &Context{
		system: system,
		addr:   addr,
		logger: logger,
		storage: &Storage{
			store: system.store,
			kind:  string(addr.kind),
			key:   addr.key,
		},
	}
	return in
}

// enqueue reports false when the instance already sealed its mailbox.
func (in *instance) enqueue(ctx context.Context, env envelope) (bool, error) {
	in.gate.RLock()
	defer in.gate.RUnlock()
	if in.stopped {
		return false, nil
	}
	select {
	case in.mailbox <- env:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (in *instance) seal() {
	in.gate.Lock()
	defer in.gate.Unlock()
	if in.stopped {
		return
	}
	in.stopped = true
	close(in.mailbox)
}

// stop seals the mailbox and waits for the queued messages and deactivation.
func (in *instance) stop(ctx context.Context) error {
	in.seal()
	select {
	case <-in.done:
		return in.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *instance) run() {
	kind := string(in.addr.kind)
	activated := false
	defer func() {
		if activated {
			in.system.metrics.live.WithLabelValues(kind).Dec()
		}
		in.system.forget(in)
		close(in.done)
		in.system.running.Done()
	}()

	if err := in.activate(); err != nil {
		in.actx.logger.Error("actor activation failed", zap.Error(err))
		activationErr := fmt.Errorf("%w: %v", ErrActivationFailed, err)
		go in.seal()
		for env := range in.mailbox {
			env.respond(nil, activationErr)
		}
		return
	}
	activated = true
	in.system.metrics.activations.WithLabelValues(kind).Inc()
	in.system.metrics.live.WithLabelValues(kind).Inc()

	in.loop()
	in.stopErr = in.deactivate()
}

func (in *instance) activate() (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			in.system.metrics.panics.WithLabelValues(string(in.addr.kind)).Inc()
			err = fmt.Errorf("%w: %v", ErrPanic, recovered)
		}
	}()
	return in.grain.OnActivate(context.Background(), in.actx)
}

func (in *instance) loop() {
	var idle <-chan time.Time
	if in.system.idleTimeout > 0 {
		in.idle = in.system.clock.Timer(in.system.idleTimeout)
		defer in.idle.Stop()
		idle = in.idle.C
	}
	for {
		select {
		case env, ok := <-in.mailbox:
			if !ok {
				return
			}
			in.handle(env)
			in.resetIdle()
		case <-idle:
			if in.tryPassivate() {
				return
			}
			in.resetIdle()
		}
	}
}

func (in *instance) resetIdle() {
	if in.idle == nil {
		return
	}
	if !in.idle.Stop() {
		select {
		case <-in.idle.C:
		default:
		}
	}
	in.idle.Reset(in.system.idleTimeout)
}

// tryPassivate seals the mailbox when nothing is queued, no sender is in
// flight and no connection is attached.
func (in *instance) tryPassivate() bool {
	if len(in.conns) > 0 {
		return false
	}
	if !in.gate.TryLock() {
		return false
	}
	defer in.gate.Unlock()
	if in.stopped || len(in.mailbox) > 0 {
		return false
	}
	in.stopped = true
	close(in.mailbox)
	in.system.metrics.passivations.WithLabelValues(string(in.addr.kind)).Inc()
	in.actx.logger.Debug("actor passivated")
	return true
}

func (in *instance) handle(env envelope) {
	ctx := context.Background()
	if env.ctx != nil {
		if err := env.ctx.Err(); err != nil {
			env.respond(nil, err)
			return
		}
		ctx = context.WithoutCancel(env.ctx)
	}

	if wake, ok := env.message.(Wake); ok {
		in.handleWake(ctx, wake)
		return
	}

	in.system.metrics.messages.WithLabelValues(string(in.addr.kind), messageName(env.message)).Inc()
	value, err := in.invoke(ctx, env.message)
	switch message := env.message.(type) {
	case SocketOpened:
		if err == nil {
			in.conns[message.Conn.ID()] = message.Conn
		}
	case SocketClosed:
		delete(in.conns, message.Conn.ID())
	case SocketErrored:
		delete(in.conns, message.Conn.ID())
	}
	if err != nil && env.reply == nil {
		in.actx.logger.Warn("actor message failed",
			zap.String("message", messageName(env.message)),
			zap.Error(err))
	}
	env.respond(value, err)
}

func (in *instance) invoke(ctx context.Context, message any) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			in.system.metrics.panics.WithLabelValues(string(in.addr.kind)).Inc()
			in.actx.logger.Error("recovered panic in actor",
				zap.Any("panic", recovered),
				zap.String("message", messageName(message)),
				zap.Stack("stack"))
			value, err = nil, fmt.Errorf("%w: %v", ErrPanic, recovered)
		}
	}()
	return in.grain.Receive(ctx, in.actx, message)
}

func (in *instance) deactivate() error {
	ctx := context.Background()
	var err error
	if deactivator, ok := in.grain.(Deactivator); ok {
		err = multierr.Append(err, in.invokeDeactivate(ctx, deactivator))
	}
	for id, conn := range in.conns {
		err = multierr.Append(err, conn.Close(CloseGoingAway, "actor shutting down"))
		delete(in.conns, id)
	}
	if err != nil {
		in.actx.logger.Warn("actor deactivation reported errors", zap.Error(err))
	}
	return err
}

func (in *instance) invokeDeactivate(ctx context.Context, deactivator Deactivator) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			in.system.metrics.panics.WithLabelValues(string(in.addr.kind)).Inc()
			err = fmt.Errorf("%w: %v", ErrPanic, recovered)
		}
	}()
	return deactivator.OnDeactivate(ctx, in.actx)
}
