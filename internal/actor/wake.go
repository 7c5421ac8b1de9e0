package actor

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ilai-app/edge/internal/logging"
	"go.uber.org/zap"
)

const (
	wakeOutcomeDelivered = "delivered"
	wakeOutcomeStale     = "stale"
	wakeOutcomeRetried   = "retried"
)

type scheduledWake struct {
	at    time.Time
	timer *clock.Timer
}

// scheduleWake persists the wake before arming the timer so a restart
// re-delivers it.
func (s *System) scheduleWake(ctx context.Context, addr address, at time.Time) error {
	at = at.UTC().Truncate(time.Millisecond)
	if err := s.store.PutAlarm(ctx, string(addr.kind), addr.key, at); err != nil {
		return err
	}
	s.armWake(addr, at)
	return nil
}

func (s *System) armWake(addr address, at time.Time) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	if existing, ok := s.wakes[addr]; ok {
		existing.timer.Stop()
		delete(s.wakes, addr)
	}
	if closed {
		return
	}
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.wakes[addr] = &scheduledWake{
		at: at,
		timer: s.clock.AfterFunc(delay, func() {
			s.fireWake(addr, at)
		}),
	}
}

func (s *System) fireWake(addr address, at time.Time) {
	err := s.deliver(context.Background(), addr, envelope{message: Wake{At: at}})
	if err != nil && !errors.Is(err, ErrSystemClosed) {
		s.logger.Error("failed to deliver wake",
			zap.String(logging.FieldKind, string(addr.kind)),
			zap.String(logging.FieldKey, addr.key),
			zap.Error(err))
	}
}

// consumeWake clears the registration if it still refers to at.
func (s *System) consumeWake(addr address, at time.Time) bool {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	current, ok := s.wakes[addr]
	if !ok || !current.at.Equal(at) {
		return false
	}
	delete(s.wakes, addr)
	return true
}

func (s *System) cancelWake(ctx context.Context, addr address) error {
	s.wakeMu.Lock()
	if existing, ok := s.wakes[addr]; ok {
		existing.timer.Stop()
		delete(s.wakes, addr)
	}
	s.wakeMu.Unlock()
	return s.store.DeleteAlarm(ctx, string(addr.kind), addr.key)
}

func (s *System) pendingWake(addr address) (time.Time, bool) {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	current, ok := s.wakes[addr]
	if !ok {
		return time.Time{}, false
	}
	return current.at, true
}

// handleWake runs on the instance goroutine. A failed wake that did not
// reschedule itself is retried; a successful one clears the persisted alarm.
func (in *instance) handleWake(ctx context.Context, wake Wake) {
	kind := string(in.addr.kind)
	if !in.system.consumeWake(in.addr, wake.At) {
		in.system.metrics.wakes.WithLabelValues(kind, wakeOutcomeStale).Inc()
		return
	}
	in.system.metrics.messages.WithLabelValues(kind, messageName(wake)).Inc()
	_, err := in.invoke(ctx, wake)
	if _, rescheduled := in.system.pendingWake(in.addr); rescheduled {
		in.system.metrics.wakes.WithLabelValues(kind, wakeOutcomeDelivered).Inc()
		return
	}
	if err != nil {
		retryAt := in.system.clock.Now().Add(wakeRetryDelay)
		in.actx.logger.Warn("wake handler failed, retrying",
			zap.Time("retry_at", retryAt),
			zap.Error(err))
		in.system.metrics.wakes.WithLabelValues(kind, wakeOutcomeRetried).Inc()
		if scheduleErr := in.system.scheduleWake(ctx, in.addr, retryAt); scheduleErr != nil {
			in.actx.logger.Error("failed to reschedule wake", zap.Error(scheduleErr))
		}
		return
	}
	in.system.metrics.wakes.WithLabelValues(kind, wakeOutcomeDelivered).Inc()
	if deleteErr := in.system.store.DeleteAlarm(ctx, kind, in.addr.key); deleteErr != nil {
		in.actx.logger.Error("failed to clear delivered wake", zap.Error(deleteErr))
	}
}
