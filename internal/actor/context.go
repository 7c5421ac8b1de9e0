package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Context is the handle a grain receives for its own activation. It is only
// valid on the instance goroutine.
type Context struct {
	system  *System
	addr    address
	logger  *zap.Logger
	storage *Storage
}

// Kind returns the actor kind.
func (c *Context) Kind() Kind {
	return c.addr.kind
}

// Key returns the actor key.
func (c *Context) Key() string {
	return c.addr.key
}

// Now reads the runtime clock.
func (c *Context) Now() time.Time {
	return c.system.clock.Now()
}

// Logger returns a logger tagged with the actor kind and key.
func (c *Context) Logger() *zap.Logger {
	return c.logger
}

// Storage returns the durable store scoped to this instance.
func (c *Context) Storage() *Storage {
	return c.storage
}

// SetWake schedules the instance to receive a Wake at the given time,
// replacing any pending wake.
func (c *Context) SetWake(ctx context.Context, at time.Time) error {
	return c.system.scheduleWake(ctx, c.addr, at)
}

// CancelWake clears the pending wake, if any.
func (c *Context) CancelWake(ctx context.Context) error {
	return c.system.cancelWake(ctx, c.addr)
}

// WakeAt reports the pending wake time.
func (c *Context) WakeAt() (time.Time, bool) {
	return c.system.pendingWake(c.addr)
}

// Storage is a JSON view over the slots owned by one instance.
type Storage struct {
	store Store
	kind  string
	key   string
}

// Get decodes a slot into target and reports whether it existed.
func (s *Storage) Get(ctx context.Context, slot string, target any) (bool, error) {
	raw, found, err := s.store.Get(ctx, s.kind, s.key, slot)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("actor: decode slot %s: %w", slot, err)
	}
	return true, nil
}

// Put encodes value into a slot.
func (s *Storage) Put(ctx context.Context, slot string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("actor: encode slot %s: %w", slot, err)
	}
	return s.store.Put(ctx, s.kind, s.key, slot, raw)
}

// Delete removes one slot.
func (s *Storage) Delete(ctx context.Context, slot string) error {
	return s.store.Delete(ctx, s.kind, s.key, slot)
}

// DeleteAll removes every slot of the instance.
func (s *Storage) DeleteAll(ctx context.Context) error {
	return s.store.DeleteAll(ctx, s.kind, s.key)
}
