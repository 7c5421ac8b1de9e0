// Package sessions caches authentication sessions at the edge, one actor per
// user, with a sliding inactivity expiry.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ilai-app/edge/internal/actor"
	"github.com/ilai-app/edge/internal/logging"
	"go.uber.org/zap"
)

// Kind addresses session actors.
const Kind actor.Kind = "session"

// DefaultTTL is the inactivity window after which a session is evicted.
const DefaultTTL = 24 * time.Hour

const (
	slotSession = "session"

	opCreate = "sessions.create"
	opGet    = "sessions.get"
	opUpdate = "sessions.update"
	opDelete = "sessions.delete"
	opExpire = "sessions.expire"

	reasonNoSession     = "no_session"
	reasonPersistFailed = "persist_failed"
	reasonDeleteFailed  = "delete_failed"
	reasonWakeFailed    = "wake_failed"
)

// ErrNoSession indicates that the user has no cached session.
var ErrNoSession = errors.New("sessions: no session")

// ServiceError carries a stable code of the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Record is the cached session. Timestamps are unix milliseconds.
type Record struct {
	UserID     string         `json:"userId"`
	Email      string         `json:"email"`
	CreatedAt  int64          `json:"createdAt"`
	LastActive int64          `json:"lastActive"`
	Metadata   map[string]any `json:"metadata"`
}

// Snapshot is the reply to Get.
type Snapshot struct {
	Exists  bool    `json:"exists"`
	Session *Record `json:"session,omitempty"`
}

// Get reads the session and refreshes its activity.
type Get struct{}

// Create replaces any session with a fresh one.
type Create struct {
	UserID   string         `json:"userId"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"metadata"`
}

// Patch lists the session fields a client may overwrite. Nil fields are left
// untouched.
type Patch struct {
	UserID   *string        `json:"userId"`
	Email    *string        `json:"email"`
	Metadata map[string]any `json:"metadata"`
}

// Update overwrites the patched fields of an existing session.
type Update struct {
	Patch Patch
}

// Delete drops the session.
type Delete struct{}

// Grain is the session actor of one user.
type Grain struct {
	ttl     time.Duration
	session *Record
}

// NewFactory builds session grains with the given inactivity window.
func NewFactory(ttl time.Duration) actor.Factory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return func(string) actor.Grain {
		return &Grain{ttl: ttl}
	}
}

// OnActivate loads the cached session, if any.
func (g *Grain) OnActivate(ctx context.Context, actx *actor.Context) error {
	var stored Record
	found, err := actx.Storage().Get(ctx, slotSession, &stored)
	if err != nil {
		return err
	}
	if found {
		g.session = &stored
	}
	return nil
}

// Receive handles session calls and the expiry wake.
func (g *Grain) Receive(ctx context.Context, actx *actor.Context, message any) (any, error) {
	switch typed := message.(type) {
	case Get:
		return g.get(ctx, actx)
	case Create:
		return g.create(ctx, actx, typed)
	case Update:
		return g.update(ctx, actx, typed.Patch)
	case Delete:
		return nil, g.delete(ctx, actx)
	case actor.Wake:
		return nil, g.expire(ctx, actx)
	default:
		return nil, fmt.Errorf("%w: %T", actor.ErrUnhandledMessage, message)
	}
}

func (g *Grain) get(ctx context.Context, actx *actor.Context) (Snapshot, error) {
	if g.session == nil {
		return Snapshot{Exists: false}, nil
	}
	g.session.LastActive = actx.Now().UnixMilli()
	if err := actx.Storage().Put(ctx, slotSession, g.session); err != nil {
		logError(actx, opGet, reasonPersistFailed, err)
		return Snapshot{}, newServiceError(opGet, reasonPersistFailed, err)
	}
	return Snapshot{Exists: true, Session: g.session.clone()}, nil
}

func (g *Grain) create(ctx context.Context, actx *actor.Context, request Create) (Record, error) {
	now := actx.Now()
	metadata := request.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	userID := request.UserID
	if userID == "" {
		userID = actx.Key()
	}
	g.session = &Record{
		UserID:     userID,
		Email:      request.Email,
		CreatedAt:  now.UnixMilli(),
		LastActive: now.UnixMilli(),
		Metadata:   metadata,
	}
	if err := actx.Storage().Put(ctx, slotSession, g.session); err != nil {
		logError(actx, opCreate, reasonPersistFailed, err)
		return Record{}, newServiceError(opCreate, reasonPersistFailed, err)
	}
	if err := actx.SetWake(ctx, now.Add(g.ttl)); err != nil {
		logError(actx, opCreate, reasonWakeFailed, err)
		return Record{}, newServiceError(opCreate, reasonWakeFailed, err)
	}
	return *g.session.clone(), nil
}

func (g *Grain) update(ctx context.Context, actx *actor.Context, patch Patch) (Record, error) {
	if g.session == nil {
		return Record{}, newServiceError(opUpdate, reasonNoSession, ErrNoSession)
	}
	if patch.UserID != nil {
		g.session.UserID = *patch.UserID
	}
	if patch.Email != nil {
		g.session.Email = *patch.Email
	}
	if patch.Metadata != nil {
		g.session.Metadata = patch.Metadata
	}
	g.session.LastActive = actx.Now().UnixMilli()
	if err := actx.Storage().Put(ctx, slotSession, g.session); err != nil {
		logError(actx, opUpdate, reasonPersistFailed, err)
		return Record{}, newServiceError(opUpdate, reasonPersistFailed, err)
	}
	return *g.session.clone(), nil
}

func (g *Grain) delete(ctx context.Context, actx *actor.Context) error {
	g.session = nil
	if err := actx.Storage().Delete(ctx, slotSession); err != nil {
		logError(actx, opDelete, reasonDeleteFailed, err)
		return newServiceError(opDelete, reasonDeleteFailed, err)
	}
	if err := actx.CancelWake(ctx); err != nil {
		logError(actx, opDelete, reasonWakeFailed, err)
		return newServiceError(opDelete, reasonWakeFailed, err)
	}
	return nil
}

// expire evicts the session once it has been inactive for the full window,
// otherwise it re-arms for the moment the window would close.
func (g *Grain) expire(ctx context.Context, actx *actor.Context) error {
	if g.session == nil {
		return nil
	}
	now := actx.Now()
	lastActive := time.UnixMilli(g.session.LastActive)
	inactive := now.Sub(lastActive)
	// Evicting at exactly ttl keeps every re-armed wake strictly in the future.
	if inactive >= g.ttl {
		g.session = nil
		if err := actx.Storage().Delete(ctx, slotSession); err != nil {
			logError(actx, opExpire, reasonDeleteFailed, err)
			return newServiceError(opExpire, reasonDeleteFailed, err)
		}
		actx.Logger().Info("session expired", zap.Duration("inactive", inactive))
		return nil
	}
	return actx.SetWake(ctx, lastActive.Add(g.ttl))
}

func (r *Record) clone() *Record {
	copied := *r
	if r.Metadata != nil {
		copied.Metadata = make(map[string]any, len(r.Metadata))
		for key, value := range r.Metadata {
			copied.Metadata[key] = value
		}
	}
	return &copied
}

func logError(actx *actor.Context, operation, reason string, err error) {
	actx.Logger().Error("session actor error",
		zap.String(logging.FieldOperation, operation),
		zap.String(logging.FieldReason, reason),
		zap.Error(err))
}
