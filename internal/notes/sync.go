// Package notes coordinates collaborative editing of a single note: it merges
// edits, fans them out to connected editors and writes the result back to the
// origin after a quiet period.
package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ilai-app/edge/internal/actor"
	"github.com/ilai-app/edge/internal/logging"
	"go.uber.org/zap"
)

// Kind addresses note sync actors.
const Kind actor.Kind = "note"

// DefaultFlushDebounce is the quiet period before edits are pushed to the origin.
const DefaultFlushDebounce = 5 * time.Second

const (
	slotNoteState = "noteState"

	paramUserID     = "userId"
	paramUserName   = "userName"
	anonymousUserID = "anonymous"
)

// Flusher writes note state back to the origin system.
type Flusher interface {
	PushNote(ctx context.Context, state State) error
}

// GetState reads the current note state.
type GetState struct {
	UserID string
}

// Init replaces the note state with a fresh document.
type Init struct {
	NoteID  string
	UserID  string
	Content []byte
}

// ApplyUpdate merges an edit into the note.
type ApplyUpdate struct {
	UserID string
	Update []byte
}

// Cleanup disconnects every editor and erases the note.
type Cleanup struct{}

// StateResult is the reply to GetState.
type StateResult struct {
	HasState bool   `json:"hasState"`
	State    *State `json:"state,omitempty"`
}

// InitResult is the reply to Init.
type InitResult struct {
	Success bool `json:"success"`
}

// UpdateResult is the reply to ApplyUpdate.
type UpdateResult struct {
	Success bool  `json:"success"`
	Version int64 `json:"version"`
}

// CleanupResult is the reply to Cleanup.
type CleanupResult struct {
	Success bool `json:"success"`
}

// Config describes grain dependencies.
type Config struct {
	Flusher  Flusher
	Debounce time.Duration
}

type editor struct {
	conn     actor.Conn
	userID   string
	userName string
}

// Grain is the sync actor of one note.
type Grain struct {
	flusher  Flusher
	debounce time.Duration

	state   *State
	editors []*editor
}

// NewFactory builds sync grains.
func NewFactory(cfg Config) (actor.Factory, error) {
	if cfg.Flusher == nil {
		return nil, errors.New("notes: flusher is required")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultFlushDebounce
	}
	return func(string) actor.Grain {
		return &Grain{flusher: cfg.Flusher, debounce: debounce}
	}, nil
}

// OnActivate loads the persisted note state.
func (g *Grain) OnActivate(ctx context.Context, actx *actor.Context) error {
	var stored State
	found, err := actx.Storage().Get(ctx, slotNoteState, &stored)
	if err != nil {
		return err
	}
	if found {
		g.state = &stored
	}
	return nil
}

// OnDeactivate pushes edits still waiting for their debounce.
func (g *Grain) OnDeactivate(ctx context.Context, actx *actor.Context) error {
	if g.state == nil {
		return nil
	}
	if _, pending := actx.WakeAt(); !pending {
		return nil
	}
	if err := g.flush(ctx, actx); err != nil {
		return err
	}
	return actx.CancelWake(ctx)
}

// Receive handles control calls, socket events and the debounce wake.
func (g *Grain) Receive(ctx context.Context, actx *actor.Context, message any) (any, error) {
	switch typed := message.(type) {
	case GetState:
		return g.snapshot(), nil
	case Init:
		return g.init(ctx, actx, typed)
	case ApplyUpdate:
		return g.applyUpdateCall(ctx, actx, typed)
	case Cleanup:
		return g.cleanup(ctx, actx)
	case actor.SocketOpened:
		g.open(actx, typed)
		return nil, nil
	case actor.SocketMessage:
		g.message(ctx, actx, typed)
		return nil, nil
	case actor.SocketClosed:
		g.depart(ctx, actx, typed.Conn)
		return nil, nil
	case actor.SocketErrored:
		actx.Logger().Warn("note socket error", zap.String(logging.FieldConnID, typed.Conn.ID()), zap.Error(typed.Err))
		g.depart(ctx, actx, typed.Conn)
		return nil, nil
	case actor.Wake:
		if err := g.flush(ctx, actx); err != nil {
			logError(actx, opFlush, reasonPushFailed, err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %T", actor.ErrUnhandledMessage, message)
	}
}

func (g *Grain) snapshot() StateResult {
	if g.state == nil {
		return StateResult{HasState: false}
	}
	copied := g.state.clone()
	return StateResult{HasState: true, State: &copied}
}

func (g *Grain) init(ctx context.Context, actx *actor.Context, request Init) (InitResult, error) {
	rawNoteID := request.NoteID
	if rawNoteID == "" {
		rawNoteID = actx.Key()
	}
	noteID, err := NewNoteID(rawNoteID)
	if err != nil {
		return InitResult{}, newServiceError(opInit, reasonInvalidNoteID, err)
	}
	userID, err := NewUserID(request.UserID)
	if err != nil {
		return InitResult{}, newServiceError(opInit, reasonInvalidUserID, err)
	}
	content, err := NewDocument(request.Content)
	if err != nil {
		return InitResult{}, newServiceError(opInit, reasonInvalidContent, err)
	}

	g.state = &State{
		NoteID:        noteID.String(),
		Content:       content,
		Version:       1,
		LastModified:  actx.Now().UnixMilli(),
		Collaborators: []string{userID.String()},
	}
	if err := actx.Storage().Put(ctx, slotNoteState, g.state); err != nil {
		logError(actx, opInit, reasonPersistFailed, err)
		return InitResult{}, newServiceError(opInit, reasonPersistFailed, err)
	}
	return InitResult{Success: true}, nil
}

func (g *Grain) applyUpdateCall(ctx context.Context, actx *actor.Context, request ApplyUpdate) (UpdateResult, error) {
	userID, err := NewUserID(request.UserID)
	if err != nil {
		return UpdateResult{}, newServiceError(opApplyUpdate, reasonInvalidUserID, err)
	}
	update, err := NewDocument(request.Update)
	if err != nil {
		return UpdateResult{}, newServiceError(opApplyUpdate, reasonInvalidContent, err)
	}
	version, err := g.applyUpdate(ctx, actx, userID.String(), update)
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Success: true, Version: version}, nil
}

// applyUpdate merges, persists and re-arms the debounce. The in-memory state
// keeps the merge even when persisting fails.
func (g *Grain) applyUpdate(ctx context.Context, actx *actor.Context, userID string, update Document) (int64, error) {
	now := actx.Now()
	if g.state == nil {
		g.state = &State{
			NoteID:        actx.Key(),
			Content:       update,
			Version:       1,
			LastModified:  now.UnixMilli(),
			Collaborators: []string{userID},
		}
	} else {
		merged, err := mergeContent(g.state.Content, update)
		if errors.Is(err, ErrInvalidContent) {
			return 0, newServiceError(opApplyUpdate, reasonInvalidContent, err)
		}
		if err != nil {
			logError(actx, opApplyUpdate, reasonMergeFailed, err)
			return 0, newServiceError(opApplyUpdate, reasonMergeFailed, err)
		}
		g.state.Content = merged
		g.state.Version++
		g.state.LastModified = now.UnixMilli()
		g.state.addCollaborator(userID)
	}

	if err := actx.Storage().Put(ctx, slotNoteState, g.state); err != nil {
		logError(actx, opApplyUpdate, reasonPersistFailed, err, zap.Int64(fieldVersion, g.state.Version))
		return g.state.Version, newServiceError(opApplyUpdate, reasonPersistFailed, err)
	}
	if err := actx.SetWake(ctx, now.Add(g.debounce)); err != nil {
		logError(actx, opApplyUpdate, reasonScheduleFailed, err)
		return g.state.Version, newServiceError(opApplyUpdate, reasonScheduleFailed, err)
	}
	return g.state.Version, nil
}

func (g *Grain) cleanup(ctx context.Context, actx *actor.Context) (CleanupResult, error) {
	for _, current := range g.editors {
		if err := current.conn.Close(actor.CloseNormal, "Note deleted"); err != nil {
			actx.Logger().Debug("closing editor socket failed", zap.Error(err))
		}
	}
	g.editors = nil
	g.state = nil

	if err := actx.CancelWake(ctx); err != nil {
		logError(actx, opCleanup, reasonCancelFailed, err)
		return CleanupResult{}, newServiceError(opCleanup, reasonCancelFailed, err)
	}
	if err := actx.Storage().DeleteAll(ctx); err != nil {
		logError(actx, opCleanup, reasonDeleteFailed, err)
		return CleanupResult{}, newServiceError(opCleanup, reasonDeleteFailed, err)
	}
	return CleanupResult{Success: true}, nil
}

func (g *Grain) open(actx *actor.Context, opened actor.SocketOpened) {
	userID := opened.Params.Get(paramUserID)
	if userID == "" {
		userID = anonymousUserID
	}
	joined := &editor{conn: opened.Conn, userID: userID, userName: opened.Params.Get(paramUserName)}
	g.editors = append(g.editors, joined)

	if g.state != nil {
		g.send(actx, joined, syncEnvelope{Type: typeSync, State: g.state.Content, Version: g.state.Version})
	}
	g.broadcast(actx, userJoinedEnvelope{
		Type:          typeUserJoined,
		UserID:        joined.userID,
		UserName:      joined.userName,
		Collaborators: g.collaborators(),
	}, joined)
}

func (g *Grain) message(ctx context.Context, actx *actor.Context, inbound actor.SocketMessage) {
	index := g.indexByConn(inbound.Conn)
	if index < 0 {
		return
	}
	sender := g.editors[index]
	frame, err := decodeFrame(inbound.Data)
	if err != nil {
		actx.Logger().Debug("dropping note frame",
			zap.String(logging.FieldReason, reasonMalformedFrame),
			zap.String(fieldUserID, sender.userID),
			zap.Error(err))
		return
	}

	switch typed := frame.(type) {
	case updateFrame:
		update, err := NewDocument(typed.Update)
		if err != nil {
			logError(actx, opSocket, reasonUpdateRejected, err, zap.String(fieldUserID, sender.userID))
			return
		}
		version, err := g.applyUpdate(ctx, actx, sender.userID, update)
		if err != nil && version == 0 {
			actx.Logger().Debug("dropping note update",
				zap.String(logging.FieldReason, reasonUpdateRejected),
				zap.String(fieldUserID, sender.userID),
				zap.Error(err))
			return
		}
		g.broadcast(actx, updateEnvelope{
			Type:    typeUpdate,
			Update:  typed.Update,
			From:    sender.userID,
			Version: version,
		}, sender)
	case cursorFrame:
		g.broadcast(actx, cursorEnvelope{
			Type:     typeCursor,
			UserID:   sender.userID,
			UserName: sender.userName,
			Position: typed.Position,
		}, sender)
	case awarenessFrame:
		g.broadcast(actx, awarenessEnvelope{
			Type:   typeAwareness,
			UserID: sender.userID,
			State:  typed.State,
		}, sender)
	}
}

// depart removes the editor and, when it was the last one, pushes the note
// immediately instead of waiting for the debounce.
func (g *Grain) depart(ctx context.Context, actx *actor.Context, conn actor.Conn) {
	index := g.indexByConn(conn)
	if index < 0 {
		return
	}
	departed := g.editors[index]
	g.editors = append(g.editors[:index], g.editors[index+1:]...)
	g.broadcast(actx, userLeftEnvelope{
		Type:          typeUserLeft,
		UserID:        departed.userID,
		Collaborators: g.collaborators(),
	}, nil)

	if len(g.editors) > 0 || g.state == nil {
		return
	}
	if err := actx.CancelWake(ctx); err != nil {
		logError(actx, opFlush, reasonCancelFailed, err)
	}
	if err := g.flush(ctx, actx); err != nil {
		logError(actx, opFlush, reasonPushFailed, err)
	}
}

func (g *Grain) flush(ctx context.Context, actx *actor.Context) error {
	if g.state == nil {
		return nil
	}
	if err := g.flusher.PushNote(ctx, g.state.clone()); err != nil {
		return newServiceError(opFlush, reasonPushFailed, err)
	}
	actx.Logger().Debug("note pushed to origin", zap.Int64(fieldVersion, g.state.Version))
	return nil
}

func (g *Grain) collaborators() []Collaborator {
	collaborators := make([]Collaborator, 0, len(g.editors))
	for _, current := range g.editors {
		collaborators = append(collaborators, Collaborator{UserID: current.userID, UserName: current.userName})
	}
	return collaborators
}

func (g *Grain) broadcast(actx *actor.Context, envelope any, exclude *editor) {
	payload, err := actor.Encode(envelope)
	if err != nil {
		actx.Logger().Error("encoding note envelope failed", zap.Error(err))
		return
	}
	for _, current := range g.editors {
		if current == exclude {
			continue
		}
		if err := current.conn.Send(payload); err != nil {
			actx.Logger().Debug("note send failed", zap.String(fieldUserID, current.userID), zap.Error(err))
		}
	}
}

func (g *Grain) send(actx *actor.Context, target *editor, envelope any) {
	if err := actor.SendJSON(target.conn, envelope); err != nil {
		actx.Logger().Debug("note send failed", zap.String(fieldUserID, target.userID), zap.Error(err))
	}
}

func (g *Grain) indexByConn(conn actor.Conn) int {
	for index, current := range g.editors {
		if current.conn.ID() == conn.ID() {
			return index
		}
	}
	return -1
}
