package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/ilai-app/edge/internal/actor"
	"github.com/ilai-app/edge/internal/notes"
	"github.com/ilai-app/edge/internal/sessions"
	"github.com/ilai-app/edge/internal/signaling"
	"go.uber.org/zap"
)

const maxRequestBodyBytes = 1 << 20

type httpHandler struct {
	actors   ActorSystem
	sessions SessionValidator
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// ask forwards a message and asserts the reply type.
func ask[T any](ctx context.Context, actors ActorSystem, kind actor.Kind, key string, message any) (T, error) {
	var zero T
	reply, err := actors.Ask(ctx, kind, key, message)
	if err != nil {
		return zero, err
	}
	typed, ok := reply.(T)
	if !ok {
		return zero, fmt.Errorf("%s actor replied with %T", kind, reply)
	}
	return typed, nil
}

// decodeBody reads an optional JSON body. An empty body leaves target untouched.
func decodeBody(c *gin.Context, target any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, target)
}

func (h *httpHandler) invalidRequest(c *gin.Context, err error) {
	h.logger.Debug("rejecting malformed request", zap.String("route", c.FullPath()), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}

type sessionResponse struct {
	Success bool             `json:"success"`
	Session *sessions.Record `json:"session,omitempty"`
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	snapshot, err := ask[sessions.Snapshot](c.Request.Context(), h.actors, sessions.Kind, c.GetString(userIDContextKey), sessions.Get{})
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !snapshot.Exists {
		c.JSON(http.StatusNotFound, snapshot)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request sessions.Create
	if err := decodeBody(c, &request); err != nil {
		h.invalidRequest(c, err)
		return
	}
	record, err := ask[sessions.Record](c.Request.Context(), h.actors, sessions.Kind, c.GetString(userIDContextKey), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Success: true, Session: &record})
}

func (h *httpHandler) handleUpdateSession(c *gin.Context) {
	var patch sessions.Patch
	if err := decodeBody(c, &patch); err != nil {
		h.invalidRequest(c, err)
		return
	}
	record, err := ask[sessions.Record](c.Request.Context(), h.actors, sessions.Kind, c.GetString(userIDContextKey), sessions.Update{Patch: patch})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Success: true, Session: &record})
}

func (h *httpHandler) handleDeleteSession(c *gin.Context) {
	if _, err := h.actors.Ask(c.Request.Context(), sessions.Kind, c.GetString(userIDContextKey), sessions.Delete{}); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Success: true})
}

type classroomMemberRequest struct {
	UserID string `json:"userId"`
}

// memberID resolves the classroom member a join or leave applies to. Callers
// may only act on their own membership.
func (h *httpHandler) memberID(c *gin.Context) (string, bool) {
	var request classroomMemberRequest
	if err := decodeBody(c, &request); err != nil {
		h.invalidRequest(c, err)
		return "", false
	}
	caller := c.GetString(userIDContextKey)
	if requested := strings.TrimSpace(request.UserID); requested != "" && requested != caller {
		h.logger.Warn("classroom membership change for another user refused",
			zap.String("caller", caller),
			zap.String("requested", requested))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return "", false
	}
	return caller, true
}

func (h *httpHandler) handleListParticipants(c *gin.Context) {
	participants, err := ask[signaling.Participants](c.Request.Context(), h.actors, signaling.Kind, c.Param("id"), signaling.ListParticipants{})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, participants)
}

func (h *httpHandler) handleJoinClassroom(c *gin.Context) {
	userID, ok := h.memberID(c)
	if !ok {
		return
	}
	result, err := ask[signaling.JoinResult](c.Request.Context(), h.actors, signaling.Kind, c.Param("id"), signaling.Join{UserID: userID})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleLeaveClassroom(c *gin.Context) {
	userID, ok := h.memberID(c)
	if !ok {
		return
	}
	result, err := ask[signaling.LeaveResult](c.Request.Context(), h.actors, signaling.Kind, c.Param("id"), signaling.Leave{UserID: userID})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleClassroomSocket(c *gin.Context) {
	h.serveSocket(c, signaling.Kind, c.Param("id"))
}

func (h *httpHandler) handleGetNoteState(c *gin.Context) {
	result, err := ask[notes.StateResult](c.Request.Context(), h.actors, notes.Kind, c.Param("id"), notes.GetState{UserID: c.GetString(userIDContextKey)})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type initNoteRequest struct {
	NoteID  string          `json:"noteId"`
	Content json.RawMessage `json:"content"`
}

func (h *httpHandler) handleInitNote(c *gin.Context) {
	var request initNoteRequest
	if err := decodeBody(c, &request); err != nil {
		h.invalidRequest(c, err)
		return
	}
	noteID := c.Param("id")
	if request.NoteID != "" && request.NoteID != noteID {
		h.invalidRequest(c, fmt.Errorf("body note id %q does not match path", request.NoteID))
		return
	}
	result, err := ask[notes.InitResult](c.Request.Context(), h.actors, notes.Kind, noteID, notes.Init{
		NoteID:  noteID,
		UserID:  c.GetString(userIDContextKey),
		Content: request.Content,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type updateNoteRequest struct {
	Update json.RawMessage `json:"update"`
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	var request updateNoteRequest
	if err := decodeBody(c, &request); err != nil {
		h.invalidRequest(c, err)
		return
	}
	result, err := ask[notes.UpdateResult](c.Request.Context(), h.actors, notes.Kind, c.Param("id"), notes.ApplyUpdate{
		UserID: c.GetString(userIDContextKey),
		Update: request.Update,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleCleanupNote(c *gin.Context) {
	result, err := ask[notes.CleanupResult](c.Request.Context(), h.actors, notes.Kind, c.Param("id"), notes.Cleanup{})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleNoteSocket(c *gin.Context) {
	h.serveSocket(c, notes.Kind, c.Param("id"))
}
