package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ilai-app/edge/internal/actor"
	"github.com/ilai-app/edge/internal/logging"
	"go.uber.org/zap"
)

const (
	socketSendBuffer = 256
	socketReadLimit  = 1 << 20
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = (socketPongWait * 9) / 10
	socketCloseGrace = 2 * time.Second
)

var (
	errSocketClosed  = errors.New("socket closed")
	errSocketBacklog = errors.New("socket send buffer full")
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// socketConn adapts a gorilla connection to actor.Conn. Writes go through a
// single writer goroutine; Close is queued behind pending sends.
type socketConn struct {
	id       string
	socket   *websocket.Conn
	outbound chan []byte

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string
}

func newSocketConn(socket *websocket.Conn) *socketConn {
	return &socketConn{
		id:       uuid.NewString(),
		socket:   socket,
		outbound: make(chan []byte, socketSendBuffer),
		closing:  make(chan struct{}),
	}
}

func (s *socketConn) ID() string {
	return s.id
}

func (s *socketConn) Send(payload []byte) error {
	select {
	case <-s.closing:
		return errSocketClosed
	default:
	}
	select {
	case s.outbound <- payload:
		return nil
	case <-s.closing:
		return errSocketClosed
	default:
		return errSocketBacklog
	}
}

func (s *socketConn) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.closing)
	})
	return nil
}

// localClose reports the code of a Close issued on this side, if any.
func (s *socketConn) localClose() (int, string, bool) {
	select {
	case <-s.closing:
		return s.closeCode, s.closeReason, true
	default:
		return 0, "", false
	}
}

func (s *socketConn) writePump(stop <-chan struct{}) {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-s.outbound:
			if err := s.write(websocket.TextMessage, payload); err != nil {
				_ = s.socket.Close()
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				_ = s.socket.Close()
				return
			}
		case <-s.closing:
			s.flushAndClose()
			return
		case <-stop:
			return
		}
	}
}

func (s *socketConn) flushAndClose() {
	for {
		select {
		case payload := <-s.outbound:
			if err := s.write(websocket.TextMessage, payload); err != nil {
				_ = s.socket.Close()
				return
			}
		default:
			frame := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			_ = s.socket.WriteControl(websocket.CloseMessage, frame, time.Now().Add(socketWriteWait))
			// The read side waits briefly for the peer's close echo.
			_ = s.socket.SetReadDeadline(time.Now().Add(socketCloseGrace))
			return
		}
	}
}

func (s *socketConn) write(messageType int, payload []byte) error {
	if err := s.socket.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
		return err
	}
	return s.socket.WriteMessage(messageType, payload)
}

// serveSocket upgrades the request and binds the connection to one actor for
// its whole lifetime: open, every inbound frame, then exactly one of closed or
// errored.
func (h *httpHandler) serveSocket(c *gin.Context, kind actor.Kind, key string) {
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String(logging.FieldKind, string(kind)),
			zap.String(logging.FieldKey, key),
			zap.Error(err))
		return
	}

	conn := newSocketConn(socket)
	logger := h.logger.With(
		zap.String(logging.FieldKind, string(kind)),
		zap.String(logging.FieldKey, key),
		zap.String(logging.FieldConnID, conn.ID()))
	ctx := context.WithoutCancel(c.Request.Context())

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writePump(stop)
	}()

	opened := actor.SocketOpened{Conn: conn, Params: socketParams(c)}
	if _, err := h.actors.Ask(ctx, kind, key, opened); err != nil {
		logger.Warn("actor rejected socket", zap.Error(err))
		if errors.Is(err, actor.ErrSystemClosed) {
			_ = conn.Close(websocket.CloseGoingAway, "server shutting down")
		} else {
			_ = conn.Close(websocket.CloseInternalServerErr, "actor unavailable")
		}
		<-writerDone
		_ = socket.Close()
		return
	}

	readErr := h.readPump(ctx, kind, key, conn, logger)

	var terminal any
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) {
		terminal = actor.SocketClosed{Conn: conn, Code: closeErr.Code, Reason: closeErr.Text}
	} else if code, reason, local := conn.localClose(); local {
		terminal = actor.SocketClosed{Conn: conn, Code: code, Reason: reason}
	} else {
		terminal = actor.SocketErrored{Conn: conn, Err: readErr}
	}
	_ = conn.Close(websocket.CloseNormalClosure, "")
	close(stop)
	<-writerDone
	_ = socket.Close()

	if err := h.actors.Tell(ctx, kind, key, terminal); err != nil && !errors.Is(err, actor.ErrSystemClosed) {
		logger.Warn("failed to deliver socket close", zap.Error(err))
	}
}

func (h *httpHandler) readPump(ctx context.Context, kind actor.Kind, key string, conn *socketConn, logger *zap.Logger) error {
	socket := conn.socket
	socket.SetReadLimit(socketReadLimit)
	_ = socket.SetReadDeadline(time.Now().Add(socketPongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		messageType, data, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("websocket read ended", zap.Error(err))
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := h.actors.Tell(ctx, kind, key, actor.SocketMessage{Conn: conn, Data: data}); err != nil {
			if !errors.Is(err, actor.ErrSystemClosed) {
				logger.Warn("failed to deliver socket message", zap.Error(err))
			}
			_ = conn.Close(websocket.CloseGoingAway, "actor unavailable")
		}
	}
}

func socketParams(c *gin.Context) url.Values {
	params := url.Values{}
	params.Set("userId", c.GetString(userIDContextKey))
	userName := c.Query("userName")
	if userName == "" {
		userName = c.Query("name")
	}
	if userName != "" {
		params.Set("userName", userName)
	}
	return params
}
