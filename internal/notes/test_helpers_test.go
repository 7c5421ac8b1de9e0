package notes

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/ilai-app/edge/internal/actor"
	"github.com/ilai-app/edge/internal/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testNoteID = "note-1"
	waitFor    = 2 * time.Second
	pollEvery  = 5 * time.Millisecond
)

type recordingFlusher struct {
	mu     sync.Mutex
	pushes []State
	fail   bool
}

func (f *recordingFlusher) PushNote(_ context.Context, state State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("origin unavailable")
	}
	f.pushes = append(f.pushes, state)
	return nil
}

func (f *recordingFlusher) pushed() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.pushes...)
}

func (f *recordingFlusher) setFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

type closeCall struct {
	code   int
	reason string
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []map[string]any
	closes []closeCall
}

func (c *fakeConn) ID() string {
	return c.id
}

func (c *fakeConn) Send(payload []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, decoded)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, closeCall{code: code, reason: reason})
	return nil
}

func (c *fakeConn) ofType(frameType string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := make([]map[string]any, 0)
	for _, frame := range c.frames {
		if frame["type"] == frameType {
			matched = append(matched, frame)
		}
	}
	return matched
}

func (c *fakeConn) closeCalls() []closeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]closeCall(nil), c.closes...)
}

type noteHarness struct {
	system  *actor.System
	store   *storage.Store
	clock   *clock.Mock
	flusher *recordingFlusher
}

func newNoteHarness(testContext *testing.T) *noteHarness {
	testContext.Helper()
	database, err := storage.OpenSQLite(filepath.Join(testContext.TempDir(), "notes.db"), zap.NewNop())
	require.NoError(testContext, err)
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC))
	store, err := storage.NewStore(storage.StoreConfig{Database: database, Clock: mock.Now})
	require.NoError(testContext, err)

	flusher := &recordingFlusher{}
	factory, err := NewFactory(Config{Flusher: flusher, Debounce: DefaultFlushDebounce})
	require.NoError(testContext, err)
	system, err := actor.NewSystem(actor.Config{Store: store, Clock: mock})
	require.NoError(testContext, err)
	require.NoError(testContext, system.Register(Kind, factory))
	testContext.Cleanup(func() {
		_ = system.Shutdown(context.Background())
	})
	return &noteHarness{system: system, store: store, clock: mock, flusher: flusher}
}

func (h *noteHarness) ask(testContext *testing.T, message any) (any, error) {
	testContext.Helper()
	return h.system.Ask(context.Background(), Kind, testNoteID, message)
}

func (h *noteHarness) mustAsk(testContext *testing.T, message any) any {
	testContext.Helper()
	reply, err := h.ask(testContext, message)
	require.NoError(testContext, err)
	return reply
}

func (h *noteHarness) connect(testContext *testing.T, id, userID, userName string) *fakeConn {
	testContext.Helper()
	conn := &fakeConn{id: id}
	params := url.Values{}
	params.Set("userId", userID)
	if userName != "" {
		params.Set("userName", userName)
	}
	h.mustAsk(testContext, actor.SocketOpened{Conn: conn, Params: params})
	return conn
}

func (h *noteHarness) alarmPending(testContext *testing.T) bool {
	testContext.Helper()
	alarms, err := h.store.ListAlarms(context.Background())
	require.NoError(testContext, err)
	for _, alarm := range alarms {
		if alarm.Kind == string(Kind) && alarm.ActorKey == testNoteID {
			return true
		}
	}
	return false
}
