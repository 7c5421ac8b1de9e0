package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ilai-app/edge/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	counterKind Kind = "counter"
	counterSlot      = "count"
	waitFor          = 2 * time.Second
	pollEvery        = 5 * time.Millisecond
)

type memStore struct {
	mu      sync.Mutex
	records map[string][]byte
	alarms  map[string]storage.Alarm
	failGet atomic.Bool
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]byte), alarms: make(map[string]storage.Alarm)}
}

func recordKey(kind, key, slot string) string {
	return kind + "/" + key + "/" + slot
}

func (m *memStore) Get(_ context.Context, kind, key, slot string) ([]byte, bool, error) {
	if m.failGet.Load() {
		return nil, false, errors.New("store unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.records[recordKey(kind, key, slot)]
	return value, ok, nil
}

func (m *memStore) Put(_ context.Context, kind, key, slot string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[recordKey(kind, key, slot)] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Delete(_ context.Context, kind, key, slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, recordKey(kind, key, slot))
	return nil
}

func (m *memStore) DeleteAll(_ context.Context, kind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := kind + "/" + key + "/"
	for stored := range m.records {
		if len(stored) >= len(prefix) && stored[:len(prefix)] == prefix {
			delete(m.records, stored)
		}
	}
	return nil
}

func (m *memStore) PutAlarm(_ context.Context, kind, key string, fireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alarms[kind+"/"+key] = storage.Alarm{Kind: kind, ActorKey: key, FireAtMillis: fireAt.UnixMilli()}
	return nil
}

func (m *memStore) DeleteAlarm(_ context.Context, kind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alarms, kind+"/"+key)
	return nil
}

func (m *memStore) ListAlarms(context.Context) ([]storage.Alarm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alarms := make([]storage.Alarm, 0, len(m.alarms))
	for _, alarm := range m.alarms {
		alarms = append(alarms, alarm)
	}
	return alarms, nil
}

func (m *memStore) alarm(kind Kind, key string) (storage.Alarm, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alarm, ok := m.alarms[string(kind)+"/"+key]
	return alarm, ok
}

type increment struct{}
type readCount struct{}
type explode struct{}
type wakeMeAt struct{ At time.Time }

type counterProbe struct {
	activations   atomic.Int32
	deactivations atomic.Int32
	wakes         chan Wake
	failWakes     atomic.Int32
	activateGate  chan struct{}
}

func newCounterProbe() *counterProbe {
	return &counterProbe{wakes: make(chan Wake, 16)}
}

type counterGrain struct {
	probe    *counterProbe
	hydrated bool
	count    int
}

func (g *counterGrain) OnActivate(ctx context.Context, actx *Context) error {
	if g.probe.activateGate != nil {
		<-g.probe.activateGate
	}
	g.probe.activations.Add(1)
	if _, err := actx.Storage().Get(ctx, counterSlot, &g.count); err != nil {
		return err
	}
	g.hydrated = true
	return nil
}

func (g *counterGrain) Receive(ctx context.Context, actx *Context, message any) (any, error) {
	if !g.hydrated {
		return nil, errors.New("received before hydration")
	}
	switch typed := message.(type) {
	case increment:
		g.count++
		return g.count, actx.Storage().Put(ctx, counterSlot, g.count)
	case readCount:
		return g.count, nil
	case explode:
		panic("boom")
	case wakeMeAt:
		return nil, actx.SetWake(ctx, typed.At)
	case Wake:
		g.probe.wakes <- typed
		if g.probe.failWakes.Load() > 0 {
			g.probe.failWakes.Add(-1)
			return nil, errors.New("wake failed")
		}
		return nil, nil
	case SocketOpened, SocketClosed:
		return nil, nil
	default:
		return nil, ErrUnhandledMessage
	}
}

func (g *counterGrain) OnDeactivate(context.Context, *Context) error {
	g.probe.deactivations.Add(1)
	return nil
}

type recordingConn struct {
	id     string
	mu     sync.Mutex
	closed []int
}

func (c *recordingConn) ID() string {
	return c.id
}

func (c *recordingConn) Send([]byte) error {
	return nil
}

func (c *recordingConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, code)
	return nil
}

func (c *recordingConn) closeCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closed...)
}

func newCounterSystem(testContext *testing.T, store *memStore, mock *clock.Mock, idle time.Duration) (*System, *counterProbe) {
	testContext.Helper()
	probe := newCounterProbe()
	system, err := NewSystem(Config{
		Store:       store,
		Clock:       mock,
		Metrics:     NewMetrics(prometheus.NewRegistry()),
		IdleTimeout: idle,
	})
	require.NoError(testContext, err)
	require.NoError(testContext, system.Register(counterKind, func(string) Grain {
		return &counterGrain{probe: probe}
	}))
	testContext.Cleanup(func() {
		_ = system.Shutdown(context.Background())
	})
	return system, probe
}

func TestConcurrentAsksAreSerialized(testContext *testing.T) {
	system, probe := newCounterSystem(testContext, newMemStore(), clock.NewMock(), 0)
	ctx := context.Background()

	const callers = 64
	var group sync.WaitGroup
	for index := 0; index < callers; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			_, err := system.Ask(ctx, counterKind, "shared", increment{})
			assert.NoError(testContext, err)
		}()
	}
	group.Wait()

	count, err := system.Ask(ctx, counterKind, "shared", readCount{})
	require.NoError(testContext, err)
	assert.Equal(testContext, callers, count)
	assert.Equal(testContext, int32(1), probe.activations.Load())
}

func TestMessagesWaitForHydration(testContext *testing.T) {
	store := newMemStore()
	require.NoError(testContext, store.Put(context.Background(), string(counterKind), "gated", counterSlot, []byte("41")))
	system, probe := newCounterSystem(testContext, store, clock.NewMock(), 0)
	probe.activateGate = make(chan struct{})

	results := make(chan any, 1)
	go func() {
		value, err := system.Ask(context.Background(), counterKind, "gated", increment{})
		assert.NoError(testContext, err)
		results <- value
	}()

	select {
	case <-results:
		testContext.Fatalf("message handled before activation finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(probe.activateGate)

	select {
	case value := <-results:
		assert.Equal(testContext, 42, value)
	case <-time.After(waitFor):
		testContext.Fatalf("message was never handled")
	}
}

func TestPanicIsRecoveredAndInstanceSurvives(testContext *testing.T) {
	system, probe := newCounterSystem(testContext, newMemStore(), clock.NewMock(), 0)
	ctx := context.Background()

	_, err := system.Ask(ctx, counterKind, "fragile", explode{})
	require.ErrorIs(testContext, err, ErrPanic)

	count, err := system.Ask(ctx, counterKind, "fragile", increment{})
	require.NoError(testContext, err)
	assert.Equal(testContext, 1, count)
	assert.Equal(testContext, int32(1), probe.activations.Load())
}

func TestActivationFailureIsReportedAndRetried(testContext *testing.T) {
	store := newMemStore()
	system, probe := newCounterSystem(testContext, store, clock.NewMock(), 0)
	ctx := context.Background()

	store.failGet.Store(true)
	_, err := system.Ask(ctx, counterKind, "flaky", readCount{})
	require.ErrorIs(testContext, err, ErrActivationFailed)

	store.failGet.Store(false)
	require.Eventually(testContext, func() bool {
		_, askErr := system.Ask(ctx, counterKind, "flaky", readCount{})
		return askErr == nil
	}, waitFor, pollEvery)
	assert.GreaterOrEqual(testContext, probe.activations.Load(), int32(1))
}

func TestAddressingErrors(testContext *testing.T) {
	system, _ := newCounterSystem(testContext, newMemStore(), clock.NewMock(), 0)
	ctx := context.Background()

	_, err := system.Ask(ctx, counterKind, "", readCount{})
	assert.ErrorIs(testContext, err, ErrEmptyKey)

	_, err = system.Ask(ctx, Kind("missing"), "key", readCount{})
	assert.ErrorIs(testContext, err, ErrUnknownKind)

	_, err = system.Ask(ctx, counterKind, "key", struct{}{})
	assert.ErrorIs(testContext, err, ErrUnhandledMessage)

	assert.Error(testContext, system.Register(counterKind, func(string) Grain { return &counterGrain{} }))
}

func TestWakeFiresAndClearsAlarm(testContext *testing.T) {
	store := newMemStore()
	mock := clock.NewMock()
	system, probe := newCounterSystem(testContext, store, mock, 0)
	ctx := context.Background()

	fireAt := mock.Now().Add(5 * time.Second)
	_, err := system.Ask(ctx, counterKind, "alarm", wakeMeAt{At: fireAt})
	require.NoError(testContext, err)
	_, persisted := store.alarm(counterKind, "alarm")
	require.True(testContext, persisted)

	mock.Add(4 * time.Second)
	select {
	case <-probe.wakes:
		testContext.Fatalf("wake fired early")
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case wake := <-probe.wakes:
		assert.True(testContext, wake.At.Equal(fireAt.UTC()))
	case <-time.After(waitFor):
		testContext.Fatalf("wake never fired")
	}
	require.Eventually(testContext, func() bool {
		_, stillPersisted := store.alarm(counterKind, "alarm")
		return !stillPersisted
	}, waitFor, pollEvery)
}

func TestRescheduledWakeReplacesEarlierOne(testContext *testing.T) {
	mock := clock.NewMock()
	system, probe := newCounterSystem(testContext, newMemStore(), mock, 0)
	ctx := context.Background()

	first := mock.Now().Add(time.Second)
	second := mock.Now().Add(3 * time.Second)
	_, err := system.Ask(ctx, counterKind, "debounced", wakeMeAt{At: first})
	require.NoError(testContext, err)
	_, err = system.Ask(ctx, counterKind, "debounced", wakeMeAt{At: second})
	require.NoError(testContext, err)

	mock.Add(2 * time.Second)
	select {
	case <-probe.wakes:
		testContext.Fatalf("replaced wake fired")
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case wake := <-probe.wakes:
		assert.True(testContext, wake.At.Equal(second.UTC()))
	case <-time.After(waitFor):
		testContext.Fatalf("wake never fired")
	}
}

func TestFailedWakeIsRetried(testContext *testing.T) {
	store := newMemStore()
	mock := clock.NewMock()
	system, probe := newCounterSystem(testContext, store, mock, 0)
	probe.failWakes.Store(1)
	ctx := context.Background()

	_, err := system.Ask(ctx, counterKind, "retry", wakeMeAt{At: mock.Now().Add(time.Second)})
	require.NoError(testContext, err)

	mock.Add(time.Second)
	select {
	case <-probe.wakes:
	case <-time.After(waitFor):
		testContext.Fatalf("first wake never fired")
	}
	require.Eventually(testContext, func() bool {
		_, pending := system.pendingWake(address{kind: counterKind, key: "retry"})
		return pending
	}, waitFor, pollEvery)

	mock.Add(wakeRetryDelay)
	select {
	case <-probe.wakes:
	case <-time.After(waitFor):
		testContext.Fatalf("retried wake never fired")
	}
	require.Eventually(testContext, func() bool {
		_, persisted := store.alarm(counterKind, "retry")
		return !persisted
	}, waitFor, pollEvery)
}

func TestStartReloadsPersistedWakes(testContext *testing.T) {
	store := newMemStore()
	mock := clock.NewMock()
	fireAt := mock.Now().Add(10 * time.Second)
	require.NoError(testContext, store.PutAlarm(context.Background(), string(counterKind), "restored", fireAt))
	require.NoError(testContext, store.PutAlarm(context.Background(), "retired", "orphan", fireAt))

	system, probe := newCounterSystem(testContext, store, mock, 0)
	require.NoError(testContext, system.Start(context.Background()))

	mock.Add(10 * time.Second)
	select {
	case wake := <-probe.wakes:
		assert.True(testContext, wake.At.Equal(fireAt.UTC()))
	case <-time.After(waitFor):
		testContext.Fatalf("persisted wake never fired")
	}
	assert.Equal(testContext, int32(1), probe.activations.Load())
}

func TestIdleInstancePassivatesAndRehydrates(testContext *testing.T) {
	mock := clock.NewMock()
	system, probe := newCounterSystem(testContext, newMemStore(), mock, time.Minute)
	ctx := context.Background()

	_, err := system.Ask(ctx, counterKind, "idle", increment{})
	require.NoError(testContext, err)
	require.Equal(testContext, 1, system.InstanceCount(counterKind))

	require.Eventually(testContext, func() bool {
		mock.Add(time.Minute)
		return system.InstanceCount(counterKind) == 0
	}, waitFor, pollEvery)
	assert.Equal(testContext, int32(1), probe.deactivations.Load())

	count, err := system.Ask(ctx, counterKind, "idle", increment{})
	require.NoError(testContext, err)
	assert.Equal(testContext, 2, count)
	assert.Equal(testContext, int32(2), probe.activations.Load())
}

func TestInstanceWithConnectionStaysResident(testContext *testing.T) {
	mock := clock.NewMock()
	system, probe := newCounterSystem(testContext, newMemStore(), mock, time.Minute)
	ctx := context.Background()

	conn := &recordingConn{id: "conn-1"}
	_, err := system.Ask(ctx, counterKind, "connected", SocketOpened{Conn: conn})
	require.NoError(testContext, err)

	for index := 0; index < 3; index++ {
		mock.Add(time.Minute)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(testContext, 1, system.InstanceCount(counterKind))
	assert.Equal(testContext, int32(0), probe.deactivations.Load())

	_, err = system.Ask(ctx, counterKind, "connected", SocketClosed{Conn: conn, Code: CloseNormal})
	require.NoError(testContext, err)
	require.Eventually(testContext, func() bool {
		mock.Add(time.Minute)
		return system.InstanceCount(counterKind) == 0
	}, waitFor, pollEvery)
}

func TestShutdownClosesConnectionsAndRejectsMessages(testContext *testing.T) {
	defer goleak.VerifyNone(testContext, goleak.IgnoreCurrent())

	probe := newCounterProbe()
	system, err := NewSystem(Config{Store: newMemStore(), Clock: clock.NewMock()})
	require.NoError(testContext, err)
	require.NoError(testContext, system.Register(counterKind, func(string) Grain {
		return &counterGrain{probe: probe}
	}))
	ctx := context.Background()

	conns := make([]*recordingConn, 0, 3)
	for index := 0; index < 3; index++ {
		conn := &recordingConn{id: fmt.Sprintf("conn-%d", index)}
		conns = append(conns, conn)
		_, err := system.Ask(ctx, counterKind, fmt.Sprintf("room-%d", index), SocketOpened{Conn: conn})
		require.NoError(testContext, err)
	}

	require.NoError(testContext, system.Shutdown(ctx))
	for _, conn := range conns {
		assert.Equal(testContext, []int{CloseGoingAway}, conn.closeCodes())
	}
	assert.Equal(testContext, int32(3), probe.deactivations.Load())

	_, err = system.Ask(ctx, counterKind, "room-0", readCount{})
	assert.ErrorIs(testContext, err, ErrSystemClosed)
	assert.NoError(testContext, system.Shutdown(ctx))
}
