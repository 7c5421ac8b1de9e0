package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ilai-app/edge/internal/actor"
	"github.com/ilai-app/edge/internal/auth"
	"github.com/ilai-app/edge/internal/notes"
	"github.com/ilai-app/edge/internal/sessions"
	"github.com/ilai-app/edge/internal/signaling"
	"github.com/ilai-app/edge/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "edge-test-secret"
	testIssuer        = "ilai-origin"
	testOrigin        = "https://app.example.com"
	waitFor           = 3 * time.Second
	pollEvery         = 10 * time.Millisecond
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingFlusher struct {
	mu     sync.Mutex
	pushed []notes.State
}

func (f *recordingFlusher) PushNote(_ context.Context, state notes.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, state)
	return nil
}

func (f *recordingFlusher) pushes() []notes.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notes.State(nil), f.pushed...)
}

type edgeHarness struct {
	system   *actor.System
	handler  http.Handler
	registry *prometheus.Registry
	flusher  *recordingFlusher
	clock    *clock.Mock
}

func newEdgeHarness(testContext *testing.T) *edgeHarness {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	database, err := storage.OpenSQLite(filepath.Join(testContext.TempDir(), "edge.db"), zap.NewNop())
	require.NoError(testContext, err)
	mock := clock.NewMock()
	mock.Set(testNow)
	store, err := storage.NewStore(storage.StoreConfig{Database: database, Clock: mock.Now})
	require.NoError(testContext, err)

	registry := prometheus.NewRegistry()
	system, err := actor.NewSystem(actor.Config{Store: store, Clock: mock, Metrics: actor.NewMetrics(registry)})
	require.NoError(testContext, err)

	flusher := &recordingFlusher{}
	noteFactory, err := notes.NewFactory(notes.Config{Flusher: flusher})
	require.NoError(testContext, err)
	require.NoError(testContext, system.Register(sessions.Kind, sessions.NewFactory(sessions.DefaultTTL)))
	require.NoError(testContext, system.Register(signaling.Kind, signaling.NewFactory()))
	require.NoError(testContext, system.Register(notes.Kind, noteFactory))
	testContext.Cleanup(func() {
		_ = system.Shutdown(context.Background())
	})

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Clock:         mock.Now,
	})
	require.NoError(testContext, err)

	handler, err := NewHTTPHandler(Dependencies{
		Actors:         system,
		Sessions:       validator,
		AllowedOrigins: []string{testOrigin},
		Registerer:     registry,
		Gatherer:       registry,
	})
	require.NoError(testContext, err)

	return &edgeHarness{system: system, handler: handler, registry: registry, flusher: flusher, clock: mock}
}

func (h *edgeHarness) token(testContext *testing.T, userID string) string {
	testContext.Helper()
	claims := auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	require.NoError(testContext, err)
	return signed
}

// call performs an authenticated request and decodes the JSON reply.
func (h *edgeHarness) call(testContext *testing.T, method, target, userID, body string) (int, map[string]any) {
	testContext.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+h.token(testContext, userID))
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)

	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		require.NoError(testContext, json.Unmarshal(recorder.Body.Bytes(), &decoded), recorder.Body.String())
	}
	return recorder.Code, decoded
}
