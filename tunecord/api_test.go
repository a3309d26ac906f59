package tunecord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t testing.TB) (*API, *Tunecord) {
	t.Helper()
	bot := &Tunecord{
		registry: NewWidgetRegistry(16, time.Minute, testLogger(t)),
		cache:    NewResponseCache(16, time.Minute, testLogger(t)),
		discord: newDiscord(
			&DiscordConfig{Token: "x", ApplicationID: "app-1"},
			testLogger(t),
		),
	}
	api := newAPI(bot, DefaultConfig().API, testLogger(t))
	return api, bot
}

func TestAPIHealth(t *testing.T) {
	api, _ := newTestAPI(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	api.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAPIState(t *testing.T) {
	api, bot := newTestAPI(t)

	_, err := bot.registry.Register(
		context.Background(),
		newTestWidget("msg-1", "owner-1", time.Now().Add(time.Minute)),
	)
	require.NoError(t, err)
	bot.discord.connected.Store(true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	api.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var state botStateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.True(t, state.GatewayConnected)
	assert.Equal(t, 1, state.LiveWidgets)
	assert.Equal(t, 16, state.WidgetCapacity)
}

func TestAPICacheStats(t *testing.T) {
	api, bot := newTestAPI(t)

	_, err := bot.cache.GetOrFetch(
		context.Background(),
		"fp-a",
		func(context.Context) ([]byte, error) { return []byte("a"), nil },
		time.Minute,
		time.Minute,
	)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/cache", nil)
	api.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats CacheStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 16, stats.Capacity)
	assert.Equal(t, int64(1), stats.Loads)
}

func TestAPICacheInvalidate(t *testing.T) {
	api, bot := newTestAPI(t)

	_, err := bot.cache.GetOrFetch(
		context.Background(),
		"fp-a",
		func(context.Context) ([]byte, error) { return []byte("a"), nil },
		time.Minute,
		time.Minute,
	)
	require.NoError(t, err)

	t.Run(
		"valid request", func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(
				http.MethodPost,
				"/api/cache/invalidate",
				strings.NewReader(`{"fingerprint":"fp-a"}`),
			)
			req.Header.Set("Content-Type", "application/json")
			api.engine.ServeHTTP(w, req)

			assert.Equal(t, http.StatusNoContent, w.Code)
			assert.Equal(t, 0, bot.cache.Len())
		},
	)

	t.Run(
		"missing fingerprint", func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(
				http.MethodPost,
				"/api/cache/invalidate",
				strings.NewReader(`{}`),
			)
			req.Header.Set("Content-Type", "application/json")
			api.engine.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)
}

func TestAPIServeStopsOnCancel(t *testing.T) {
	api, _ := newTestAPI(t)
	api.config.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- api.Serve(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop on context cancellation")
	}
}
