package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolvechat/evolvechat/internal/chat"
	"github.com/evolvechat/evolvechat/internal/config"
	"github.com/evolvechat/evolvechat/internal/hub"
	"github.com/evolvechat/evolvechat/internal/identity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:   ":0",
			RateLimit: config.RateLimitConfig{RPS: 100, Burst: 100},
		},
		Chat: config.ChatConfig{
			DefaultRoom:       "main",
			HeartbeatInterval: 50 * time.Millisecond,
			ClientTimeout:     10 * time.Second,
		},
	}
}

// allowAll resolves any token to itself; tests that need rejection use an
// explicit resolver instead.
var allowAll = identity.ResolverFunc(func(ctx context.Context, token string) (identity.Identity, error) {
	return identity.Identity{ID: token, Name: token}, nil
})

func newTestServer(t *testing.T, resolver identity.Resolver) (*httptest.Server, *hub.MemoryHub) {
	t.Helper()
	h := hub.NewMemoryHub(testLogger())
	chatServer := chat.NewServer(h, testLogger(), "main")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go chatServer.Run(ctx)

	srv := New(ctx, testLogger(), testConfig(), chatServer, h, resolver)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, h
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, allowAll)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestListRooms(t *testing.T) {
	ts, h := newTestServer(t, allowAll)

	ctx := context.Background()
	require.NoError(t, h.ChangeRooms(ctx, hub.RoomChange{SessionID: "a", Name: "Alice", Room: "main", Type: hub.ChangeAdd}))
	require.NoError(t, h.ChangeRooms(ctx, hub.RoomChange{SessionID: "b", Name: "Bob", Room: "main", Type: hub.ChangeAdd}))

	resp, err := http.Get(ts.URL + "/api/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rooms RoomList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, RoomInfo{Name: "main", Members: 2}, rooms.Rooms[0])
}

func TestHandleWSRejectsBadToken(t *testing.T) {
	reject := identity.ResolverFunc(func(ctx context.Context, token string) (identity.Identity, error) {
		return identity.Identity{}, identity.ErrUnknownToken
	})
	ts, _ := newTestServer(t, reject)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/bad-token"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWSConnects(t *testing.T) {
	ts, h := newTestServer(t, allowAll)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `update_session:{"room":"main","name":"alice"}`, string(data))

	require.Eventually(t, func() bool {
		snap, err := h.Rooms(context.Background())
		return err == nil && snap.Rooms["main"]["alice"]
	}, 2*time.Second, 20*time.Millisecond)
}
