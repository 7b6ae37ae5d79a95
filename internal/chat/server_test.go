package chat

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolvechat/evolvechat/internal/hub"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestServer(t *testing.T) (*ChatServer, *hub.MemoryHub) {
	t.Helper()
	h := hub.NewMemoryHub(testLogger())
	s := NewServer(h, testLogger(), "main")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s, h
}

func expectFrame(t *testing.T, out <-chan string) string {
	t.Helper()
	select {
	case frame := <-out:
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func expectNoFrame(t *testing.T, out <-chan string) {
	t.Helper()
	select {
	case frame := <-out:
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectJoinsDefaultRoom(t *testing.T) {
	ctx := context.Background()
	s, h := newTestServer(t)

	out := make(chan string, 16)
	id, err := s.Connect(ctx, out, "alice", "Alice")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap, err := h.Rooms(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Rooms["main"]["alice"])
	assert.Equal(t, "Alice", snap.Sessions["alice"])

	// The default room subscription is live: a publish reaches the conn.
	require.NoError(t, s.SendMessage(ctx, "main", "alice", "frame-1"))
	assert.Equal(t, "frame-1", expectFrame(t, out))
}

func TestJoinAndQuitRoom(t *testing.T) {
	ctx := context.Background()
	s, h := newTestServer(t)

	out := make(chan string, 16)
	_, err := s.Connect(ctx, out, "alice", "Alice")
	require.NoError(t, err)

	require.NoError(t, s.JoinRoom(ctx, "alice", "team1"))
	snap, err := h.Rooms(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Rooms["team1"]["alice"])
	assert.True(t, snap.Rooms["main"]["alice"], "joining another room keeps default membership")

	require.NoError(t, s.SendMessage(ctx, "team1", "alice", "frame-team1"))
	assert.Equal(t, "frame-team1", expectFrame(t, out))

	require.NoError(t, s.QuitRoom(ctx, "alice", "team1"))
	snap, err = h.Rooms(ctx)
	require.NoError(t, err)
	assert.NotContains(t, snap.Rooms, "team1")

	// The subscription closed with the last local member.
	require.NoError(t, s.SendMessage(ctx, "team1", "alice", "frame-after-quit"))
	expectNoFrame(t, out)
}

func TestSystemMessageTargetsOneSession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)

	aliceOut := make(chan string, 16)
	bobOut := make(chan string, 16)
	_, err := s.Connect(ctx, aliceOut, "alice", "Alice")
	require.NoError(t, err)
	_, err = s.Connect(ctx, bobOut, "bob", "Bob")
	require.NoError(t, err)

	require.NoError(t, s.SendSystemMessage(ctx, "main", "bob", "bob-only"))
	assert.Equal(t, "bob-only", expectFrame(t, bobOut))
	expectNoFrame(t, aliceOut)

	// Client messages reach every member, sender included.
	require.NoError(t, s.SendMessage(ctx, "main", "alice", "for-everyone"))
	assert.Equal(t, "for-everyone", expectFrame(t, aliceOut))
	assert.Equal(t, "for-everyone", expectFrame(t, bobOut))
}

func TestDisconnectRemovesEveryRoom(t *testing.T) {
	ctx := context.Background()
	s, h := newTestServer(t)

	out := make(chan string, 16)
	id, err := s.Connect(ctx, out, "alice", "Alice")
	require.NoError(t, err)
	require.NoError(t, s.JoinRoom(ctx, "alice", "team1"))
	require.NoError(t, s.JoinRoom(ctx, "alice", "team2"))

	rooms, err := s.Disconnect(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main", "team1", "team2"}, rooms)

	snap, err := h.Rooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Rooms)
	assert.NotContains(t, snap.Sessions, "alice")

	// Disconnecting an unknown conn is a no-op.
	rooms, err = s.Disconnect(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestChangeName(t *testing.T) {
	ctx := context.Background()
	s, h := newTestServer(t)

	out := make(chan string, 16)
	_, err := s.Connect(ctx, out, "alice", "Alice")
	require.NoError(t, err)

	require.NoError(t, s.ChangeName(ctx, "alice", "Alicia"))
	snap, err := h.Rooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alicia", snap.Sessions["alice"])
}

func TestRoomsBySession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)

	out := make(chan string, 16)
	_, err := s.Connect(ctx, out, "alice", "Alice")
	require.NoError(t, err)
	require.NoError(t, s.JoinRoom(ctx, "alice", "team1"))

	view, err := s.RoomsBySession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "Alice"}, view["main"])
	assert.Equal(t, map[string]string{"alice": "Alice"}, view["team1"])
}

func TestLocalMembership(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)

	aliceOut := make(chan string, 16)
	bobOut := make(chan string, 16)
	_, err := s.Connect(ctx, aliceOut, "alice", "Alice")
	require.NoError(t, err)
	_, err = s.Connect(ctx, bobOut, "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, s.JoinRoom(ctx, "bob", "team1"))

	membership, err := s.LocalMembership(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, membership["main"])
	assert.ElementsMatch(t, []string{"bob"}, membership["team1"])
}

func TestOperationsAfterStop(t *testing.T) {
	h := hub.NewMemoryHub(testLogger())
	s := NewServer(h, testLogger(), "main")
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	cancel()

	// Give Run a moment to observe the cancellation.
	require.Eventually(t, func() bool {
		_, err := s.Connect(context.Background(), make(chan string, 1), "x", "X")
		return err == ErrServerStopped
	}, time.Second, 10*time.Millisecond)
}
