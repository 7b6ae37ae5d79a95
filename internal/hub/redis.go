package hub

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

//go:embed rooms.lua
var roomsScriptSource string

// roomsScript is loaded once per process; go-redis caches the SHA and falls
// back to EVAL if the server has lost the script.
var roomsScript = redis.NewScript(roomsScriptSource)

const (
	// snapshotKey holds the full membership snapshot as JSON.
	snapshotKey = "rooms"

	clientChannelSuffix = "_client_message"
	systemChannelSuffix = "_system_message"
)

// clientPayload and systemPayload are the pub/sub wire forms, matching the
// channel a payload travels on.
type clientPayload struct {
	Room    string `json:"room"`
	FromID  string `json:"id"`
	Content string `json:"content"`
}

type systemPayload struct {
	Room    string `json:"room"`
	ToID    string `json:"to_id"`
	Content string `json:"content"`
}

// roomListener is one open room subscription: a goroutine pumping pub/sub
// payloads into the shared inbound channel, plus the close handshake pair.
type roomListener struct {
	closing chan struct{}
	done    chan struct{}
}

// RedisHub coordinates membership and message fan-out across processes
// through one Redis instance.
type RedisHub struct {
	rdb    *redis.Client
	logger *slog.Logger

	messages chan Message

	// mu guards listener table membership only, never a listener's loop.
	mu        sync.Mutex
	listeners map[string]*roomListener
}

// NewRedisHub creates a hub backed by the given client.
func NewRedisHub(rdb *redis.Client, logger *slog.Logger) *RedisHub {
	return &RedisHub{
		rdb:       rdb,
		logger:    logger,
		messages:  make(chan Message, 1024),
		listeners: make(map[string]*roomListener),
	}
}

// Messages returns the inbound fan-out channel.
func (h *RedisHub) Messages() <-chan Message {
	return h.messages
}

// PublishClient fans out a chat frame to every process subscribed to room.
func (h *RedisHub) PublishClient(ctx context.Context, room, fromID, content string) error {
	data, err := json.Marshal(clientPayload{Room: room, FromID: fromID, Content: content})
	if err != nil {
		return fmt.Errorf("marshal client payload: %w", err)
	}
	if err := h.rdb.Publish(ctx, room+clientChannelSuffix, data).Err(); err != nil {
		return fmt.Errorf("publish client message: %w", err)
	}
	return nil
}

// PublishSystem fans out a frame addressed to one session in room.
func (h *RedisHub) PublishSystem(ctx context.Context, room, toID, content string) error {
	data, err := json.Marshal(systemPayload{Room: room, ToID: toID, Content: content})
	if err != nil {
		return fmt.Errorf("marshal system payload: %w", err)
	}
	if err := h.rdb.Publish(ctx, room+systemChannelSuffix, data).Err(); err != nil {
		return fmt.Errorf("publish system message: %w", err)
	}
	return nil
}

// ChangeRooms runs the mutation script. Concurrent callers from any number
// of processes serialize inside Redis, so no update is ever lost.
func (h *RedisHub) ChangeRooms(ctx context.Context, change RoomChange) error {
	res, err := roomsScript.Run(ctx, h.rdb,
		[]string{snapshotKey},
		string(change.Type), change.SessionID, change.Name, change.Room,
	).Result()
	if err != nil {
		return fmt.Errorf("run rooms script: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return fmt.Errorf("unexpected rooms script reply: %v", res)
	}
	status, _ := reply[0].(int64)
	msg, _ := reply[1].(string)
	if status != 0 {
		return &RejectedError{Status: int(status), Msg: msg}
	}
	return nil
}

// Rooms loads the shared snapshot. A missing key is an empty snapshot.
func (h *RedisHub) Rooms(ctx context.Context) (Snapshot, error) {
	raw, err := h.rdb.Get(ctx, snapshotKey).Result()
	if errors.Is(err, redis.Nil) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// SubscribeRoom opens the two pub/sub channels for room and starts the
// listener that forwards their payloads into the inbound channel.
func (h *RedisHub) SubscribeRoom(ctx context.Context, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[room]; ok {
		return nil
	}

	sub := h.rdb.Subscribe(ctx, room+clientChannelSuffix, room+systemChannelSuffix)
	// Confirm the subscription is active before anyone publishes to it.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe room %q: %w", room, err)
	}

	l := &roomListener{
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	h.listeners[room] = l
	go h.listen(sub, l)
	return nil
}

func (h *RedisHub) listen(sub *redis.PubSub, l *roomListener) {
	defer close(l.done)
	ch := sub.Channel()
	for {
		select {
		case <-l.closing:
			_ = sub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.dispatch(msg)
		}
	}
}

func (h *RedisHub) dispatch(msg *redis.Message) {
	var out Message
	switch {
	case strings.HasSuffix(msg.Channel, clientChannelSuffix):
		var p clientPayload
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			h.logger.Error("bad client payload", "channel", msg.Channel, "error", err)
			return
		}
		out = Message{Kind: KindClient, Room: p.Room, FromID: p.FromID, Content: p.Content}
	case strings.HasSuffix(msg.Channel, systemChannelSuffix):
		var p systemPayload
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			h.logger.Error("bad system payload", "channel", msg.Channel, "error", err)
			return
		}
		out = Message{Kind: KindSystem, Room: p.Room, ToID: p.ToID, Content: p.Content}
	default:
		h.logger.Warn("message on unexpected channel", "channel", msg.Channel)
		return
	}

	select {
	case h.messages <- out:
	default:
		h.logger.Warn("inbound channel full, dropping message", "room", out.Room)
	}
}

// UnsubscribeRoom signals the room's listener to stop and blocks until it
// confirms, so a publish can never be delivered after this returns.
func (h *RedisHub) UnsubscribeRoom(ctx context.Context, room string) error {
	h.mu.Lock()
	l, ok := h.listeners[room]
	if ok {
		delete(h.listeners, room)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}

	close(l.closing)
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clean removes every (session, room) pair in rooms from the shared
// snapshot. Failures are collected, not fatal: a half-finished clean still
// leaves fewer stale members behind than none.
func (h *RedisHub) Clean(ctx context.Context, rooms map[string][]string) error {
	var errs []error
	for room, sessions := range rooms {
		for _, id := range sessions {
			err := h.ChangeRooms(ctx, RoomChange{SessionID: id, Room: room, Type: ChangeRemove})
			if err != nil {
				h.logger.Warn("clean failed", "session", id, "room", room, "error", err)
				errs = append(errs, fmt.Errorf("remove %s from %s: %w", id, room, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close tears down every open subscription, waiting for each listener.
func (h *RedisHub) Close() error {
	h.mu.Lock()
	listeners := h.listeners
	h.listeners = make(map[string]*roomListener)
	h.mu.Unlock()

	for _, l := range listeners {
		close(l.closing)
		<-l.done
	}
	return nil
}
