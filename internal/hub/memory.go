package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryHub satisfies Hub inside a single process. It backs single-node
// deployments and tests; the mutex plays the role the mutation script plays
// for the Redis backend, so the same bidirectional-consistency guarantee
// holds after every change.
type MemoryHub struct {
	logger *slog.Logger

	mu   sync.Mutex
	snap Snapshot
	subs map[string]struct{}

	messages chan Message
}

// NewMemoryHub creates an in-process hub.
func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	return &MemoryHub{
		logger:   logger,
		snap:     NewSnapshot(),
		subs:     make(map[string]struct{}),
		messages: make(chan Message, 1024),
	}
}

// Messages returns the inbound fan-out channel.
func (h *MemoryHub) Messages() <-chan Message {
	return h.messages
}

// PublishClient delivers a chat frame to the local subscription for room,
// if one is open.
func (h *MemoryHub) PublishClient(ctx context.Context, room, fromID, content string) error {
	return h.deliver(Message{Kind: KindClient, Room: room, FromID: fromID, Content: content})
}

// PublishSystem delivers a frame addressed to one session in room.
func (h *MemoryHub) PublishSystem(ctx context.Context, room, toID, content string) error {
	return h.deliver(Message{Kind: KindSystem, Room: room, ToID: toID, Content: content})
}

func (h *MemoryHub) deliver(msg Message) error {
	h.mu.Lock()
	_, subscribed := h.subs[msg.Room]
	h.mu.Unlock()
	if !subscribed {
		return nil
	}
	select {
	case h.messages <- msg:
	default:
		h.logger.Warn("inbound channel full, dropping message", "room", msg.Room)
	}
	return nil
}

// ChangeRooms applies one membership mutation under the hub lock.
func (h *MemoryHub) ChangeRooms(ctx context.Context, change RoomChange) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch change.Type {
	case ChangeAdd:
		if change.Name != "" {
			h.snap.Sessions[change.SessionID] = change.Name
		} else if _, ok := h.snap.Sessions[change.SessionID]; !ok {
			h.snap.Sessions[change.SessionID] = change.SessionID
		}
		members := h.snap.Rooms[change.Room]
		if members == nil {
			members = make(map[string]bool)
			h.snap.Rooms[change.Room] = members
		}
		members[change.SessionID] = true
		joined := h.snap.SessionRooms[change.SessionID]
		if joined == nil {
			joined = make(map[string]bool)
			h.snap.SessionRooms[change.SessionID] = joined
		}
		joined[change.Room] = true

	case ChangeRemove:
		if members, ok := h.snap.Rooms[change.Room]; ok {
			delete(members, change.SessionID)
			if len(members) == 0 {
				delete(h.snap.Rooms, change.Room)
			}
		}
		if joined, ok := h.snap.SessionRooms[change.SessionID]; ok {
			delete(joined, change.Room)
			if len(joined) == 0 {
				delete(h.snap.SessionRooms, change.SessionID)
				delete(h.snap.Sessions, change.SessionID)
			}
		}

	case ChangeName:
		if _, ok := h.snap.Sessions[change.SessionID]; !ok {
			return &RejectedError{Status: 1, Msg: "unknown session: " + change.SessionID}
		}
		h.snap.Sessions[change.SessionID] = change.Name

	default:
		return &RejectedError{Status: 1, Msg: fmt.Sprintf("unknown change type: %s", change.Type)}
	}
	return nil
}

// Rooms returns a deep copy of the current snapshot.
func (h *MemoryHub) Rooms(ctx context.Context) (Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap.clone(), nil
}

// SubscribeRoom marks room as locally subscribed.
func (h *MemoryHub) SubscribeRoom(ctx context.Context, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[room] = struct{}{}
	return nil
}

// UnsubscribeRoom drops the local subscription for room. There is no
// listener goroutine in this backend, so the close is immediate.
func (h *MemoryHub) UnsubscribeRoom(ctx context.Context, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, room)
	return nil
}

// Clean removes every (session, room) pair in rooms from the snapshot.
func (h *MemoryHub) Clean(ctx context.Context, rooms map[string][]string) error {
	var errs []error
	for room, sessions := range rooms {
		for _, id := range sessions {
			if err := h.ChangeRooms(ctx, RoomChange{SessionID: id, Room: room, Type: ChangeRemove}); err != nil {
				errs = append(errs, fmt.Errorf("remove %s from %s: %w", id, room, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close implements Hub. Nothing to tear down.
func (h *MemoryHub) Close() error {
	return nil
}
