// Package chat implements the process-local side of the chat service: the
// ChatServer actor that owns connection bookkeeping, and the per-connection
// Session protocol loop.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/evolvechat/evolvechat/internal/hub"
	"github.com/evolvechat/evolvechat/internal/protocol"
)

// ConnID addresses one connection's outbound channel. It never leaves the
// process; the hub and shared store only ever see session ids.
type ConnID string

// ErrServerStopped is returned by every operation after Run has exited.
var ErrServerStopped = errors.New("chat server stopped")

// outBuffer is the per-connection outbound frame buffer.
const outBuffer = 256

type localConn struct {
	id        ConnID
	sessionID string
	name      string
	out       chan<- string
	rooms     map[string]struct{}
}

// ChatServer is the single owner of all process-local connection state.
// Every operation runs on the one goroutine inside Run, reached through the
// ops channel, so the maps below need no locking. The same goroutine drains
// the hub's inbound channel and delivers to local connections.
type ChatServer struct {
	hub         hub.Hub
	logger      *slog.Logger
	defaultRoom string

	ops  chan func()
	done chan struct{}

	// Owned by the Run goroutine.
	conns     map[ConnID]*localConn
	roomConns map[string]map[ConnID]struct{}
}

// NewServer creates a coordinator over the given hub. Call Run to start it.
func NewServer(h hub.Hub, logger *slog.Logger, defaultRoom string) *ChatServer {
	return &ChatServer{
		hub:         h,
		logger:      logger,
		defaultRoom: defaultRoom,
		ops:         make(chan func()),
		done:        make(chan struct{}),
		conns:       make(map[ConnID]*localConn),
		roomConns:   make(map[string]map[ConnID]struct{}),
	}
}

// DefaultRoom returns the room every session is a member of for its whole
// lifetime.
func (s *ChatServer) DefaultRoom() string {
	return s.defaultRoom
}

// Run processes operations and inbound hub messages until ctx is canceled.
// It is the only goroutine that touches local connection state.
func (s *ChatServer) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.ops:
			op()
		case msg, ok := <-s.hub.Messages():
			if !ok {
				// The hub never closes its channel while the server
				// runs; this is a logic bug, not a runtime condition.
				panic("chat: hub inbound channel closed")
			}
			s.deliver(msg)
		}
	}
}

// do submits an operation and waits for it to complete.
func (s *ChatServer) do(ctx context.Context, op func()) error {
	wrapped := make(chan struct{})
	run := func() {
		op()
		close(wrapped)
	}
	select {
	case s.ops <- run:
	case <-s.done:
		return ErrServerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-wrapped:
		return nil
	case <-s.done:
		return ErrServerStopped
	}
}

// Connect registers a connection, joins it to the default room in the shared
// snapshot, and returns its ConnID. The returned id is only valid until
// Disconnect.
func (s *ChatServer) Connect(ctx context.Context, out chan<- string, sessionID, name string) (ConnID, error) {
	var (
		id    ConnID
		opErr error
	)
	err := s.do(ctx, func() {
		if err := s.joinLocked(ctx, sessionID, name, s.defaultRoom); err != nil {
			opErr = err
			return
		}
		c := &localConn{
			id:        ConnID(uuid.NewString()),
			sessionID: sessionID,
			name:      name,
			out:       out,
			rooms:     map[string]struct{}{s.defaultRoom: {}},
		}
		s.conns[c.id] = c
		s.track(c.id, s.defaultRoom)
		id = c.id
	})
	if err != nil {
		return "", err
	}
	return id, opErr
}

// Disconnect removes a connection and its shared-state membership in every
// room it belonged to. It returns those rooms so the caller can notify the
// remaining members.
func (s *ChatServer) Disconnect(ctx context.Context, id ConnID) ([]string, error) {
	var rooms []string
	err := s.do(ctx, func() {
		c, ok := s.conns[id]
		if !ok {
			return
		}
		delete(s.conns, id)
		for room := range c.rooms {
			rooms = append(rooms, room)
			s.untrack(id, room)
			// Best effort: a failed removal becomes stale state that a
			// later Clean sweeps up.
			err := s.hub.ChangeRooms(ctx, hub.RoomChange{
				SessionID: c.sessionID,
				Room:      room,
				Type:      hub.ChangeRemove,
			})
			if err != nil {
				s.logger.Warn("disconnect: room removal failed",
					"session", c.sessionID, "room", room, "error", err)
			}
		}
	})
	return rooms, err
}

// JoinRoom adds the session to room in the shared snapshot and marks the
// session's local connections as interested in it.
func (s *ChatServer) JoinRoom(ctx context.Context, sessionID, room string) error {
	var opErr error
	err := s.do(ctx, func() {
		if opErr = s.joinLocked(ctx, sessionID, "", room); opErr != nil {
			return
		}
		for _, c := range s.conns {
			if c.sessionID != sessionID {
				continue
			}
			c.rooms[room] = struct{}{}
			s.track(c.id, room)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// QuitRoom removes the session from room. Refusing the default room is the
// session's job; the coordinator applies whatever it is asked.
func (s *ChatServer) QuitRoom(ctx context.Context, sessionID, room string) error {
	var opErr error
	err := s.do(ctx, func() {
		opErr = s.hub.ChangeRooms(ctx, hub.RoomChange{
			SessionID: sessionID,
			Room:      room,
			Type:      hub.ChangeRemove,
		})
		if opErr != nil {
			return
		}
		for _, c := range s.conns {
			if c.sessionID != sessionID {
				continue
			}
			delete(c.rooms, room)
			s.untrack(c.id, room)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// ChangeName renames the session in the shared snapshot.
func (s *ChatServer) ChangeName(ctx context.Context, sessionID, name string) error {
	var opErr error
	err := s.do(ctx, func() {
		opErr = s.hub.ChangeRooms(ctx, hub.RoomChange{
			SessionID: sessionID,
			Name:      name,
			Type:      hub.ChangeName,
		})
		if opErr != nil {
			return
		}
		for _, c := range s.conns {
			if c.sessionID == sessionID {
				c.name = name
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// SendMessage publishes a pre-rendered chat frame to every process
// subscribed to room, this one included.
func (s *ChatServer) SendMessage(ctx context.Context, room, sessionID, frame string) error {
	return s.hub.PublishClient(ctx, room, sessionID, frame)
}

// SendSystemMessage publishes a frame addressed to one session in room. The
// payload differs in semantics, not transport.
func (s *ChatServer) SendSystemMessage(ctx context.Context, room, toID, frame string) error {
	return s.hub.PublishSystem(ctx, room, toID, frame)
}

// Rooms reads through to the shared membership snapshot.
func (s *ChatServer) Rooms(ctx context.Context) (hub.Snapshot, error) {
	return s.hub.Rooms(ctx)
}

// RoomsBySession returns the snapshot projected down to one session.
func (s *ChatServer) RoomsBySession(ctx context.Context, sessionID string) (protocol.RoomsView, error) {
	snap, err := s.hub.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	return snap.ViewBySession(sessionID), nil
}

// LocalMembership reports every (room, session) pair this process currently
// owns, in the shape Clean consumes at shutdown.
func (s *ChatServer) LocalMembership(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	err := s.do(ctx, func() {
		for room, ids := range s.roomConns {
			seen := make(map[string]struct{})
			for id := range ids {
				c, ok := s.conns[id]
				if !ok {
					continue
				}
				if _, dup := seen[c.sessionID]; dup {
					continue
				}
				seen[c.sessionID] = struct{}{}
				out[room] = append(out[room], c.sessionID)
			}
		}
	})
	return out, err
}

// joinLocked performs the shared-state half of joining a room: subscribe on
// first local interest, then apply the Add record. Runs on the Run goroutine.
func (s *ChatServer) joinLocked(ctx context.Context, sessionID, name, room string) error {
	subscribed := len(s.roomConns[room]) > 0
	if !subscribed {
		if err := s.hub.SubscribeRoom(ctx, room); err != nil {
			return fmt.Errorf("subscribe %q: %w", room, err)
		}
	}
	err := s.hub.ChangeRooms(ctx, hub.RoomChange{
		SessionID: sessionID,
		Name:      name,
		Room:      room,
		Type:      hub.ChangeAdd,
	})
	if err != nil {
		if !subscribed {
			if uerr := s.hub.UnsubscribeRoom(ctx, room); uerr != nil {
				s.logger.Warn("unsubscribe after failed join", "room", room, "error", uerr)
			}
		}
		return err
	}
	return nil
}

// track records local interest of a connection in a room.
func (s *ChatServer) track(id ConnID, room string) {
	conns := s.roomConns[room]
	if conns == nil {
		conns = make(map[ConnID]struct{})
		s.roomConns[room] = conns
	}
	conns[id] = struct{}{}
}

// untrack drops local interest; the last connection out closes the room's
// subscription.
func (s *ChatServer) untrack(id ConnID, room string) {
	conns, ok := s.roomConns[room]
	if !ok {
		return
	}
	delete(conns, id)
	if len(conns) > 0 {
		return
	}
	delete(s.roomConns, room)
	if err := s.hub.UnsubscribeRoom(context.Background(), room); err != nil {
		s.logger.Warn("unsubscribe room", "room", room, "error", err)
	}
}

// deliver routes one inbound hub message to the local connections that
// should see it. Slow consumers lose messages rather than stall the server.
func (s *ChatServer) deliver(msg hub.Message) {
	for id := range s.roomConns[msg.Room] {
		c, ok := s.conns[id]
		if !ok {
			continue
		}
		if msg.Kind == hub.KindSystem && c.sessionID != msg.ToID {
			continue
		}
		select {
		case c.out <- msg.Content:
		default:
			s.logger.Warn("slow connection, dropping frame",
				"conn", string(id), "session", c.sessionID, "room", msg.Room)
		}
	}
}
