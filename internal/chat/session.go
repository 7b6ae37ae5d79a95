package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evolvechat/evolvechat/internal/hub"
	"github.com/evolvechat/evolvechat/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024

	// frame kinds for the reader-to-loop channel, alongside the
	// websocket message types.
	kindPing = -1
	kindPong = -2
)

// SessionConfig carries the session timing knobs.
type SessionConfig struct {
	// HeartbeatInterval is how often the server pings the client.
	HeartbeatInterval time.Duration
	// ClientTimeout disconnects a client that has shown no sign of life
	// (ping, pong, or any frame) for this long.
	ClientTimeout time.Duration
}

// wsFrame is one event from the reader goroutine.
type wsFrame struct {
	kind int
	data []byte
	err  error
}

// Session is the per-connection protocol state machine. It owns one
// WebSocket, the session's current-room pointer and display name, and the
// heartbeat timer. All writes to the socket happen on the Run goroutine.
type Session struct {
	id     string
	name   string
	room   string
	server *ChatServer
	conn   *websocket.Conn
	cfg    SessionConfig
	logger *slog.Logger
}

// NewSession wraps an upgraded connection for the identified session.
func NewSession(server *ChatServer, conn *websocket.Conn, id, name string, cfg SessionConfig, logger *slog.Logger) *Session {
	return &Session{
		id:     id,
		name:   name,
		room:   server.DefaultRoom(),
		server: server,
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("session", id),
	}
}

// Run drives the session until the client disconnects, the heartbeat times
// out, or ctx is canceled. It releases all session resources exactly once
// before returning.
func (s *Session) Run(ctx context.Context) {
	out := make(chan string, outBuffer)
	connID, err := s.server.Connect(ctx, out, s.id, s.name)
	if err != nil {
		s.logger.Error("connect rejected", "error", err)
		s.conn.Close()
		return
	}

	s.writeText(protocol.SessionState{Room: s.room, Name: s.name}.Frame())
	s.notifyRoom(ctx, s.server.DefaultRoom())

	readerDone := make(chan struct{})
	frames := s.startReader(readerDone)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	lastHeartbeat := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case <-ticker.C:
			if time.Since(lastHeartbeat) > s.cfg.ClientTimeout {
				s.logger.Info("client heartbeat timeout",
					"timeout", s.cfg.ClientTimeout)
				break loop
			}
			if err := s.writeControl(websocket.PingMessage, nil); err != nil {
				break loop
			}

		case frame := <-out:
			if err := s.writeText(frame); err != nil {
				break loop
			}

		case f, ok := <-frames:
			if !ok {
				break loop
			}
			if f.err != nil {
				if closeErr, isClose := f.err.(*websocket.CloseError); isClose {
					s.logger.Info("client closed connection",
						"code", closeErr.Code, "reason", closeErr.Text)
				} else {
					s.logger.Error("read error", "error", f.err)
				}
				break loop
			}
			switch f.kind {
			case kindPing:
				lastHeartbeat = time.Now()
				if err := s.writeControl(websocket.PongMessage, f.data); err != nil {
					break loop
				}
			case kindPong:
				lastHeartbeat = time.Now()
			case websocket.TextMessage:
				lastHeartbeat = time.Now()
				s.handleText(ctx, string(f.data))
			case websocket.BinaryMessage:
				s.logger.Warn("unexpected binary message")
			}
		}
	}

	// Release the reader before cleanup: it may be parked on a send into a
	// full frames channel, and closing the socket alone cannot unblock a
	// goroutine waiting on a channel.
	close(readerDone)

	// Shared and local cleanup must run even when ctx is done; the server's
	// own done channel still bounds the waits.
	cleanupCtx := context.WithoutCancel(ctx)
	rooms, err := s.server.Disconnect(cleanupCtx, connID)
	if err != nil {
		s.logger.Warn("disconnect", "error", err)
	}
	for _, room := range rooms {
		s.notifyRoom(cleanupCtx, room)
	}

	// Best-effort close handshake.
	_ = s.writeControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.conn.Close()
}

// startReader pumps frames off the socket into a channel so the Run loop can
// select over them together with the heartbeat timer and relayed chat
// events. Ping and pong control frames come through the same channel; the
// reader never writes to the socket. Every send is guarded by done so the
// reader can exit once the Run loop has stopped consuming.
func (s *Session) startReader(done <-chan struct{}) <-chan wsFrame {
	frames := make(chan wsFrame, 16)
	send := func(f wsFrame) bool {
		select {
		case frames <- f:
			return true
		case <-done:
			return false
		}
	}
	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetPingHandler(func(data string) error {
		send(wsFrame{kind: kindPing, data: []byte(data)})
		return nil
	})
	s.conn.SetPongHandler(func(string) error {
		send(wsFrame{kind: kindPong})
		return nil
	})
	go func() {
		defer close(frames)
		for {
			kind, data, err := s.conn.ReadMessage()
			if err != nil {
				send(wsFrame{err: err})
				return
			}
			if !send(wsFrame{kind: kind, data: data}) {
				return
			}
		}
	}()
	return frames
}

// handleText parses one text frame: a /command, or a chat message for the
// session's current room.
func (s *Session) handleText(ctx context.Context, text string) {
	msg := strings.TrimSpace(text)
	if msg == "" {
		return
	}
	if !strings.HasPrefix(msg, "/") {
		frame := protocol.NewEnvelope(s.room, s.id, s.name, msg).Frame()
		if err := s.server.SendMessage(ctx, s.room, s.id, frame); err != nil {
			s.logger.Error("send message", "room", s.room, "error", err)
			s.writeText(protocol.ErrorFrame("message could not be delivered"))
		}
		return
	}

	cmd, arg, _ := strings.Cut(msg, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/list":
		s.notifySelf(ctx)

	case "/join":
		if arg == "" {
			s.writeText(protocol.ErrorFrame("room name is required"))
			return
		}
		if err := s.server.JoinRoom(ctx, s.id, arg); err != nil {
			s.logger.Error("join room", "room", arg, "error", err)
			s.writeText(protocol.ErrorFrame("could not join room: " + arg))
			return
		}
		s.room = arg
		s.writeText(protocol.SessionState{Room: s.room, Name: s.name}.Frame())
		s.notifyRoom(ctx, arg)

	case "/quit":
		if arg == "" {
			s.writeText(protocol.ErrorFrame("room name is required"))
			return
		}
		if arg == s.server.DefaultRoom() {
			s.writeText(protocol.ErrorFrame("you can not quit default room: " + arg))
			return
		}
		if err := s.server.QuitRoom(ctx, s.id, arg); err != nil {
			s.logger.Error("quit room", "room", arg, "error", err)
			s.writeText(protocol.ErrorFrame("could not quit room: " + arg))
			return
		}
		s.room = s.server.DefaultRoom()
		s.writeText(protocol.SessionState{Room: s.room, Name: s.name}.Frame())
		s.notifyRoom(ctx, arg)
		s.notifySelf(ctx)

	case "/name":
		if arg == "" {
			s.writeText(protocol.ErrorFrame("name is required"))
			return
		}
		if err := s.server.ChangeName(ctx, s.id, arg); err != nil {
			s.logger.Error("change name", "error", err)
			s.writeText(protocol.ErrorFrame("could not change name"))
			return
		}
		s.name = arg
		s.writeText(protocol.SessionState{Room: s.room, Name: s.name}.Frame())
		// A rename shows up everywhere the session is a member.
		s.notifyAllRooms(ctx)

	default:
		s.writeText(protocol.ErrorFrame("unknown command: " + msg))
	}
}

// notifyRoom sends every member of room their own membership view.
func (s *Session) notifyRoom(ctx context.Context, room string) {
	snap, err := s.server.Rooms(ctx)
	if err != nil {
		s.logger.Error("load rooms snapshot", "error", err)
		return
	}
	s.notifyMembers(ctx, snap, room)
}

// notifyAllRooms notifies every room the session belongs to.
func (s *Session) notifyAllRooms(ctx context.Context) {
	snap, err := s.server.Rooms(ctx)
	if err != nil {
		s.logger.Error("load rooms snapshot", "error", err)
		return
	}
	for room := range snap.SessionRooms[s.id] {
		s.notifyMembers(ctx, snap, room)
	}
}

// notifyMembers publishes a personalized update_rooms frame to each member
// of room, so local and remote members alike see the change.
func (s *Session) notifyMembers(ctx context.Context, snap hub.Snapshot, room string) {
	for member := range snap.Rooms[room] {
		frame := protocol.RoomsView(snap.ViewBySession(member)).Frame()
		if err := s.server.SendSystemMessage(ctx, room, member, frame); err != nil {
			s.logger.Error("notify member", "room", room, "member", member, "error", err)
		}
	}
}

// notifySelf sends the session its own membership view directly, without a
// round trip through the hub.
func (s *Session) notifySelf(ctx context.Context) {
	view, err := s.server.RoomsBySession(ctx, s.id)
	if err != nil {
		s.logger.Error("load session rooms", "error", err)
		s.writeText(protocol.ErrorFrame("could not list rooms"))
		return
	}
	s.writeText(view.Frame())
}

func (s *Session) writeText(frame string) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		s.logger.Error("write frame", "error", err)
		return err
	}
	return nil
}

func (s *Session) writeControl(kind int, data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(kind, data)
}
