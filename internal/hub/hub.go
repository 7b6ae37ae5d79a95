// Package hub provides cross-process coordination for chat rooms: atomic
// membership mutation against a shared snapshot and message fan-out to every
// process with a live subscription on a room.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
)

// ChangeType selects which mutation a RoomChange applies.
type ChangeType string

const (
	ChangeAdd    ChangeType = "Add"
	ChangeRemove ChangeType = "Del"
	ChangeName   ChangeType = "NameChange"
)

// RoomChange is the sole input to the membership mutation path.
type RoomChange struct {
	SessionID string
	Name      string // display name; empty means "keep the existing one"
	Room      string
	Type      ChangeType
}

// MessageKind distinguishes the two fan-out payload flavors.
type MessageKind int

const (
	// KindClient is a chat message for every member of a room.
	KindClient MessageKind = iota
	// KindSystem is a membership-update notification for one session.
	KindSystem
)

// Message is one payload received from a room subscription. Content is the
// pre-rendered wire frame; the hub never interprets it.
type Message struct {
	Kind    MessageKind
	Room    string
	FromID  string // sender session, client messages only
	ToID    string // target session, system messages only
	Content string
}

// RejectedError reports a nonzero status from the mutation script. It is a
// recoverable request failure, never process-fatal.
type RejectedError struct {
	Status int
	Msg    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("room change rejected (status %d): %s", e.Status, e.Msg)
}

// Hub is the capability set required from a coordination backend. Any
// implementation satisfying it is substitutable without touching the chat
// server or the connection sessions.
type Hub interface {
	// PublishClient fans out a chat frame to every subscriber of room.
	PublishClient(ctx context.Context, room, fromID, content string) error
	// PublishSystem fans out a frame addressed to one session in room.
	PublishSystem(ctx context.Context, room, toID, content string) error

	// ChangeRooms applies one membership mutation atomically. A rejection
	// by the mutation script is returned as *RejectedError.
	ChangeRooms(ctx context.Context, change RoomChange) error
	// Rooms returns the current shared membership snapshot.
	Rooms(ctx context.Context) (Snapshot, error)

	// SubscribeRoom opens the fan-out subscription for room. Opening an
	// already-open subscription is a no-op.
	SubscribeRoom(ctx context.Context, room string) error
	// UnsubscribeRoom closes the subscription for room and does not return
	// until its listener has confirmed termination.
	UnsubscribeRoom(ctx context.Context, room string) error

	// Messages is the process-wide inbound channel all subscriptions feed.
	Messages() <-chan Message

	// Clean removes every (session, room) pair in rooms from the shared
	// snapshot. Best effort: failures are reported but do not stop the
	// remaining removals.
	Clean(ctx context.Context, rooms map[string][]string) error

	// Close tears down all subscriptions.
	Close() error
}

// Snapshot is the authoritative membership view held in the shared store.
// Rooms and SessionRooms are two sides of the same relation and stay
// consistent because every mutation updates both in one atomic step.
type Snapshot struct {
	Sessions     map[string]string          `json:"sessions"`
	Rooms        map[string]map[string]bool `json:"rooms"`
	SessionRooms map[string]map[string]bool `json:"session_room_map"`
}

// NewSnapshot returns an empty snapshot with all maps allocated.
func NewSnapshot() Snapshot {
	return Snapshot{
		Sessions:     make(map[string]string),
		Rooms:        make(map[string]map[string]bool),
		SessionRooms: make(map[string]map[string]bool),
	}
}

// UnmarshalJSON decodes the store-resident form. Lua's cjson encodes an
// empty table as an array, so a field that has emptied out may arrive as
// [] instead of {}; both decode to an empty map here.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var shadow struct {
		Sessions     json.RawMessage `json:"sessions"`
		Rooms        json.RawMessage `json:"rooms"`
		SessionRooms json.RawMessage `json:"session_room_map"`
	}
	if err := json.Unmarshal(data, &shadow); err != nil {
		return err
	}
	*s = NewSnapshot()
	if err := decodeObject(shadow.Sessions, &s.Sessions); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	if err := decodeObject(shadow.Rooms, &s.Rooms); err != nil {
		return fmt.Errorf("rooms: %w", err)
	}
	if err := decodeObject(shadow.SessionRooms, &s.SessionRooms); err != nil {
		return fmt.Errorf("session_room_map: %w", err)
	}
	return nil
}

func decodeObject(raw json.RawMessage, v any) error {
	trimmed := string(raw)
	if trimmed == "" || trimmed == "null" || trimmed == "[]" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// ViewBySession projects the snapshot down to what one session is allowed to
// see: every room it belongs to, with each member resolved to a display name.
func (s Snapshot) ViewBySession(sessionID string) map[string]map[string]string {
	view := make(map[string]map[string]string)
	for room := range s.SessionRooms[sessionID] {
		members, ok := s.Rooms[room]
		if !ok {
			continue
		}
		names := make(map[string]string, len(members))
		for id := range members {
			names[id] = s.Sessions[id]
		}
		view[room] = names
	}
	return view
}

// clone returns a deep copy so callers can never alias shared state.
func (s Snapshot) clone() Snapshot {
	out := NewSnapshot()
	for id, name := range s.Sessions {
		out.Sessions[id] = name
	}
	for room, members := range s.Rooms {
		m := make(map[string]bool, len(members))
		for id := range members {
			m[id] = true
		}
		out.Rooms[room] = m
	}
	for id, rooms := range s.SessionRooms {
		m := make(map[string]bool, len(rooms))
		for room := range rooms {
			m[room] = true
		}
		out.SessionRooms[id] = m
	}
	return out
}
