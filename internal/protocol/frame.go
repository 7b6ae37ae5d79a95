// Package protocol defines the text frames exchanged with chat clients.
//
// Every server-to-client frame is a text message carrying a fixed prefix
// followed by a JSON payload, so browser and terminal clients can dispatch
// on the prefix without a full parser.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Frame prefixes for client-side dispatch.
const (
	PrefixUpdateSession = "update_session:"
	PrefixUpdateRooms   = "update_rooms:"
	PrefixMessage       = "message:"
	PrefixError         = "!!! "
)

// TimeLayout is the wall-clock format used in message envelopes.
const TimeLayout = "2006-01-02 15:04:05"

// Envelope is one chat message as rendered to clients.
type Envelope struct {
	ID       string `json:"id"`
	Room     string `json:"room"`
	FromID   string `json:"from_id"`
	FromName string `json:"from_name"`
	Content  string `json:"content"`
	Time     string `json:"time"`
}

// NewEnvelope creates an envelope with a fresh ID and the current UTC time.
func NewEnvelope(room, fromID, fromName, content string) Envelope {
	return Envelope{
		ID:       uuid.New().String(),
		Room:     room,
		FromID:   fromID,
		FromName: fromName,
		Content:  content,
		Time:     time.Now().UTC().Format(TimeLayout),
	}
}

// Frame renders the envelope as a message frame.
func (e Envelope) Frame() string {
	data, _ := json.Marshal(e)
	return PrefixMessage + string(data)
}

// ParseEnvelope decodes a message frame. The second return is false when the
// frame is not a message frame or its payload does not decode.
func ParseEnvelope(frame string) (Envelope, bool) {
	payload, ok := strings.CutPrefix(frame, PrefixMessage)
	if !ok {
		return Envelope{}, false
	}
	var e Envelope
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Envelope{}, false
	}
	return e, true
}

// SessionState tells a client which room it currently points at and the
// display name the server has for it.
type SessionState struct {
	Room string `json:"room"`
	Name string `json:"name"`
}

// Frame renders the session state as an update_session frame.
func (s SessionState) Frame() string {
	data, _ := json.Marshal(s)
	return PrefixUpdateSession + string(data)
}

// RoomsView maps room name to the members of that room (session id to
// display name). Each client receives the view computed for itself: only
// rooms it belongs to appear.
type RoomsView map[string]map[string]string

// Frame renders the view as an update_rooms frame.
func (v RoomsView) Frame() string {
	data, _ := json.Marshal(v)
	return PrefixUpdateRooms + string(data)
}

// ErrorFrame renders a command-usage error for the issuing client.
func ErrorFrame(reason string) string {
	return PrefixError + reason
}
