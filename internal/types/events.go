// internal/types/events.go
package types

import "time"

// Event is one inbound occurrence for a session. The set of variants is
// closed: the state machine switches over the concrete type, so an
// unhandled (state, event) pair falls through to a single rejection path
// instead of hiding in nested conditionals.
type Event interface {
	SessionKey() SessionKey
	Meta() *EventMeta
}

// EventMeta carries the fields every event shares.
type EventMeta struct {
	Key    SessionKey
	ChatID int64
	UserID int64
	Caller CallerInfo
	At     time.Time
}

func (m *EventMeta) SessionKey() SessionKey { return m.Key }
func (m *EventMeta) Meta() *EventMeta       { return m }

// ForwardedMessage is a message forwarded into the chat, queued for later
// classification.
type ForwardedMessage struct {
	EventMeta
	From string
	Text string
}

// TextMessage is a plain (non-forwarded, non-command) message. Its meaning
// depends on the session state: instruction, clarification answer, edit
// value, or assignee query.
type TextMessage struct {
	EventMeta
	Text string
}

// CommandMessage is a bot command such as "do" or "cancel", with its
// argument text.
type CommandMessage struct {
	EventMeta
	Name string
	Args string
}

// CallbackPress is an inline keyboard button press.
type CallbackPress struct {
	EventMeta
	CallbackID string
	Data       string
	MessageID  int
}

// CancelEvent resets a non-idle session, discarding queued messages and
// the current action.
type CancelEvent struct {
	EventMeta
}

// TerminateEvent ends the session run immediately, in any state. Used when
// a new session supersedes an old one for the same user.
type TerminateEvent struct {
	EventMeta
}
