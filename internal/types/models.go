// internal/types/models.go
package types

import (
	"time"
)

// State is the conversation state of a session.
type State string

const (
	StateIdle                 State = "idle"
	StateGathering            State = "gathering_messages"
	StateAwaitingInstruction  State = "awaiting_instruction"
	StateProcessing           State = "processing_ai"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateAwaitingClarify      State = "awaiting_clarification"
	StateAwaitingEditField    State = "awaiting_edit_field"
	StateAwaitingEditValue    State = "awaiting_edit_value"
	StateAwaitingAssigneePick State = "awaiting_assignee_selection"
	StateAwaitingAssigneeText State = "awaiting_assignee_input"
	StateExecuting            State = "executing"
)

// Intent identifies what CRM write the user wants. Closed set; anything
// else is rejected at execution time.
type Intent string

const (
	IntentCreatePerson  Intent = "create-person"
	IntentCreateCompany Intent = "create-company"
	IntentCreateDeal    Intent = "create-deal"
	IntentCreateTask    Intent = "create-task"
	IntentAddNote       Intent = "add-note"
	IntentAddToList     Intent = "add-to-list"
)

// KnownIntent reports whether the intent tag belongs to the closed set.
func KnownIntent(i Intent) bool {
	switch i {
	case IntentCreatePerson, IntentCreateCompany, IntentCreateDeal,
		IntentCreateTask, IntentAddNote, IntentAddToList:
		return true
	}
	return false
}

// ClarifyReason tags why a clarification was raised.
type ClarifyReason string

const (
	ClarifyMissing         ClarifyReason = "missing"
	ClarifyAmbiguous       ClarifyReason = "ambiguous"
	ClarifyMultipleMatches ClarifyReason = "multiple_matches"
	ClarifyNotFound        ClarifyReason = "not_found"
)

// CallerInfo identifies the user who started the session.
type CallerInfo struct {
	DisplayName string `json:"display_name"`
	Username    string `json:"username,omitempty"`
}

// QueuedMessage is one forwarded message waiting to be turned into CRM
// writes. Insertion order is significant.
type QueuedMessage struct {
	From string    `json:"from,omitempty"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Money is a structured amount extracted by the classifier.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Clarification is an outstanding question blocking confident execution.
// Clarifications are consumed head-first, in list order.
type Clarification struct {
	Field    string        `json:"field"`
	Question string        `json:"question"`
	Options  []string      `json:"options,omitempty"`
	Reason   ClarifyReason `json:"reason"`
}

// PrerequisiteAction is a record creation that must happen before the main
// action because the main action references it. Only record-creation
// intents are valid here.
type PrerequisiteAction struct {
	Intent    Intent         `json:"intent"`
	Extracted map[string]any `json:"extracted,omitempty"`
}

// Member is a CRM workspace member, used for task assignment.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// SuggestedAction is the classifier's structured guess at what CRM write
// the user wants. It is mutated in place as clarifications and edits are
// answered, and replaced wholesale only by a fresh classification.
type SuggestedAction struct {
	Intent          Intent               `json:"intent"`
	Confidence      float64              `json:"confidence"`
	TargetObject    string               `json:"target_object,omitempty"`
	TargetListID    string               `json:"target_list_id,omitempty"`
	Extracted       map[string]any       `json:"extracted,omitempty"`
	MissingRequired []string             `json:"missing_required,omitempty"`
	Clarifications  []Clarification      `json:"clarifications,omitempty"`
	Prerequisites   []PrerequisiteAction `json:"prerequisites,omitempty"`
	NoteTitle       string               `json:"note_title,omitempty"`
	Assignee        *Member              `json:"assignee,omitempty"`
}

// PopClarification removes and returns the head clarification.
// Returns nil when none remain.
func (a *SuggestedAction) PopClarification() *Clarification {
	if len(a.Clarifications) == 0 {
		return nil
	}
	head := a.Clarifications[0]
	a.Clarifications = a.Clarifications[1:]
	return &head
}

// CreatedRecord is a prerequisite record surfaced to the user after
// execution (name plus optional URL).
type CreatedRecord struct {
	Role string `json:"role"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// RecordRef is the id/url pair returned by a record creation.
type RecordRef struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// ActionResult is the terminal value of one execution attempt. A note
// failure after a successful main write is reported in NoteError, distinct
// from Error.
type ActionResult struct {
	Success              bool            `json:"success"`
	RecordID             string          `json:"record_id,omitempty"`
	RecordURL            string          `json:"record_url,omitempty"`
	NoteID               string          `json:"note_id,omitempty"`
	Error                string          `json:"error,omitempty"`
	NoteError            string          `json:"note_error,omitempty"`
	CreatedPrerequisites []CreatedRecord `json:"created_prerequisites,omitempty"`
}

// SearchResult is one candidate record from a search call.
type SearchResult struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Secondary string `json:"secondary,omitempty"`
}

// Session is the per-(chat, user) conversation state driving the state
// machine between events. One state-machine run per session lifetime.
type Session struct {
	Key           SessionKey       `json:"key"`
	ChatID        int64            `json:"chat_id"`
	UserID        int64            `json:"user_id"`
	State         State            `json:"state"`
	Messages      []QueuedMessage  `json:"messages,omitempty"`
	Action        *SuggestedAction `json:"action,omitempty"`
	Instruction   string           `json:"instruction,omitempty"`
	Caller        CallerInfo       `json:"caller"`
	AssigneePage  int              `json:"assignee_page"`
	EditField     string           `json:"edit_field,omitempty"`
	LastMessageID int              `json:"last_message_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Reset clears everything a cancel discards and returns the session to idle.
func (s *Session) Reset() {
	s.State = StateIdle
	s.Messages = nil
	s.Action = nil
	s.Instruction = ""
	s.AssigneePage = 0
	s.EditField = ""
}

// Button is one inline keyboard button. Data and URL are mutually
// exclusive; the transport decides how to render them.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Keyboard is a rows-of-buttons layout attached to an outbound message.
type Keyboard struct {
	Rows [][]Button `json:"rows"`
}

// Row appends a row of buttons and returns the keyboard for chaining.
func (k *Keyboard) Row(buttons ...Button) *Keyboard {
	k.Rows = append(k.Rows, buttons)
	return k
}
