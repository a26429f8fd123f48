// Package flow is the per-session conversation state machine. It consumes
// a strictly ordered event stream (the gateway guarantees one in-flight
// event per session), mutates the persisted Session, and replies through
// the transport collaborator. It never talks to the chat platform
// directly and never retries collaborator calls.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/user/crmrelay/internal/action"
	"github.com/user/crmrelay/internal/assignee"
	"github.com/user/crmrelay/internal/types"
)

const errDisplayLimit = 300

// Machine drives one session per event. All collaborators are interfaces
// so tests run against fakes.
type Machine struct {
	sessions  types.SessionStore
	classify  types.Classifier
	exec      types.Executor
	records   types.RecordStore
	transport types.Transport
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Machine over its collaborators.
func New(sessions types.SessionStore, classify types.Classifier, exec types.Executor, records types.RecordStore, transport types.Transport) *Machine {
	return &Machine{
		sessions:  sessions,
		classify:  classify,
		exec:      exec,
		records:   records,
		transport: transport,
		log:       slog.Default(),
		now:       time.Now,
	}
}

// Process handles one event for one session. The gateway serializes calls
// per session key, so no locking happens here.
func (m *Machine) Process(ctx context.Context, ev types.Event) error {
	s, err := m.loadOrCreate(ctx, ev)
	if err != nil {
		return fmt.Errorf("load session %s: %w", ev.SessionKey(), err)
	}

	switch e := ev.(type) {
	case *types.TerminateEvent:
		return m.sessions.Delete(ctx, s.Key)
	case *types.CancelEvent:
		return m.cancel(ctx, s)
	case *types.ForwardedMessage:
		return m.onForwarded(ctx, s, e)
	case *types.CommandMessage:
		return m.onCommand(ctx, s, e)
	case *types.TextMessage:
		return m.onText(ctx, s, e)
	case *types.CallbackPress:
		return m.onCallback(ctx, s, e)
	default:
		m.log.Warn("dropping event of unknown type", "session", s.Key, "event", fmt.Sprintf("%T", ev))
		return nil
	}
}

func (m *Machine) loadOrCreate(ctx context.Context, ev types.Event) (*types.Session, error) {
	s, err := m.sessions.Load(ctx, ev.SessionKey())
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}
	meta := ev.Meta()
	return &types.Session{
		Key:       meta.Key,
		ChatID:    meta.ChatID,
		UserID:    meta.UserID,
		State:     types.StateIdle,
		Caller:    meta.Caller,
		CreatedAt: m.now(),
	}, nil
}

func (m *Machine) save(ctx context.Context, s *types.Session) error {
	s.UpdatedAt = m.now()
	return m.sessions.Save(ctx, s)
}

func (m *Machine) cancel(ctx context.Context, s *types.Session) error {
	if s.State == types.StateIdle {
		m.send(ctx, s, "Nothing in progress.", nil)
		return nil
	}
	s.Reset()
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.send(ctx, s, "Cancelled. Forward me messages to start over.", nil)
	return nil
}

// onForwarded queues the message and acks with the queue length. A forward
// arriving mid-review is still queued but does not disturb the review
// state; only idle and gathering sessions move to gathering_messages.
func (m *Machine) onForwarded(ctx context.Context, s *types.Session, e *types.ForwardedMessage) error {
	s.Messages = append(s.Messages, types.QueuedMessage{From: e.From, Text: e.Text, At: e.At})
	if s.State == types.StateIdle || s.State == types.StateGathering {
		s.State = types.StateGathering
	}
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.send(ctx, s, fmt.Sprintf("Got it. %d message(s) queued. Send /do with an instruction when ready.", len(s.Messages)), nil)
	return nil
}

func (m *Machine) onCommand(ctx context.Context, s *types.Session, e *types.CommandMessage) error {
	switch e.Name {
	case "start":
		m.send(ctx, s, "Forward me chat messages, then tell me what to do with /do. Example: /do create a task to follow up with Acme tomorrow", nil)
		return nil
	case "cancel":
		return m.cancel(ctx, s)
	case "status":
		m.send(ctx, s, fmt.Sprintf("State: %s. %d message(s) queued.", s.State, len(s.Messages)), nil)
		return nil
	case "do":
		instruction := strings.TrimSpace(e.Args)
		if instruction != "" {
			return m.classifyAndConfirm(ctx, s, instruction)
		}
		if len(s.Messages) == 0 {
			m.send(ctx, s, "Forward me some messages first, or give me an instruction: /do <what to do>", nil)
			return nil
		}
		s.State = types.StateAwaitingInstruction
		if err := m.save(ctx, s); err != nil {
			return err
		}
		m.send(ctx, s, "What should I do with these messages?", nil)
		return nil
	default:
		m.send(ctx, s, fmt.Sprintf("Unknown command /%s.", e.Name), nil)
		return nil
	}
}

func (m *Machine) onText(ctx context.Context, s *types.Session, e *types.TextMessage) error {
	switch s.State {
	case types.StateAwaitingInstruction:
		return m.classifyAndConfirm(ctx, s, strings.TrimSpace(e.Text))
	case types.StateAwaitingClarify:
		// Peek, don't pop: a failed reclassification must leave the
		// question pending. The success path replaces the action wholesale.
		if len(s.Action.Clarifications) == 0 {
			return m.showConfirmation(ctx, s)
		}
		return m.reclassify(ctx, s, s.Action.Clarifications[0].Field, e.Text)
	case types.StateAwaitingEditValue:
		return m.reclassify(ctx, s, s.EditField, e.Text)
	case types.StateAwaitingAssigneeText:
		return m.resolveAssigneeText(ctx, s, e.Text)
	case types.StateIdle, types.StateGathering:
		m.send(ctx, s, "Forward messages to queue them, or use /do <instruction>.", nil)
		return nil
	default:
		m.send(ctx, s, "I'm waiting on the buttons above.", nil)
		return nil
	}
}

// classifyAndConfirm runs one classification round and renders the
// suggestion. Classifier failure returns the session to idle with the
// error surfaced, truncated.
func (m *Machine) classifyAndConfirm(ctx context.Context, s *types.Session, instruction string) error {
	s.State = types.StateProcessing
	s.Instruction = instruction
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.send(ctx, s, fmt.Sprintf("Working on it (%d message(s))...", len(s.Messages)), nil)

	act, err := m.classify.Classify(ctx, s.Messages, instruction)
	if err != nil {
		m.log.Error("classification failed", "session", s.Key, "error", err)
		s.Reset()
		if saveErr := m.save(ctx, s); saveErr != nil {
			return saveErr
		}
		m.send(ctx, s, "I couldn't work out what to do: "+truncate(err.Error(), errDisplayLimit), nil)
		return nil
	}
	s.Action = act

	if act.Intent == types.IntentCreateTask {
		if done, err := m.resolveAssignee(ctx, s); err != nil || done {
			return err
		}
	}
	return m.showConfirmation(ctx, s)
}

// resolveAssignee auto-resolves a task's assignee from the extracted
// token. Returns done=true when the machine moved to assignee selection
// and the confirmation should not render yet.
func (m *Machine) resolveAssignee(ctx context.Context, s *types.Session) (bool, error) {
	token := action.FieldValue(s.Action, "assignee")
	members, err := m.records.ListMembers(ctx)
	if err != nil {
		// Assignment is optional; a member-list failure should not block
		// the whole suggestion.
		m.log.Warn("member list unavailable, skipping assignee resolution", "session", s.Key, "error", err)
		return false, nil
	}
	if member := assignee.Resolve(token, s.Caller, members, true); member != nil {
		s.Action.Assignee = member
		return false, nil
	}
	if token == "" {
		return false, nil
	}
	s.State = types.StateAwaitingAssigneePick
	s.AssigneePage = 0
	if err := m.save(ctx, s); err != nil {
		return true, err
	}
	m.send(ctx, s, fmt.Sprintf("I couldn't match %q to anyone. Who should this be assigned to?", token), assigneeKeyboard(members, 0))
	return true, nil
}

func (m *Machine) resolveAssigneeText(ctx context.Context, s *types.Session, text string) error {
	members, err := m.records.ListMembers(ctx)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	member := assignee.Resolve(strings.TrimSpace(text), s.Caller, members, true)
	if member == nil {
		s.State = types.StateAwaitingAssigneePick
		if err := m.save(ctx, s); err != nil {
			return err
		}
		m.send(ctx, s, fmt.Sprintf("Still no match for %q. Pick from the list:", strings.TrimSpace(text)), assigneeKeyboard(members, s.AssigneePage))
		return nil
	}
	s.Action.Assignee = member
	return m.showConfirmation(ctx, s)
}

// reclassify feeds a clarification or edit reply back through the
// classifier. The returned action replaces the current one wholesale.
func (m *Machine) reclassify(ctx context.Context, s *types.Session, field, reply string) error {
	act, err := m.classify.Reclassify(ctx, s.Action, field, reply)
	if err != nil {
		m.log.Error("reclassification failed", "session", s.Key, "field", field, "error", err)
		m.send(ctx, s, "I couldn't apply that: "+truncate(err.Error(), errDisplayLimit), nil)
		return m.showConfirmation(ctx, s)
	}
	s.Action = act
	s.EditField = ""
	return m.showConfirmation(ctx, s)
}

func (m *Machine) showConfirmation(ctx context.Context, s *types.Session) error {
	s.State = types.StateAwaitingConfirmation
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.send(ctx, s, confirmationText(s.Action), confirmationKeyboard(s.Action))
	return nil
}

func (m *Machine) onCallback(ctx context.Context, s *types.Session, e *types.CallbackPress) error {
	if err := m.transport.AnswerCallback(ctx, e.CallbackID, ""); err != nil {
		m.log.Warn("answer callback failed", "session", s.Key, "error", err)
	}
	if e.Data == cbCancel {
		return m.cancel(ctx, s)
	}
	if s.Action == nil {
		m.send(ctx, s, "That suggestion has expired. Forward messages and /do again.", nil)
		return nil
	}

	switch s.State {
	case types.StateAwaitingConfirmation:
		return m.onConfirmationButton(ctx, s, e.Data)
	case types.StateAwaitingClarify:
		if idx, ok := strings.CutPrefix(e.Data, cbOptionPrefix); ok {
			return m.onClarifyOption(ctx, s, idx)
		}
	case types.StateAwaitingEditField:
		if e.Data == cbBack {
			return m.showConfirmation(ctx, s)
		}
		if field, ok := strings.CutPrefix(e.Data, cbFieldPrefix); ok {
			return m.onEditFieldPick(ctx, s, field)
		}
	case types.StateAwaitingAssigneePick:
		return m.onAssigneeButton(ctx, s, e.Data)
	}
	m.log.Warn("callback in unexpected state", "session", s.Key, "state", s.State, "data", e.Data)
	return nil
}

func (m *Machine) onConfirmationButton(ctx context.Context, s *types.Session, data string) error {
	switch data {
	case cbConfirm, cbCreateAnyway:
		// "Create anyway" is the explicit override for outstanding
		// clarifications; plain confirm is only offered when none remain.
		return m.execute(ctx, s)
	case cbClarify:
		if len(s.Action.Clarifications) == 0 {
			return m.showConfirmation(ctx, s)
		}
		s.State = types.StateAwaitingClarify
		if err := m.save(ctx, s); err != nil {
			return err
		}
		head := s.Action.Clarifications[0]
		m.send(ctx, s, clarificationText(&head), clarificationKeyboard(&head))
		return nil
	case cbEdit:
		s.State = types.StateAwaitingEditField
		if err := m.save(ctx, s); err != nil {
			return err
		}
		m.send(ctx, s, "Which field should I change?", editKeyboard(action.EditableFields(s.Action)))
		return nil
	default:
		m.log.Warn("unknown confirmation button", "session", s.Key, "data", data)
		return nil
	}
}

// onClarifyOption applies a predefined option without a model round trip:
// the field is set directly and the head clarification is popped. The pop
// only happens once the option index checks out, so a stale or malformed
// press leaves the question pending.
func (m *Machine) onClarifyOption(ctx context.Context, s *types.Session, idxStr string) error {
	if len(s.Action.Clarifications) == 0 {
		return m.showConfirmation(ctx, s)
	}
	head := s.Action.Clarifications[0]
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 || idx >= len(head.Options) {
		m.log.Warn("clarify option out of range", "session", s.Key, "index", idxStr)
		return m.showConfirmation(ctx, s)
	}
	s.Action.PopClarification()
	action.SetField(s.Action, head.Field, head.Options[idx])
	return m.showConfirmation(ctx, s)
}

func (m *Machine) onEditFieldPick(ctx context.Context, s *types.Session, field string) error {
	s.State = types.StateAwaitingEditValue
	s.EditField = field
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.send(ctx, s, fmt.Sprintf("Send a new value for %s.", field), nil)
	return nil
}

func (m *Machine) onAssigneeButton(ctx context.Context, s *types.Session, data string) error {
	switch {
	case data == cbAssigneeText:
		s.State = types.StateAwaitingAssigneeText
		if err := m.save(ctx, s); err != nil {
			return err
		}
		m.send(ctx, s, "Type the assignee's name or email.", nil)
		return nil
	case strings.HasPrefix(data, cbPagePrefix):
		page, err := strconv.Atoi(strings.TrimPrefix(data, cbPagePrefix))
		if err != nil || page < 0 {
			return nil
		}
		members, err := m.records.ListMembers(ctx)
		if err != nil {
			return fmt.Errorf("list members: %w", err)
		}
		s.AssigneePage = page
		if err := m.save(ctx, s); err != nil {
			return err
		}
		m.edit(ctx, s, "Who should this be assigned to?", assigneeKeyboard(members, page))
		return nil
	case strings.HasPrefix(data, cbMemberPrefix):
		id := strings.TrimPrefix(data, cbMemberPrefix)
		members, err := m.records.ListMembers(ctx)
		if err != nil {
			return fmt.Errorf("list members: %w", err)
		}
		for _, member := range members {
			if member.ID == id {
				s.Action.Assignee = &member
				return m.showConfirmation(ctx, s)
			}
		}
		m.send(ctx, s, "That member is no longer in the workspace. Pick again:", assigneeKeyboard(members, s.AssigneePage))
		return nil
	default:
		m.log.Warn("unknown assignee button", "session", s.Key, "data", data)
		return nil
	}
}

// execute runs the confirmed action. Execution failure keeps the session
// in awaiting_confirmation so the user can edit and retry; success resets
// to idle.
func (m *Machine) execute(ctx context.Context, s *types.Session) error {
	s.State = types.StateExecuting
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.send(ctx, s, "Creating...", nil)

	result := m.exec.Execute(ctx, s.Action, s.Instruction, noteContent(s.Messages))
	text := resultText(s.Action, result)
	if !result.Success {
		m.log.Warn("execution failed", "session", s.Key, "intent", s.Action.Intent, "error", result.Error)
		s.State = types.StateAwaitingConfirmation
		if err := m.save(ctx, s); err != nil {
			return err
		}
		m.send(ctx, s, text, confirmationKeyboard(s.Action))
		return nil
	}

	m.log.Info("action executed",
		"session", s.Key,
		"intent", s.Action.Intent,
		"record_id", result.RecordID,
		"prerequisites", len(result.CreatedPrerequisites))
	s.Reset()
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.send(ctx, s, text, nil)
	return nil
}

// noteContent joins the queued messages into the body of the note
// attached to the created record.
func noteContent(messages []types.QueuedMessage) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if msg.From != "" {
			b.WriteString(msg.From + ":\n")
		}
		b.WriteString(msg.Text)
	}
	return b.String()
}

// send delivers a message and persists the new message id so later events,
// which load the session fresh from the store, can still edit it.
func (m *Machine) send(ctx context.Context, s *types.Session, text string, kb *types.Keyboard) {
	id, err := m.transport.SendMessage(ctx, s.ChatID, text, kb)
	if err != nil {
		m.log.Error("send failed", "session", s.Key, "error", err)
		return
	}
	s.LastMessageID = id
	if err := m.save(ctx, s); err != nil {
		m.log.Warn("persisting message id failed", "session", s.Key, "error", err)
	}
}

func (m *Machine) edit(ctx context.Context, s *types.Session, text string, kb *types.Keyboard) {
	if s.LastMessageID == 0 {
		m.send(ctx, s, text, kb)
		return
	}
	if err := m.transport.EditMessage(ctx, s.ChatID, s.LastMessageID, text, kb); err != nil {
		m.log.Warn("edit failed, sending fresh message", "session", s.Key, "error", err)
		m.send(ctx, s, text, kb)
	}
}
