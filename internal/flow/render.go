// internal/flow/render.go
package flow

import (
	"fmt"
	"strings"

	"github.com/user/crmrelay/internal/action"
	"github.com/user/crmrelay/internal/assignee"
	"github.com/user/crmrelay/internal/types"
)

// Callback data values. Telegram caps callback_data at 64 bytes, so every
// payload here is a short tag, optionally with an index or id suffix.
const (
	cbConfirm      = "confirm"
	cbCreateAnyway = "anyway"
	cbClarify      = "clarify"
	cbEdit         = "edit"
	cbCancel       = "cancel"
	cbBack         = "back"
	cbOptionPrefix = "opt:"
	cbFieldPrefix  = "fld:"
	cbMemberPrefix = "asg:"
	cbPagePrefix   = "pg:"
	cbAssigneeText = "asgtext"
)

var intentLabels = map[types.Intent]string{
	types.IntentCreatePerson:  "Create person",
	types.IntentCreateCompany: "Create company",
	types.IntentCreateDeal:    "Create deal",
	types.IntentCreateTask:    "Create task",
	types.IntentAddNote:       "Add note",
	types.IntentAddToList:     "Add to list",
}

func intentLabel(i types.Intent) string {
	if label, ok := intentLabels[i]; ok {
		return label
	}
	return string(i)
}

// confirmationText summarizes the suggested action for the user to review.
func confirmationText(act *types.SuggestedAction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here's what I'll do:\n\n%s", intentLabel(act.Intent))
	if act.Confidence > 0 {
		fmt.Fprintf(&b, " (%.0f%% confident)", act.Confidence*100)
	}
	b.WriteString("\n")

	for _, field := range action.EditableFields(act) {
		b.WriteString(fmt.Sprintf("- %s: %s\n", field, action.FieldValue(act, field)))
	}
	if act.Assignee != nil {
		fmt.Fprintf(&b, "- assignee: %s\n", act.Assignee.Name)
	}
	if len(act.MissingRequired) > 0 {
		fmt.Fprintf(&b, "\nMissing: %s\n", strings.Join(act.MissingRequired, ", "))
	}
	if n := len(act.Clarifications); n > 0 {
		fmt.Fprintf(&b, "\nI have %d question(s) before I'm sure.\n", n)
	}
	return b.String()
}

// confirmationKeyboard renders the review buttons. While clarifications
// are outstanding, plain confirm is withheld; the user either answers them
// or explicitly overrides with "Create anyway".
func confirmationKeyboard(act *types.SuggestedAction) *types.Keyboard {
	kb := &types.Keyboard{}
	if len(act.Clarifications) > 0 {
		kb.Row(
			types.Button{Text: "Answer questions", Data: cbClarify},
			types.Button{Text: "Create anyway", Data: cbCreateAnyway},
		)
	} else {
		kb.Row(types.Button{Text: "Confirm", Data: cbConfirm})
	}
	kb.Row(
		types.Button{Text: "Edit", Data: cbEdit},
		types.Button{Text: "Cancel", Data: cbCancel},
	)
	return kb
}

func clarificationText(c *types.Clarification) string {
	if len(c.Options) > 0 {
		return c.Question + "\n\nPick one or type an answer:"
	}
	return c.Question
}

func clarificationKeyboard(c *types.Clarification) *types.Keyboard {
	kb := &types.Keyboard{}
	for i, opt := range c.Options {
		kb.Row(types.Button{Text: opt, Data: fmt.Sprintf("%s%d", cbOptionPrefix, i)})
	}
	kb.Row(types.Button{Text: "Cancel", Data: cbCancel})
	return kb
}

func editKeyboard(fields []string) *types.Keyboard {
	kb := &types.Keyboard{}
	row := make([]types.Button, 0, 2)
	for _, field := range fields {
		row = append(row, types.Button{Text: field, Data: cbFieldPrefix + field})
		if len(row) == 2 {
			kb.Row(row...)
			row = make([]types.Button, 0, 2)
		}
	}
	if len(row) > 0 {
		kb.Row(row...)
	}
	kb.Row(types.Button{Text: "Back", Data: cbBack})
	return kb
}

// assigneeKeyboard renders one page of workspace members plus navigation.
func assigneeKeyboard(members []types.Member, page int) *types.Keyboard {
	visible, hasPrev, hasNext := assignee.Page(members, page)
	kb := &types.Keyboard{}
	for _, m := range visible {
		kb.Row(types.Button{Text: m.Name, Data: cbMemberPrefix + m.ID})
	}
	var nav []types.Button
	if hasPrev {
		nav = append(nav, types.Button{Text: "< Prev", Data: fmt.Sprintf("%s%d", cbPagePrefix, page-1)})
	}
	if hasNext {
		nav = append(nav, types.Button{Text: "Next >", Data: fmt.Sprintf("%s%d", cbPagePrefix, page+1)})
	}
	if len(nav) > 0 {
		kb.Row(nav...)
	}
	kb.Row(
		types.Button{Text: "Type a name", Data: cbAssigneeText},
		types.Button{Text: "Cancel", Data: cbCancel},
	)
	return kb
}

// resultText renders the outcome of an execution attempt.
func resultText(act *types.SuggestedAction, result *types.ActionResult) string {
	var b strings.Builder
	if result.Success {
		fmt.Fprintf(&b, "Done: %s", intentLabel(act.Intent))
		if result.RecordURL != "" {
			fmt.Fprintf(&b, "\n%s", result.RecordURL)
		}
	} else {
		fmt.Fprintf(&b, "That didn't work: %s", result.Error)
	}
	if len(result.CreatedPrerequisites) > 0 {
		b.WriteString("\n\nAlso created:")
		for _, rec := range result.CreatedPrerequisites {
			fmt.Fprintf(&b, "\n- %s %q", rec.Role, rec.Name)
			if rec.URL != "" {
				fmt.Fprintf(&b, " %s", rec.URL)
			}
		}
	}
	if result.NoteError != "" {
		fmt.Fprintf(&b, "\n\nThe record was created but attaching the note failed: %s", truncate(result.NoteError, 200))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
