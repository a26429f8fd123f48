// Package classifier invokes the LLM to turn forwarded messages plus an
// instruction into a SuggestedAction. The model is treated as an opaque
// collaborator with a fixed JSON contract; everything returned is validated
// and normalized before the state machine sees it.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/crmrelay/internal/crm"
	"github.com/user/crmrelay/internal/types"
	"github.com/user/crmrelay/pkg/llm"
)

// SchemaSource supplies CRM schema context for the prompt.
type SchemaSource interface {
	Schema(ctx context.Context, objectType string) ([]crm.Attribute, error)
	DealStages(ctx context.Context) ([]string, error)
}

// Classifier builds token-budgeted prompts and parses model output.
type Classifier struct {
	provider  llm.Provider
	schemas   SchemaSource
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	log       *slog.Logger
}

// New creates a Classifier. model selects the tokenizer; maxTokens is the
// model's context window and reserve is held back for the response.
func New(provider llm.Provider, schemas SchemaSource, model string, maxTokens, reserve int) (*Classifier, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Classifier{
		provider:  provider,
		schemas:   schemas,
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		log:       slog.Default(),
	}, nil
}

func (c *Classifier) countTokens(text string) int {
	return len(c.tokenizer.Encode(text, nil, nil))
}

// Classify turns the queued messages plus instruction into a suggested
// action.
func (c *Classifier) Classify(ctx context.Context, messages []types.QueuedMessage, instruction string) (*types.SuggestedAction, error) {
	system := c.systemPrompt(ctx)
	user := c.userPrompt(messages, instruction, c.maxTokens-c.reserve-c.countTokens(system))

	resp, err := c.provider.CompleteJSON(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	return parseAction(resp.Content)
}

// Reclassify refines a previous suggestion given the user's free-text
// reply about one field. The model may update the field, change the intent
// entirely, or raise new clarifications.
func (c *Classifier) Reclassify(ctx context.Context, prev *types.SuggestedAction, field, reply string) (*types.SuggestedAction, error) {
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return nil, fmt.Errorf("marshal previous action: %w", err)
	}

	var b strings.Builder
	b.WriteString("Previous suggested action:\n")
	b.Write(prevJSON)
	b.WriteString("\n\nThe user was asked about the field ")
	fmt.Fprintf(&b, "%q and replied:\n%s\n", field, reply)
	b.WriteString("\nReturn the updated action as JSON in the same shape. ")
	b.WriteString("Keep fields you have no reason to change. The reply may ")
	b.WriteString("also change the intent entirely or raise new clarifications.")

	resp, err := c.provider.CompleteJSON(ctx, []llm.Message{
		{Role: "system", Content: c.systemPrompt(ctx)},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("reclassify: %w", err)
	}
	return parseAction(resp.Content)
}

// userPrompt renders the message queue and instruction, trimming the
// oldest messages when the token budget would overflow.
func (c *Classifier) userPrompt(messages []types.QueuedMessage, instruction string, budget int) string {
	header := "Forwarded messages, oldest first:\n"
	footer := fmt.Sprintf("\nInstruction: %s\n", instruction)
	used := c.countTokens(header) + c.countTokens(footer)

	rendered := make([]string, len(messages))
	for i, msg := range messages {
		line := msg.Text
		if msg.From != "" {
			line = fmt.Sprintf("[%s] %s", msg.From, msg.Text)
		}
		rendered[i] = line
	}

	// Walk newest-first so the most recent context survives trimming.
	start := len(rendered)
	for i := len(rendered) - 1; i >= 0; i-- {
		cost := c.countTokens(rendered[i]) + 1
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	if start > 0 && len(rendered) > 0 {
		c.log.Warn("trimming forwarded messages to fit context", "dropped", start, "total", len(rendered))
	}

	var b strings.Builder
	b.WriteString(header)
	for _, line := range rendered[start:] {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(footer)
	return b.String()
}

// parseAction decodes model output into a validated SuggestedAction.
func parseAction(content string) (*types.SuggestedAction, error) {
	content = stripCodeFences(content)

	var wire wireAction
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return nil, fmt.Errorf("parse classifier output: %w", err)
	}

	intent := types.Intent(wire.Intent)
	if !types.KnownIntent(intent) {
		return nil, fmt.Errorf("classifier returned unknown intent %q", wire.Intent)
	}

	confidence := wire.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	action := &types.SuggestedAction{
		Intent:          intent,
		Confidence:      confidence,
		TargetObject:    wire.TargetObject,
		TargetListID:    wire.TargetListID,
		Extracted:       wire.ExtractedData,
		MissingRequired: wire.MissingRequired,
		NoteTitle:       wire.NoteTitle,
	}
	if action.Extracted == nil {
		action.Extracted = make(map[string]any)
	}

	for _, cl := range wire.Clarifications {
		reason := types.ClarifyReason(cl.Reason)
		switch reason {
		case types.ClarifyMissing, types.ClarifyAmbiguous, types.ClarifyMultipleMatches, types.ClarifyNotFound:
		default:
			reason = types.ClarifyMissing
		}
		action.Clarifications = append(action.Clarifications, types.Clarification{
			Field:    cl.Field,
			Question: cl.Question,
			Options:  cl.Options,
			Reason:   reason,
		})
	}

	for _, p := range wire.Prerequisites {
		pi := types.Intent(p.Intent)
		// Only record-creation intents are valid prerequisites.
		if pi != types.IntentCreateCompany && pi != types.IntentCreatePerson {
			continue
		}
		action.Prerequisites = append(action.Prerequisites, types.PrerequisiteAction{
			Intent:    pi,
			Extracted: p.ExtractedData,
		})
	}

	return action, nil
}

// wireAction is the classifier's JSON contract.
type wireAction struct {
	Intent          string              `json:"intent"`
	Confidence      float64             `json:"confidence"`
	TargetObject    string              `json:"target_object"`
	TargetListID    string              `json:"target_list_id"`
	ExtractedData   map[string]any      `json:"extracted_data"`
	MissingRequired []string            `json:"missing_required"`
	Clarifications  []wireClarification `json:"clarifications_needed"`
	Prerequisites   []wirePrerequisite  `json:"prerequisite_actions"`
	NoteTitle       string              `json:"note_title"`
}

type wireClarification struct {
	Field    string   `json:"field"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Reason   string   `json:"reason"`
}

type wirePrerequisite struct {
	Intent        string         `json:"intent"`
	ExtractedData map[string]any `json:"extracted_data"`
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
