// internal/classifier/prompt.go
package classifier

import (
	"context"
	"fmt"
	"strings"
)

// systemPrompt describes the classification contract, enriched with the
// CRM's live schema and deal stages when available. Schema fetch failures
// degrade to a generic prompt rather than failing the classification.
func (c *Classifier) systemPrompt(ctx context.Context) string {
	var b strings.Builder
	b.WriteString(`You convert forwarded chat messages plus a short instruction into one CRM write.

Respond with a single JSON object:
{
  "intent": one of "create-person", "create-company", "create-deal", "create-task", "add-note", "add-to-list",
  "confidence": number between 0 and 1,
  "target_object": object type the write targets,
  "target_list_id": list id for add-to-list, else omit,
  "extracted_data": map of field name to value; money values as {"amount": number, "currency": string},
  "missing_required": field names you could not extract,
  "clarifications_needed": [{"field", "question", "options", "reason"}] with reason one of "missing", "ambiguous", "multiple_matches", "not_found",
  "prerequisite_actions": [{"intent", "extracted_data"}] limited to create-company and create-person,
  "note_title": short title for the note holding the original messages
}

Rules:
- Ask a clarification instead of guessing when a field is ambiguous.
- When the main record references a company or person that must exist first, add it to prerequisite_actions.
- Do not attempt date arithmetic; copy date phrases verbatim into extracted_data.
`)

	if c.schemas == nil {
		return b.String()
	}

	for _, object := range []string{"people", "companies", "deals", "tasks"} {
		attrs, err := c.schemas.Schema(ctx, object)
		if err != nil {
			c.log.Warn("schema unavailable for prompt", "object", object, "error", err)
			continue
		}
		if len(attrs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\nFields for %s:", object)
		for _, attr := range attrs {
			fmt.Fprintf(&b, " %s", attr.Slug)
			if attr.Required {
				b.WriteString("(required)")
			}
		}
	}

	if stages, err := c.schemas.DealStages(ctx); err == nil && len(stages) > 0 {
		fmt.Fprintf(&b, "\nValid deal stages: %s", strings.Join(stages, ", "))
	}

	return b.String()
}
