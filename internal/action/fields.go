// internal/action/fields.go
package action

import (
	"fmt"
	"strings"

	"github.com/user/crmrelay/internal/types"
)

// fieldSynonyms maps a canonical field name to the extracted-data keys the
// classifier is known to emit for it, in priority order.
var fieldSynonyms = map[string][]string{
	"name":     {"name", "full_name", "title"},
	"company":  {"company", "company_name", "organization", "org"},
	"person":   {"person", "person_name", "contact", "contact_name"},
	"deadline": {"deadline_at", "due_date", "deadline", "due"},
	"email":    {"email", "email_address"},
	"phone":    {"phone", "phone_number"},
	"domain":   {"domain", "website", "url"},
	"content":  {"content", "task", "description", "text", "body"},
	"value":    {"value", "amount", "deal_value"},
	"stage":    {"stage", "status", "deal_stage"},
	"record":   {"record_id", "target_record_id", "linked_record_id"},
	"list":     {"list_id", "list"},
}

// stringField resolves a canonical field from extracted data through its
// synonym keys, first non-empty string wins.
func stringField(extracted map[string]any, field string) string {
	keys, ok := fieldSynonyms[field]
	if !ok {
		keys = []string{field}
	}
	for _, key := range keys {
		if v, ok := extracted[key]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// rawField resolves a canonical field to its raw value, first non-nil wins.
func rawField(extracted map[string]any, field string) any {
	keys, ok := fieldSynonyms[field]
	if !ok {
		keys = []string{field}
	}
	for _, key := range keys {
		if v, ok := extracted[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// moneyField resolves a structured money value. The classifier emits
// either {"amount", "currency"} or a bare number.
func moneyField(extracted map[string]any, field string) *types.Money {
	v := rawField(extracted, field)
	switch m := v.(type) {
	case map[string]any:
		money := &types.Money{}
		if amt, ok := m["amount"].(float64); ok {
			money.Amount = amt
		}
		if cur, ok := m["currency"].(string); ok {
			money.Currency = cur
		}
		if money.Amount != 0 || money.Currency != "" {
			return money
		}
	case float64:
		return &types.Money{Amount: m, Currency: "USD"}
	}
	return nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	default:
		return ""
	}
}

// EditableFields lists the canonical fields present in the action's
// extracted data, in a stable order, for the edit keyboard.
func EditableFields(action *types.SuggestedAction) []string {
	var fields []string
	seen := make(map[string]bool)
	for _, canonical := range []string{"name", "company", "person", "email", "phone", "domain", "content", "deadline", "value", "stage", "list"} {
		if seen[canonical] {
			continue
		}
		if stringField(action.Extracted, canonical) != "" || rawField(action.Extracted, canonical) != nil {
			seen[canonical] = true
			fields = append(fields, canonical)
		}
	}
	return fields
}

// FieldValue renders a canonical field's current value for display.
func FieldValue(action *types.SuggestedAction, field string) string {
	if field == "value" {
		if money := moneyField(action.Extracted, field); money != nil {
			return fmt.Sprintf("%g %s", money.Amount, money.Currency)
		}
	}
	return stringField(action.Extracted, field)
}

// SetField writes a value under the field's primary synonym key.
func SetField(action *types.SuggestedAction, field string, value any) {
	if action.Extracted == nil {
		action.Extracted = make(map[string]any)
	}
	keys, ok := fieldSynonyms[field]
	if ok {
		// Clear stale synonyms so the new value wins the priority lookup.
		for _, key := range keys {
			delete(action.Extracted, key)
		}
		action.Extracted[keys[0]] = value
		return
	}
	action.Extracted[field] = value
}
