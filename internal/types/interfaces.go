// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

// SessionStore persists sessions in an external key-value store keyed by
// (chat, user). Entries expire after a bounded idle period; Save refreshes
// the expiry.
type SessionStore interface {
	Load(ctx context.Context, key SessionKey) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, key SessionKey) error
	Keys(ctx context.Context) ([]SessionKey, error)
}

// Classifier turns forwarded messages plus an instruction into a suggested
// action, and refines a previous suggestion from a user reply. It must
// always return a syntactically valid SuggestedAction: closed intent enum,
// confidence in [0,1].
type Classifier interface {
	Classify(ctx context.Context, messages []QueuedMessage, instruction string) (*SuggestedAction, error)
	Reclassify(ctx context.Context, prev *SuggestedAction, field, reply string) (*SuggestedAction, error)
}

// RecordStore exposes the CRM's primitive record operations. None of them
// deduplicate; callers search before creating when they need idempotency.
type RecordStore interface {
	CreateRecord(ctx context.Context, objectType string, values map[string]any) (*RecordRef, error)
	CreateNote(ctx context.Context, parentType, parentID, title, content string) (string, error)
	AddListEntry(ctx context.Context, listID, recordID string) (string, error)
	Search(ctx context.Context, objectType, query string) ([]SearchResult, error)
	ListMembers(ctx context.Context) ([]Member, error)
	RecordURL(objectType, id string) string
}

// Executor runs a confirmed suggested action against the CRM.
type Executor interface {
	Execute(ctx context.Context, action *SuggestedAction, instruction, noteContent string) *ActionResult
}

// Transport sends and edits chat messages. The state machine never talks
// to the chat platform directly.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb *Keyboard) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, kb *Keyboard) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Cache is a process-wide get-or-refresh cache with per-entry TTL.
// Injectable so tests control staleness deterministically.
type Cache interface {
	GetOrRefresh(ctx context.Context, key string, ttl time.Duration, refresh func(ctx context.Context) (any, error)) (any, error)
	Invalidate(key string)
}
