// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionKey string
type RunID string

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// NewSessionKey joins parts into a colon-separated key,
// e.g. "telegram:<chat>:<user>".
func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}
