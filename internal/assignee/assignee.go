// Package assignee resolves a task assignee from free text or a paginated
// member list. "me" (and empty input, when permitted) substitutes the
// caller's identity before matching.
package assignee

import (
	"strings"

	"github.com/user/crmrelay/internal/search"
	"github.com/user/crmrelay/internal/types"
)

// PageSize is how many members one selection keyboard page shows.
const PageSize = 5

// minScore is the word-level similarity a member must reach when no exact
// or substring match exists.
const minScore = 0.6

// Resolve finds the workspace member the token refers to. Returns nil when
// nothing matches confidently enough.
func Resolve(token string, caller types.CallerInfo, members []types.Member, defaultToCaller bool) *types.Member {
	token = strings.TrimSpace(token)
	if token == "" || strings.EqualFold(token, "me") {
		if !defaultToCaller {
			return nil
		}
		if m := matchCaller(caller, members); m != nil {
			return m
		}
		return nil
	}
	return match(token, members)
}

// matchCaller maps the chat caller onto a workspace member by display name
// or username.
func matchCaller(caller types.CallerInfo, members []types.Member) *types.Member {
	if m := match(caller.DisplayName, members); m != nil {
		return m
	}
	if caller.Username != "" {
		return match(caller.Username, members)
	}
	return nil
}

// match runs exact, substring, then word-score matching over members.
func match(token string, members []types.Member) *types.Member {
	token = strings.ToLower(strings.TrimSpace(token))
	if token == "" {
		return nil
	}

	for i := range members {
		if strings.ToLower(members[i].Name) == token || strings.ToLower(members[i].Email) == token {
			return &members[i]
		}
	}

	for i := range members {
		name := strings.ToLower(members[i].Name)
		email := strings.ToLower(members[i].Email)
		if strings.Contains(name, token) || (email != "" && strings.HasPrefix(email, token)) {
			return &members[i]
		}
	}

	var best *types.Member
	bestScore := 0.0
	for i := range members {
		score := search.WordScore(token, strings.ToLower(members[i].Name))
		if score > bestScore {
			bestScore = score
			best = &members[i]
		}
	}
	if bestScore >= minScore {
		return best
	}
	return nil
}

// Page returns the members visible on the given zero-based page, plus
// whether previous/next pages exist.
func Page(members []types.Member, page int) (visible []types.Member, hasPrev, hasNext bool) {
	if page < 0 {
		page = 0
	}
	start := page * PageSize
	if start >= len(members) {
		return nil, page > 0, false
	}
	end := start + PageSize
	if end > len(members) {
		end = len(members)
	}
	return members[start:end], page > 0, end < len(members)
}
