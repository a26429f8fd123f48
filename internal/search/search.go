// Package search maps free-text mentions ("p2p", "Acme Inc") to existing
// CRM records. The CRM's full-text search is strict about tokens, so short
// or domain-like queries would return nothing or noise; the resolver
// progressively widens the query while re-applying a relevance filter to
// compensate.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/crmrelay/internal/types"
)

// minWordScore is the word-level similarity a candidate must reach when it
// does not pass the substring check.
const minWordScore = 0.8

// commonTLDs are appended to short queries that look like they could be a
// domain fragment.
var commonTLDs = []string{".com", ".org", ".io", ".xyz", ".co"}

// legalSuffixes are trailing company-name tokens stripped before scoring.
var legalSuffixes = map[string]bool{
	"inc": true, "llc": true, "corp": true, "ltd": true,
	"co": true, "company": true, "corporation": true, "gmbh": true,
}

// Searcher is the record-search primitive the resolver widens over.
type Searcher interface {
	Search(ctx context.Context, objectType, query string) ([]types.SearchResult, error)
}

// Resolver runs the fallback search ladder against a Searcher.
type Resolver struct {
	store Searcher
	log   *slog.Logger
}

// New creates a Resolver over the given search primitive.
func New(store Searcher) *Resolver {
	return &Resolver{store: store, log: slog.Default()}
}

// Search returns records relevant to query, ordered by decreasing
// relevance and deduplicated by id. Strategies are applied in order,
// stopping at the first non-empty relevant result set.
func (r *Resolver) Search(ctx context.Context, objectType, query string) ([]types.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	// 1. Exact query, relevance-filtered.
	results, err := r.query(ctx, objectType, query, query)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		return results, nil
	}

	// 2. Retry with legal suffixes stripped, when that changes the query.
	stripped := StripLegalSuffixes(query)
	if stripped != query && stripped != "" {
		results, err = r.query(ctx, objectType, stripped, stripped)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			return results, nil
		}
	}

	// 3. Short queries are often domain fragments: retry with common TLDs
	// appended, merging and deduplicating across attempts.
	if isShortToken(stripped, 2, 10) {
		var merged []types.SearchResult
		seen := make(map[string]bool)
		for _, tld := range commonTLDs {
			widened, err := r.query(ctx, objectType, stripped+tld, stripped)
			if err != nil {
				return nil, fmt.Errorf("widened search %q: %w", stripped+tld, err)
			}
			for _, res := range widened {
				if !seen[res.ID] {
					seen[res.ID] = true
					merged = append(merged, res)
				}
			}
		}
		if len(merged) > 0 {
			return merged, nil
		}
	}

	// 4. Still nothing for a very short query: broaden to its first few
	// characters and re-filter against the full stripped query.
	if isShortToken(stripped, 2, 6) {
		prefix := stripped
		if len(prefix) > 3 {
			prefix = prefix[:3]
		}
		results, err = r.query(ctx, objectType, prefix, stripped)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			return results, nil
		}
	}

	r.log.Debug("search exhausted all strategies", "object", objectType, "query", query)
	return nil, nil
}

// query runs one search call and keeps only results relevant to filterQuery.
func (r *Resolver) query(ctx context.Context, objectType, searchQuery, filterQuery string) ([]types.SearchResult, error) {
	raw, err := r.store.Search(ctx, objectType, searchQuery)
	if err != nil {
		return nil, fmt.Errorf("search %s %q: %w", objectType, searchQuery, err)
	}
	return filterRelevant(raw, filterQuery), nil
}

// filterRelevant keeps results passing the relevance check, ordered by
// decreasing score and deduplicated by id.
func filterRelevant(results []types.SearchResult, query string) []types.SearchResult {
	type scored struct {
		res   types.SearchResult
		score float64
	}
	stripped := strings.ToLower(StripLegalSuffixes(query))

	var kept []scored
	seen := make(map[string]bool)
	for _, res := range results {
		if seen[res.ID] {
			continue
		}
		score, ok := relevance(res, stripped)
		if !ok {
			continue
		}
		seen[res.ID] = true
		kept = append(kept, scored{res: res, score: score})
	}

	// Insertion sort keeps the provider's ordering among equal scores.
	for i := 1; i < len(kept); i++ {
		for j := i; j > 0 && kept[j].score > kept[j-1].score; j-- {
			kept[j], kept[j-1] = kept[j-1], kept[j]
		}
	}

	out := make([]types.SearchResult, 0, len(kept))
	for _, s := range kept {
		out = append(out, s.res)
	}
	return out
}

// relevance scores a candidate against the suffix-stripped query. A
// substring hit on the name or secondary label is a full match; otherwise
// the word-level score must clear minWordScore.
func relevance(res types.SearchResult, stripped string) (float64, bool) {
	name := strings.ToLower(res.Name)
	secondary := strings.ToLower(res.Secondary)
	if stripped != "" && (strings.Contains(name, stripped) || strings.Contains(secondary, stripped)) {
		return 1.0, true
	}
	score := WordScore(stripped, name)
	if score >= minWordScore {
		return score, true
	}
	return 0, false
}

// WordScore is the mean over query words of the best per-word similarity
// against the candidate's words, in [0,1].
func WordScore(query, candidate string) float64 {
	qWords := strings.Fields(query)
	cWords := strings.Fields(candidate)
	if len(qWords) == 0 || len(cWords) == 0 {
		return 0
	}
	var total float64
	for _, qw := range qWords {
		best := 0.0
		for _, cw := range cWords {
			if s := wordSimilarity(qw, cw); s > best {
				best = s
			}
		}
		total += best
	}
	return total / float64(len(qWords))
}

// wordSimilarity compares two lowercase words by shared prefix length.
func wordSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	return float64(prefix) / float64(longest)
}

// StripLegalSuffixes removes trailing legal-entity tokens ("Inc", "LLC",
// "Corp", ...) and trailing punctuation from a company query.
func StripLegalSuffixes(query string) string {
	words := strings.Fields(query)
	for len(words) > 0 {
		last := strings.ToLower(strings.Trim(words[len(words)-1], ".,"))
		if !legalSuffixes[last] {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.TrimRight(strings.Join(words, " "), ".,")
}

// isShortToken reports whether s is a single token of min..max
// alphanumeric characters.
func isShortToken(s string, min, max int) bool {
	if len(s) < min || len(s) > max {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
