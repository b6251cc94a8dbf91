package search

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

// DefaultLimit and MaxLimit bound a query's result size per §4.4.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// topLevelFields are the schema fields queryable without the
// json_payload prefix; anything else is translated to
// json_payload.<key>.
var topLevelFields = map[string]bool{
	"id": true, "type": true, "timestamp": true, "involved": true, "subject": true,
}

// Result is one ranked hit returned by Search.
type Result struct {
	ID      string          `json:"id"`
	DocType string          `json:"doc_type"`
	Content json.RawMessage `json:"content"`
	Score   float64         `json:"score"`
}

// clause is one AND-ed query term: a field:value posting lookup, or a
// bare free-text word.
type clause struct {
	term string
}

// parseQuery tokenizes raw (honoring double-quoted phrases), applies
// the is:/assignee:me translations, and folds unknown keys under
// json_payload. An empty or "*" query yields no clauses (match-all,
// still subject to the mandatory authorization clause).
func parseQuery(raw, userID string) []clause {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil
	}

	var clauses []clause
	for _, tok := range tokenizeQuery(raw) {
		clauses = append(clauses, clause{term: translateToken(tok, userID)})
	}
	return clauses
}

// tokenizeQuery splits on whitespace but keeps "quoted phrases" intact
// as one token (quotes stripped).
func tokenizeQuery(raw string) []string {
	var tokens []string
	var b strings.Builder
	inQuotes := false
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func translateToken(tok, userID string) string {
	idx := strings.Index(tok, ":")
	if idx < 0 {
		return strings.ToLower(tok)
	}

	field := strings.ToLower(tok[:idx])
	value := tok[idx+1:]

	switch field {
	case "is":
		return fieldTerm("type", value)
	case "assignee":
		if value == "me" {
			return fieldTerm("json_payload.assignee", userID)
		}
		return fieldTerm("json_payload.assignee", value)
	default:
		if topLevelFields[field] {
			return fieldTerm(field, value)
		}
		return fieldTerm("json_payload."+field, value)
	}
}

// Search runs query against the index, intersected with the mandatory
// `involved:<userID>` authorization clause, and returns up to limit
// ranked results (0 or negative limit uses DefaultLimit; anything
// above MaxLimit is clamped).
func (idx *Index) Search(query, userID string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	clauses := parseQuery(query, userID)
	authClause := fieldTerm("involved", userID)

	candidateKeys, err := idx.matchKeys(authClause)
	if err != nil {
		return nil, err
	}

	for _, c := range clauses {
		next, err := idx.matchKeys(c.term)
		if err != nil {
			return nil, err
		}
		candidateKeys = intersect(candidateKeys, next)
		if len(candidateKeys) == 0 {
			break
		}
	}

	results := make([]Result, 0, len(candidateKeys))
	for key := range candidateKeys {
		d, found := idx.docs.Find(key)
		if !found || d.Pending {
			continue
		}
		results = append(results, Result{
			ID:      d.ID,
			DocType: d.Type,
			Content: d.JSONPayload,
			Score:   float64(len(clauses) + 1),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// matchKeys returns the set of document keys filed under term. A term
// that was never indexed yields an empty set, not an error.
func (idx *Index) matchKeys(term string) (map[string]struct{}, error) {
	pl := idx.postingList(term)
	keys, err := pl.Query(context.Background(), "", "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out, nil
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	if len(a) > len(b) {
		a, b = b, a
	}
	out := make(map[string]struct{}, len(a))
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}
