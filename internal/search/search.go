// Package search is the in-process inverted-index engine over
// committed resources and events: a writer that promotes fields into
// postings lists, and a reader that runs the query grammar in
// query.go against the live postings (a query running concurrently
// with a write is not isolated from it).
//
// No embedded full-text library exists among the dependencies this
// module draws from (the only "search" hits in the retrieved corpus
// are HTTP clients to an out-of-process Elasticsearch cluster, which
// would trade an embedded engine for a dependency on infrastructure
// this store cannot assume is running). The index is therefore built
// in-process on top of internal/skiplist, the corpus's own
// concurrency-safe ordered-map primitive.
package search

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/eventstore/internal/skiplist"
)

// TypeEvent is the doc type assigned to indexed event documents, as
// opposed to a resource_type for resource documents.
const TypeEvent = "event"

// Doc is one indexed document: either a resource (Type = resource_type)
// or a committed event (Type = TypeEvent).
type Doc struct {
	ID          string
	Type        string
	JSONPayload json.RawMessage
	Timestamp   time.Time
	Involved    []string
	Subject     string
	Pending     bool // true if Involved inheritance from a parent is still unresolved

	terms []string // every posting key this doc is currently filed under, for clean removal
}

func docKey(typ, id string) string {
	return typ + "\x00" + id
}

// Index is the writer+reader pair described by §4.4: one process-wide
// instance, refreshed after each commit, queried concurrently with
// writes.
type Index struct {
	mu    sync.RWMutex
	terms map[string]*skiplist.SkipList[string, string] // term -> postings (docKey -> docKey)
	docs  *skiplist.SkipList[string, Doc]
}

// New returns an empty index.
func New() *Index {
	return &Index{
		terms: make(map[string]*skiplist.SkipList[string, string]),
		docs:  skiplist.NewSkipList[string, Doc](),
	}
}

func (idx *Index) postingList(term string) *skiplist.SkipList[string, string] {
	idx.mu.RLock()
	pl := idx.terms[term]
	idx.mu.RUnlock()
	if pl != nil {
		return pl
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if pl = idx.terms[term]; pl != nil {
		return pl
	}
	pl = skiplist.NewSkipList[string, string]()
	idx.terms[term] = pl
	return pl
}

func addTerm(pl *skiplist.SkipList[string, string], key string) {
	_, _ = pl.Upsert(key, func(k string, _ string, _ bool) (string, error) {
		return k, nil
	})
}

// index files key under every term produced by flattening payload plus
// the structural id/type/involved/subject terms, and records them on
// the returned term list for later removal.
func (idx *Index) index(key string, d Doc) []string {
	var terms []string
	file := func(term string) {
		addTerm(idx.postingList(term), key)
		terms = append(terms, term)
	}

	file(fieldTerm("id", d.ID))
	file(fieldTerm("type", d.Type))
	if d.Subject != "" {
		file(fieldTerm("subject", d.Subject))
	}
	for _, user := range d.Involved {
		file(fieldTerm("involved", user))
	}

	flattened := map[string]string{}
	flatten("json_payload", toAny(d.JSONPayload), flattened)
	for path, value := range flattened {
		file(fieldTerm(path, value))
		for _, word := range tokenize(value) {
			file(word)
		}
	}
	return terms
}

func fieldTerm(field, value string) string {
	return strings.ToLower(field) + ":" + strings.ToLower(value)
}

func toAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

// flatten walks a decoded JSON value, recording dotted-path -> string
// value pairs usable as json_payload.<path>:<value> field terms.
func flatten(prefix string, v any, out map[string]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			flatten(prefix+"."+k, child, out)
		}
	case []any:
		for _, child := range val {
			flatten(prefix, child, out)
		}
	case string:
		out[prefix] = val
	case float64:
		out[prefix] = strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		out[prefix] = strconv.FormatBool(val)
	case nil:
		// absent value, nothing to index
	}
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '@' || r == '.' || r == '_' || r == '-')
	})
	return fields
}

// removeDoc drops key from every posting list it was filed under and
// from the document store itself.
func (idx *Index) removeDoc(key string) {
	if existing, found := idx.docs.Find(key); found {
		for _, term := range existing.terms {
			idx.postingList(term).Remove(key)
		}
	}
	idx.docs.Remove(key)
}

// IndexResource upserts a resource document. involved is the fully
// resolved (including parent-inherited) involved set; if it's empty
// because the parent issue hasn't been indexed yet, pass pending=true
// so the document is indexed but excluded from the involved postings
// until ResolveChildren runs.
func (idx *Index) IndexResource(id, resourceType string, body json.RawMessage, involved []string, subject string, pending bool, ts time.Time) error {
	key := docKey(resourceType, id)
	idx.removeDoc(key)

	d := Doc{ID: id, Type: resourceType, JSONPayload: body, Timestamp: ts, Involved: involved, Subject: subject, Pending: pending}
	d.terms = idx.index(key, d)

	_, err := idx.docs.Upsert(key, func(_ string, _ Doc, _ bool) (Doc, error) {
		return d, nil
	})
	return err
}

// IndexEvent upserts the event document for a committed log entry.
// involved is promoted from the same source as the resource's.
func (idx *Index) IndexEvent(id string, body json.RawMessage, involved []string, subject string, ts time.Time) error {
	key := docKey(TypeEvent, id)
	idx.removeDoc(key)

	d := Doc{ID: id, Type: TypeEvent, JSONPayload: body, Timestamp: ts, Involved: involved, Subject: subject}
	d.terms = idx.index(key, d)

	_, err := idx.docs.Upsert(key, func(_ string, _ Doc, _ bool) (Doc, error) {
		return d, nil
	})
	return err
}

// DeleteResource removes a resource document (but never the event
// documents referencing it) when its backing resource is tombstoned.
func (idx *Index) DeleteResource(resourceType, id string) {
	idx.removeDoc(docKey(resourceType, id))
}

// Reset drops every indexed document and posting list, the search
// half of a system.reset (spec.md §7: "clears the resource table and
// index"). Event documents are dropped along with resource documents:
// a reset clears the index wholesale, and nothing re-indexes the
// retained event log afterwards.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.terms = make(map[string]*skiplist.SkipList[string, string])
	idx.docs = skiplist.NewSkipList[string, Doc]()
}

// ResolveChildren re-derives the Involved set of every pending child
// document whose Subject is parentID, now that the parent's own
// involved set is known. This is the reindex pass §9 describes for
// children indexed before their parent existed. The postings map has
// no dedicated key-listing operation, so this walks the document
// store directly and filters by Subject; acceptable at the scale this
// store targets.
func (idx *Index) ResolveChildren(parentID string, parentInvolved []string) error {
	all, err := idx.docs.Query(context.Background(), "", "")
	if err != nil {
		return err
	}
	for _, d := range all {
		if d.Subject != parentID || !d.Pending {
			continue
		}
		key := docKey(d.Type, d.ID)
		d.Involved = parentInvolved
		d.Pending = false
		idx.removeDoc(key)
		d.terms = idx.index(key, d)
		if _, err := idx.docs.Upsert(key, func(_ string, _ Doc, _ bool) (Doc, error) {
			return d, nil
		}); err != nil {
			return err
		}
	}
	return nil
}
