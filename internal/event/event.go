// Package event defines the CloudEvent envelope and JSONCommit payload
// this store ingests, validates, and persists, and the log entry shape
// derived from a committed envelope.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// SpecVersion is the only CloudEvents spec version this store accepts.
const SpecVersion = "1.0"

// TypeCommit is the current, semantically meaningful envelope type.
const TypeCommit = "json.commit"

// TypeCommitLegacy is accepted on ingest for backwards compatibility but
// never emitted.
const TypeCommitLegacy = "nl.vng.zaken.json-commit.v1"

// TypeSystemReset is reserved for operator-triggered global refresh.
const TypeSystemReset = "system.reset"

// JSONCommit is the data payload of a "json.commit" CloudEvent: it
// encodes a create, merge-patch update, or delete of exactly one
// resource.
type JSONCommit struct {
	Schema       string          `json:"schema,omitempty"`
	ResourceID   string          `json:"resource_id"`
	Actor        string          `json:"actor,omitempty"`
	ResourceData json.RawMessage `json:"resource_data,omitempty"`
	Patch        json.RawMessage `json:"patch,omitempty"`
	Deleted      bool            `json:"deleted,omitempty"`

	// ItemID/ItemData are the historical field names, accepted on ingest
	// only; Normalize folds them into ResourceID/ResourceData and clears
	// them so nothing downstream ever sees the legacy names again.
	ItemID   string          `json:"item_id,omitempty"`
	ItemData json.RawMessage `json:"item_data,omitempty"`
}

// Normalize folds legacy field names into their modern equivalents.
func (c *JSONCommit) Normalize() {
	if c.ResourceID == "" && c.ItemID != "" {
		c.ResourceID = c.ItemID
	}
	if len(c.ResourceData) == 0 && len(c.ItemData) > 0 {
		c.ResourceData = c.ItemData
	}
	c.ItemID = ""
	c.ItemData = nil
}

// HasPayload reports whether exactly one of resource_data, patch, or
// deleted is present, per spec: a commit with none of these is rejected,
// and a commit with more than one is rejected.
func (c *JSONCommit) HasPayload() (ok bool, count int) {
	if len(c.ResourceData) > 0 {
		count++
	}
	if len(c.Patch) > 0 {
		count++
	}
	if c.Deleted {
		count++
	}
	return count == 1, count
}

// childResourceTypes inherit their involved set from the parent issue
// named by their envelope subject (§5, §9) when their own body carries
// none.
var childResourceTypes = map[string]bool{
	"comment":  true,
	"task":     true,
	"planning": true,
	"document": true,
}

// IsChildResourceType reports whether resourceType inherits involved
// visibility from a parent issue via the subject linkage.
func IsChildResourceType(resourceType string) bool {
	return childResourceTypes[resourceType]
}

// InvolvedFromBody extracts the involved[] field from a resource body,
// or nil if absent or the body isn't a JSON object.
func InvolvedFromBody(body json.RawMessage) []string {
	if len(body) == 0 {
		return nil
	}
	var shape struct {
		Involved []string `json:"involved"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil
	}
	return shape.Involved
}

// ResourceInvolved resolves the effective involved set for a resource
// body per §5/§9: the body's own involved[] field, or — for
// comment|task|planning|document bodies that carry none — the parent
// issue's involved set, looked up via fetchParent(subject). Returns
// nil with ok=false if a child's parent can't be resolved yet (the
// caller should treat the resource as not-yet-visible).
func ResourceInvolved(resourceType, subject string, body json.RawMessage, fetchParent func(id string) (json.RawMessage, bool)) (involved []string, ok bool) {
	own := InvolvedFromBody(body)
	if len(own) > 0 || !IsChildResourceType(resourceType) || subject == "" {
		return own, true
	}
	if fetchParent == nil {
		return nil, false
	}
	parentBody, found := fetchParent(subject)
	if !found {
		return nil, false
	}
	return InvolvedFromBody(parentBody), true
}

// ResourceType derives the resource type from the commit's schema URL
// (final path segment, lowercased) or, failing that, from the prefix of
// subject before the first '/'.
func ResourceType(schema, subject string) string {
	if schema != "" {
		trimmed := strings.TrimRight(schema, "/")
		if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx+1 < len(trimmed) {
			return strings.ToLower(trimmed[idx+1:])
		}
	}
	if idx := strings.Index(subject, "/"); idx > 0 {
		return strings.ToLower(subject[:idx])
	}
	return ""
}

// Envelope wraps the CloudEvents SDK event type with the fields and
// validation this store's wire contract requires.
type Envelope struct {
	cloudevents.Event
}

// New builds an empty envelope with SpecVersion 1.0 set.
func New() Envelope {
	return Envelope{Event: cloudevents.NewEvent()}
}

// Validate checks the envelope fields spec.md §4.3 step 1 requires,
// normalizing Time to now when absent.
func (e *Envelope) Validate() error {
	if e.SpecVersion() != SpecVersion {
		return fmt.Errorf("unsupported specversion %q", e.SpecVersion())
	}
	if e.ID() == "" {
		return fmt.Errorf("missing id")
	}
	if e.Type() == "" {
		return fmt.Errorf("missing type")
	}
	if e.Time().IsZero() {
		e.SetTime(time.Now().UTC())
	}
	return nil
}

// IsCommit reports whether the envelope's type is one of the accepted
// commit discriminators (current or legacy).
func (e *Envelope) IsCommit() bool {
	t := e.Type()
	return t == TypeCommit || t == TypeCommitLegacy
}

// Commit unmarshals and normalizes the envelope's data payload as a
// JSONCommit.
func (e *Envelope) Commit() (JSONCommit, error) {
	var c JSONCommit
	if err := e.DataAs(&c); err != nil {
		return c, fmt.Errorf("decode json commit: %w", err)
	}
	c.Normalize()
	return c, nil
}

// SetCommit marshals c as the envelope's JSON data payload.
func (e *Envelope) SetCommit(c JSONCommit) error {
	return e.SetData(cloudevents.ApplicationJSON, c)
}

// LogEntry is the durable, ordered representation of one committed
// event: the envelope fields plus the assigned sequence.
type LogEntry struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Source   string          `json:"source"`
	Subject  string          `json:"subject"`
	Time     time.Time       `json:"time"`
	Sequence uint64          `json:"sequence"`
	Data     json.RawMessage `json:"data"`
}

// FromEnvelope builds a LogEntry from a validated envelope and assigned
// sequence number.
func FromEnvelope(e Envelope, sequence uint64) (LogEntry, error) {
	raw := e.Data()
	return LogEntry{
		ID:       e.ID(),
		Type:     e.Type(),
		Source:   e.Source(),
		Subject:  e.Subject(),
		Time:     e.Time(),
		Sequence: sequence,
		Data:     append(json.RawMessage(nil), raw...),
	}, nil
}

// Commit decodes the entry's data as a JSONCommit.
func (le LogEntry) Commit() (JSONCommit, error) {
	var c JSONCommit
	if len(le.Data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(le.Data, &c); err != nil {
		return c, fmt.Errorf("decode log entry data: %w", err)
	}
	c.Normalize()
	return c, nil
}
