// Package commit implements the ten-step commit pipeline (§4.3):
// validate, authorize, derive the resource type, apply the patch,
// assign a sequence, persist, index, and broadcast — one serialized
// critical section per commit.
//
// Apply returns once the entry is persisted, indexed and handed to the
// bus. When a subscriber's stream carries it is not bounded: the
// producer gets no read-your-writes guarantee over SSE.
package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/eventstore/internal/apperr"
	"github.com/cuemby/eventstore/internal/bus"
	"github.com/cuemby/eventstore/internal/event"
	"github.com/cuemby/eventstore/internal/jsondata"
	"github.com/cuemby/eventstore/internal/metrics"
	"github.com/cuemby/eventstore/internal/patch"
	"github.com/cuemby/eventstore/internal/search"
	"github.com/cuemby/eventstore/internal/store"
)

// Logger is the narrow interface the pipeline needs from the
// component-scoped loggers internal/log produces, so this package
// doesn't import zerolog directly.
type Logger interface {
	Error(msg string, err error, fields map[string]any)
}

// Pipeline serializes commit processing: one logical writer at a
// time, per §5's scheduling model.
type Pipeline struct {
	mu      sync.Mutex
	store   *store.Store
	index   *search.Index
	bus     *bus.Bus
	log     Logger
	schemas *jsondata.Catalog
}

// New builds a Pipeline over the process-wide store, index, and bus
// singletons. schemas may be nil, in which case the schema
// corroboration log line is skipped entirely: the core never gates a
// commit on resource shape regardless (spec.md §3).
func New(st *store.Store, idx *search.Index, b *bus.Bus, log Logger, schemas *jsondata.Catalog) *Pipeline {
	return &Pipeline{store: st, index: idx, bus: b, log: log, schemas: schemas}
}

// Apply runs the full pipeline for one envelope, authenticated as
// identity. It returns the persisted log entry on success.
func (p *Pipeline) Apply(ctx context.Context, env event.Envelope, identity string) (*event.LogEntry, error) {
	if err := env.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedRequest, "invalid envelope", err)
	}
	if !env.IsCommit() {
		return nil, apperr.New(apperr.KindMalformedRequest, fmt.Sprintf("unsupported event type %q", env.Type()))
	}

	payload, err := env.Commit()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedRequest, "invalid json commit payload", err)
	}
	if payload.ResourceID == "" {
		return nil, apperr.New(apperr.KindMalformedRequest, "missing resource_id")
	}
	if ok, count := payload.HasPayload(); !ok {
		return nil, apperr.New(apperr.KindMalformedRequest, fmt.Sprintf("expected exactly one of resource_data/patch/deleted, found %d", count))
	}

	// Actor trust policy (§9): the authenticated identity always wins,
	// overwriting whatever actor the client supplied. Simpler and safer
	// than rejecting on mismatch, and it means a client never needs to
	// echo its own identity back correctly.
	payload.Actor = identity
	if err := env.SetCommit(payload); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedRequest, "re-encode commit payload", err)
	}

	resourceType := event.ResourceType(payload.Schema, env.Subject())

	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.store.GetResource(payload.ResourceID)
	exists := true
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		exists = false
	}

	postImage, deleted, err := computePostImage(payload, current.Body, exists)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedRequest, "compute post-image", err)
	}

	entry, err := event.FromEnvelope(env, 0) // sequence assigned by ApplyCommit
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedRequest, "encode log entry", err)
	}

	record, err := p.store.ApplyCommit(&entry, payload.ResourceID, resourceType, postImage, deleted)
	if err != nil {
		return nil, err
	}

	if !deleted {
		p.corroborateSchema(resourceType, postImage)
	}

	p.indexCommit(entry, payload, resourceType, record, deleted)

	p.bus.Publish(entry)

	return &entry, nil
}

// indexCommit updates the search index for a just-persisted commit.
// Failures are logged, never returned: an indexing error must not fail
// an already committed write. Nothing re-indexes a failed entry later;
// the index lives in memory, starts empty on every process start, and
// is not rebuilt from the log.
func (p *Pipeline) indexCommit(entry event.LogEntry, payload event.JSONCommit, resourceType string, record *store.ResourceRecord, deleted bool) {
	if deleted {
		p.index.DeleteResource(resourceType, payload.ResourceID)
		if err := p.index.IndexEvent(entry.ID, entry.Data, nil, entry.Subject, entry.Time); err != nil {
			p.logIndexFailure("index delete event", err)
		}
		return
	}

	involved, pending := deriveInvolved(resourceType, entry.Subject, record.Body, p.store)
	if err := p.index.IndexResource(payload.ResourceID, resourceType, record.Body, involved, entry.Subject, pending, entry.Time); err != nil {
		p.logIndexFailure("index resource", err)
	}
	if err := p.index.IndexEvent(entry.ID, entry.Data, involved, entry.Subject, entry.Time); err != nil {
		p.logIndexFailure("index event", err)
	}

	// If this commit gave an issue-like resource an involved set,
	// promote any children that were indexed pending its existence.
	if len(involved) > 0 {
		if err := p.index.ResolveChildren(payload.ResourceID, involved); err != nil {
			p.logIndexFailure("resolve pending children", err)
		}
	}
}

// corroborateSchema validates a just-persisted resource body against
// its type's schema, purely for observability: a mismatch is logged,
// never rejected, since the core does not gate commits on resource
// shape (spec.md §3). No-op if no schema catalog was wired in.
func (p *Pipeline) corroborateSchema(resourceType string, body json.RawMessage) {
	if p.schemas == nil || len(body) == 0 || p.log == nil {
		return
	}
	if ok, err := p.schemas.Validate(resourceType, body); !ok {
		p.log.Error("commit body does not match its resource type's schema", err, map[string]any{"resource_type": resourceType})
	}
}

func (p *Pipeline) logIndexFailure(msg string, err error) {
	metrics.IndexFailuresTotal.Inc()
	if p.log == nil {
		return
	}
	p.log.Error(msg, apperr.Wrap(apperr.KindIndexFailure, msg, err), nil)
}

// computePostImage applies step 5 of §4.3.
func computePostImage(payload event.JSONCommit, currentBody json.RawMessage, exists bool) (body json.RawMessage, deleted bool, err error) {
	switch {
	case payload.Deleted:
		return nil, true, nil
	case len(payload.ResourceData) > 0:
		return payload.ResourceData, false, nil
	case len(payload.Patch) > 0:
		if !exists {
			return payload.Patch, false, nil
		}
		merged, err := patch.Apply(currentBody, payload.Patch)
		return merged, false, err
	default:
		return nil, false, fmt.Errorf("no payload present")
	}
}

// deriveInvolved resolves the involved set per §5/§9: direct from the
// resource body for top-level resources, inherited from the parent
// issue (looked up by subject) for comment|task|planning|document
// resources that carry none of their own.
func deriveInvolved(resourceType, subject string, body json.RawMessage, st *store.Store) (involved []string, pending bool) {
	involved, ok := event.ResourceInvolved(resourceType, subject, body, func(id string) (json.RawMessage, bool) {
		parent, err := st.GetResource(id)
		if err != nil {
			return nil, false
		}
		return parent.Body, true
	})
	// Parent not resolvable yet: index this child hidden until
	// search.ResolveChildren promotes it.
	return involved, !ok
}

func isNotFound(err error) bool {
	var appErr *apperr.Error
	return errors.As(err, &appErr) && appErr.Kind == apperr.KindNotFound
}
