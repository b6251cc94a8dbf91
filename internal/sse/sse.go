// Package sse implements the per-connection snapshot+delta
// subscription protocol (§4.6): an authorized snapshot of the event
// log followed by a live stream of bus deltas, with no gap and no
// duplicate across the handoff.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/eventstore/internal/bus"
	"github.com/cuemby/eventstore/internal/event"
	"github.com/cuemby/eventstore/internal/store"
)

// SnapshotChunkSize is the maximum number of events carried in a
// single "snapshot" frame before the handler starts a new one (§9).
const SnapshotChunkSize = 500

// HeartbeatInterval is how often a keepalive comment is sent to defeat
// intermediary idle timeouts (§6).
const HeartbeatInterval = 20 * time.Second

type writeFlusher interface {
	http.ResponseWriter
	http.Flusher
}

// Handler streams an authorized snapshot plus live deltas to one
// connected client. One Handler instance serves every connection; it
// holds no per-connection state itself.
type Handler struct {
	store *store.Store
	bus   *bus.Bus
}

// New builds a Handler over the process-wide store and bus singletons.
func New(st *store.Store, b *bus.Bus) *Handler {
	return &Handler{store: st, bus: b}
}

// ServeHTTP implements the lifecycle of §4.6. identity is the already
// authenticated user id; the caller (the HTTP surface) is responsible
// for token validation before invoking this handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, identity string) {
	wf, ok := w.(writeFlusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe to the bus before capturing the snapshot so that no
	// commit landing in between is missed: any event committed after
	// this point is observed on sub.C(), and the snapshot below is
	// bounded by the store's high-water sequence read after
	// subscribing, so the two together cover every sequence exactly
	// once (§4.6 step 3's recommended ordering).
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub.ID())

	highWater := h.store.HighWaterSequence()

	entries, err := h.store.ListEvents(0, 0)
	if err != nil {
		http.Error(w, "failed to capture snapshot", http.StatusInternalServerError)
		return
	}

	wf.Header().Set("Content-Type", "text/event-stream")
	wf.Header().Set("Cache-Control", "no-cache")
	wf.Header().Set("Connection", "keep-alive")
	wf.Header().Set("Access-Control-Allow-Origin", "*")
	wf.WriteHeader(http.StatusOK)
	wf.Flush()

	if err := h.sendSnapshot(wf, entries, identity, highWater); err != nil {
		return
	}

	h.streamDeltas(wf, r, sub, identity, highWater)
}

func (h *Handler) sendSnapshot(wf writeFlusher, entries []event.LogEntry, identity string, highWater uint64) error {
	visible := make([]event.LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Sequence > highWater {
			break
		}
		if h.isVisible(e, identity) {
			visible = append(visible, e)
		}
	}

	for len(visible) > SnapshotChunkSize {
		if err := writeFrame(wf, "snapshot", visible[:SnapshotChunkSize]); err != nil {
			return err
		}
		visible = visible[SnapshotChunkSize:]
	}
	if err := writeFrame(wf, "snapshot", visible); err != nil {
		return err
	}
	return writeFrame(wf, "snapshot_end", struct{}{})
}

func (h *Handler) streamDeltas(wf writeFlusher, r *http.Request, sub *bus.Subscriber, identity string, snapshotHighWater uint64) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-ticker.C:
			if err := writeComment(wf, "keepalive"); err != nil {
				return
			}

		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if msg.Lag {
				if err := writeFrame(wf, "lag", struct {
					HighWaterSequence uint64 `json:"high_water_sequence"`
				}{msg.HighWaterSeq}); err != nil {
					return
				}
				continue
			}
			// A system.reset must always close the stream, even if its
			// synthetic sequence happens to fall at or below whatever
			// this subscriber's snapshot already covered (it carries no
			// log sequence of its own) — check it before the dedup skip
			// below, which would otherwise silently drop it.
			if msg.Entry.Type == event.TypeSystemReset {
				_ = writeFrame(wf, "delta", msg.Entry)
				return
			}
			// Skip anything the snapshot already covered: the bus
			// subscription was opened before the snapshot read, so its
			// early deltas can duplicate the tail of the snapshot.
			if msg.Entry.Sequence <= snapshotHighWater {
				continue
			}
			if !h.isVisible(msg.Entry, identity) {
				continue
			}
			if err := writeFrame(wf, "delta", msg.Entry); err != nil {
				return
			}
		}
	}
}

// isVisible implements the SSE half of §5's authorization filter: an
// event is visible iff the resource it targets currently (or, for the
// commit that created it, historically) has identity in its involved
// set.
func (h *Handler) isVisible(e event.LogEntry, identity string) bool {
	payload, err := e.Commit()
	if err != nil {
		return false
	}

	body := payload.ResourceData
	if len(body) == 0 {
		body = payload.Patch
	}
	if contains(event.InvolvedFromBody(body), identity) {
		return true
	}

	// A resource's current record may carry a fuller involved set than
	// the single commit that produced this event (e.g. later commits
	// added members); check it too before falling back to the parent
	// issue's involved set.
	if record, err := h.store.GetResource(payload.ResourceID); err == nil {
		if contains(event.InvolvedFromBody(record.Body), identity) {
			return true
		}
		body = record.Body
	}

	resourceType := event.ResourceType(payload.Schema, e.Subject)
	involved, _ := event.ResourceInvolved(resourceType, e.Subject, body, func(id string) (json.RawMessage, bool) {
		parent, err := h.store.GetResource(id)
		if err != nil {
			return nil, false
		}
		return parent.Body, true
	})
	return contains(involved, identity)
}

func contains(set []string, identity string) bool {
	for _, s := range set {
		if s == identity {
			return true
		}
	}
	return false
}

func writeFrame(wf writeFlusher, eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", eventName)
	fmt.Fprintf(&buf, "data: %s\n\n", data)

	if _, err := wf.Write(buf.Bytes()); err != nil {
		return err
	}
	wf.Flush()
	return nil
}

func writeComment(wf writeFlusher, text string) error {
	if _, err := wf.Write([]byte(": " + text + "\n\n")); err != nil {
		return err
	}
	wf.Flush()
	return nil
}
