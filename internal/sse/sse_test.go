package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/eventstore/internal/bus"
	"github.com/cuemby/eventstore/internal/event"
	"github.com/cuemby/eventstore/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func commitResource(t *testing.T, st *store.Store, id, subject string, body string) event.LogEntry {
	t.Helper()
	payload := event.JSONCommit{ResourceID: id, ResourceData: json.RawMessage(body)}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	entry := event.LogEntry{ID: id + "-evt", Type: event.TypeCommit, Subject: subject, Time: time.Now(), Data: data}
	_, err = st.ApplyCommit(&entry, id, "issue", json.RawMessage(body), false)
	require.NoError(t, err)
	return entry
}

func TestServeHTTP_SnapshotIncludesOnlyVisibleEvents(t *testing.T) {
	st := openTestStore(t)
	commitResource(t, st, "i1", "", `{"title":"A","involved":["a@x"]}`)
	commitResource(t, st, "i2", "", `{"title":"B","involved":["b@x"]}`)

	h := New(st, bus.New(16))

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already-cancelled: run the synchronous snapshot write, then return immediately
	req := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req, "a@x")

	body := rr.Body.String()
	assert.Contains(t, body, "event: snapshot")
	assert.Contains(t, body, "i1")
	assert.NotContains(t, body, "i2")
}

func TestServeHTTP_RejectsNonFlusherWriter(t *testing.T) {
	st := openTestStore(t)
	h := New(st, bus.New(4))

	w := &nonFlushingWriterImpl{ResponseRecorder: httptest.NewRecorder()}
	req := httptest.NewRequest("GET", "/events", nil)

	h.ServeHTTP(w, req, "a@x")

	assert.Equal(t, 500, w.Code)
}

// nonFlushingWriterImpl wraps httptest.ResponseRecorder without
// promoting its Flush method, so it satisfies http.ResponseWriter but
// not http.Flusher.
type nonFlushingWriterImpl struct {
	*httptest.ResponseRecorder
}

func (w *nonFlushingWriterImpl) Header() http.Header         { return w.ResponseRecorder.Header() }
func (w *nonFlushingWriterImpl) Write(b []byte) (int, error) { return w.ResponseRecorder.Write(b) }
func (w *nonFlushingWriterImpl) WriteHeader(code int)        { w.ResponseRecorder.WriteHeader(code) }

func TestServeHTTP_StreamsLiveDelta(t *testing.T) {
	st := openTestStore(t)
	commitResource(t, st, "i1", "", `{"title":"A","involved":["a@x"]}`)

	b := bus.New(16)
	h := New(st, b)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rr, req, "a@x")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond) // allow subscribe+snapshot to complete

	payload := event.JSONCommit{ResourceID: "i1", Patch: json.RawMessage(`{"status":"closed"}`)}
	data, _ := json.Marshal(payload)
	b.Publish(event.LogEntry{ID: "e-delta", Sequence: 999, Subject: "", Type: event.TypeCommit, Data: data})

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHTTP must return promptly after context cancellation")
	}

	assert.Contains(t, rr.Body.String(), "event: delta")
}

func TestServeHTTP_SystemResetClosesStream(t *testing.T) {
	st := openTestStore(t)
	b := bus.New(16)
	h := New(st, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rr, req, "a@x")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	b.Publish(event.LogEntry{ID: "reset-1", Sequence: 1, Type: event.TypeSystemReset})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a system.reset delta must close the stream")
	}

	assert.Contains(t, rr.Body.String(), "system.reset")
}

func TestServeHTTP_SystemResetClosesStreamEvenAtSnapshotHighWater(t *testing.T) {
	// A reset fired against a quiet store whose sequence equals the
	// subscriber's own snapshotHighWater (0). handleReset itself stamps
	// math.MaxUint64, but the dedup check must not swallow a reset at
	// any sequence.
	st := openTestStore(t)
	b := bus.New(16)
	h := New(st, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rr, req, "a@x")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	b.Publish(event.LogEntry{ID: "reset-1", Sequence: st.HighWaterSequence(), Type: event.TypeSystemReset})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a system.reset delta at the snapshot high-water must still close the stream")
	}

	assert.Contains(t, rr.Body.String(), "system.reset")
}

func TestIsVisible_ChildInheritsParentInvolved(t *testing.T) {
	st := openTestStore(t)
	commitResource(t, st, "i1", "", `{"title":"A","involved":["a@x"]}`)

	h := New(st, bus.New(4))

	payload := event.JSONCommit{ResourceID: "c1", Schema: "https://x/Comment", ResourceData: json.RawMessage(`{"content":"hi"}`)}
	data, _ := json.Marshal(payload)
	childEntry := event.LogEntry{ID: "c1-evt", Subject: "i1", Data: data}

	assert.True(t, h.isVisible(childEntry, "a@x"))
	assert.False(t, h.isVisible(childEntry, "stranger@x"))
}

func TestWriteFrame_FormatsSSEEventLines(t *testing.T) {
	rr := httptest.NewRecorder()
	require.NoError(t, writeFrame(rr, "delta", map[string]string{"id": "e1"}))

	out := rr.Body.String()
	assert.True(t, strings.HasPrefix(out, "event: delta\n"))
	assert.Contains(t, out, `"id":"e1"`)
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}
