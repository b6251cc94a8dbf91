package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/eventstore/internal/auth"
	"github.com/cuemby/eventstore/internal/bus"
	"github.com/cuemby/eventstore/internal/commit"
	"github.com/cuemby/eventstore/internal/jsondata"
	"github.com/cuemby/eventstore/internal/search"
	"github.com/cuemby/eventstore/internal/sse"
	"github.com/cuemby/eventstore/internal/store"
)

// testHarness bundles a fully wired API plus the mock-email path its
// auth manager writes magic links to, so tests can drive the real
// login handshake through the HTTP surface instead of reaching into
// package-private state.
type testHarness struct {
	api       *API
	mockEmail string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx := search.New()
	b := bus.New(16)
	mockEmail := filepath.Join(t.TempDir(), "mail.json")
	authMgr := auth.NewManager([]byte("secret"), "http://localhost:8000", mockEmail)

	schemaDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "Issue.json"), []byte(`{"type":"object"}`), 0o644))
	schemas, err := jsondata.Load(schemaDir, "http://localhost:8000")
	require.NoError(t, err)

	pipeline := commit.New(st, idx, b, nil, schemas)
	sseHandler := sse.New(st, b)

	return &testHarness{
		api:       New(authMgr, pipeline, st, idx, b, sseHandler, schemas),
		mockEmail: mockEmail,
	}
}

// login drives the full magic-link handshake through the HTTP surface
// itself (POST /login, then GET /auth/verify) and returns the minted
// bearer JWT.
func (h *testHarness) login(t *testing.T, email string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"email": email})
	rr := httptest.NewRecorder()
	h.api.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	raw, err := os.ReadFile(h.mockEmail)
	require.NoError(t, err)
	var mail struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(raw, &mail))

	rr = httptest.NewRecorder()
	h.api.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/verify?token="+mail.Token, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var verify struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &verify))
	return verify.Token
}

func (h *testHarness) do(t *testing.T, method, path, bearer string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.api.Routes().ServeHTTP(rr, req)
	return rr
}

func TestHandleLogin_RejectsMissingEmail(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/login", "", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoginVerifyCommitRoundTrip(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "alice@x.com")
	require.NotEmpty(t, token)

	commitBody, _ := json.Marshal(map[string]any{
		"specversion": "1.0",
		"id":          "evt-1",
		"type":        "json.commit",
		"source":      "test",
		"data": map[string]any{
			"resource_id":   "i1",
			"resource_data": map[string]any{"title": "first issue", "involved": []string{"alice@x.com"}},
		},
	})
	rr := h.do(t, http.MethodPost, "/events", token, commitBody)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = h.do(t, http.MethodGet, "/resources/i1", token, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "first issue")
}

func TestHandleCommit_RejectsWithoutBearer(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/events", "", []byte(`{}`))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleGetResource_HidesResourceNotInvolved(t *testing.T) {
	h := newHarness(t)
	owner := h.login(t, "alice@x.com")
	stranger := h.login(t, "stranger@x.com")

	commitBody, _ := json.Marshal(map[string]any{
		"specversion": "1.0",
		"id":          "evt-2",
		"type":        "json.commit",
		"source":      "test",
		"data": map[string]any{
			"resource_id":   "i2",
			"resource_data": map[string]any{"title": "private issue", "involved": []string{"alice@x.com"}},
		},
	})
	rr := h.do(t, http.MethodPost, "/events", owner, commitBody)
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = h.do(t, http.MethodGet, "/resources/i2", stranger, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(t, http.MethodGet, "/resources/i2", owner, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleListResources_FiltersByInvolvement(t *testing.T) {
	h := newHarness(t)
	alice := h.login(t, "alice@x.com")
	bob := h.login(t, "bob@x.com")

	mkCommit := func(id, owner string) []byte {
		body, _ := json.Marshal(map[string]any{
			"specversion": "1.0",
			"id":          "evt-" + id,
			"type":        "json.commit",
			"source":      "test",
			"data": map[string]any{
				"resource_id":   id,
				"resource_data": map[string]any{"title": id, "involved": []string{owner}},
			},
		})
		return body
	}

	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/events", alice, mkCommit("ia", "alice@x.com")).Code)
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/events", bob, mkCommit("ib", "bob@x.com")).Code)

	rr := h.do(t, http.MethodGet, "/resources", alice, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ia")
	assert.NotContains(t, rr.Body.String(), "ib")
}

func TestHandleDeleteResource_TombstonesThenNotFound(t *testing.T) {
	h := newHarness(t)
	owner := h.login(t, "alice@x.com")

	createBody, _ := json.Marshal(map[string]any{
		"specversion": "1.0",
		"id":          "evt-3",
		"type":        "json.commit",
		"source":      "test",
		"data": map[string]any{
			"resource_id":   "i3",
			"resource_data": map[string]any{"title": "to delete", "involved": []string{"alice@x.com"}},
		},
	})
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/events", owner, createBody).Code)

	rr := h.do(t, http.MethodDelete, "/resources/i3", owner, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = h.do(t, http.MethodGet, "/resources/i3", owner, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleQuery_ReturnsOnlyOwnResults(t *testing.T) {
	h := newHarness(t)
	owner := h.login(t, "alice@x.com")

	commitBody, _ := json.Marshal(map[string]any{
		"specversion": "1.0",
		"id":          "evt-4",
		"type":        "json.commit",
		"source":      "test",
		"data": map[string]any{
			"resource_id":   "i4",
			"resource_data": map[string]any{"title": "searchable widget", "involved": []string{"alice@x.com"}},
		},
	})
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/events", owner, commitBody).Code)

	rr := h.do(t, http.MethodGet, "/query?q=widget", owner, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "i4")
}

func TestHandleSchemas_ListAndFetch(t *testing.T) {
	h := newHarness(t)
	owner := h.login(t, "alice@x.com")

	rr := h.do(t, http.MethodGet, "/schemas", owner, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Issue")

	rr = h.do(t, http.MethodGet, "/schemas/Issue", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodGet, "/schemas/Nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleReset_RejectsOrdinaryUser(t *testing.T) {
	h := newHarness(t)
	owner := h.login(t, "alice@x.com")

	rr := h.do(t, http.MethodPost, "/reset/", owner, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleReset_ClearsResourcesAndIndex(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN", "let-me-in")
	h := newHarness(t)
	owner := h.login(t, "alice@x.com")

	commitBody, _ := json.Marshal(map[string]any{
		"specversion": "1.0",
		"id":          "evt-5",
		"type":        "json.commit",
		"source":      "test",
		"data": map[string]any{
			"resource_id":   "i5",
			"resource_data": map[string]any{"title": "will be reset", "involved": []string{"alice@x.com"}},
		},
	})
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/events", owner, commitBody).Code)

	rr := h.do(t, http.MethodPost, "/reset/", "let-me-in", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodGet, "/resources/i5", owner, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// The index must be cleared in lockstep with the resource table,
	// not just the durable store.
	rr = h.do(t, http.MethodGet, "/query?q=reset", owner, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "i5")
}

func TestHandleReset_SubscriberStreamClosesOnReset(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN", "let-me-in")
	h := newHarness(t)
	owner := h.login(t, "alice@x.com")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?token="+owner, nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.api.Routes().ServeHTTP(rr, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond) // allow subscribe+snapshot to complete against a quiet store

	resetRR := h.do(t, http.MethodPost, "/reset/", "let-me-in", nil)
	require.Equal(t, http.StatusOK, resetRR.Code)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a reset broadcast right after subscribing must still close the SSE stream")
	}

	assert.Contains(t, rr.Body.String(), "system.reset")
}

func TestRoutes_OptionsBypassesAuth(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodOptions, "/resources", nil)
	rr := httptest.NewRecorder()
	h.api.Routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
