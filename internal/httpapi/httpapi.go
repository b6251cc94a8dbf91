// Package httpapi wires the §6 HTTP surface onto the commit pipeline,
// store, search index, bus, auth manager and schema catalog: routing,
// request parsing, and error-to-status mapping via internal/apperr.
package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/eventstore/internal/apperr"
	"github.com/cuemby/eventstore/internal/auth"
	"github.com/cuemby/eventstore/internal/bus"
	"github.com/cuemby/eventstore/internal/commit"
	"github.com/cuemby/eventstore/internal/event"
	"github.com/cuemby/eventstore/internal/jsondata"
	"github.com/cuemby/eventstore/internal/metrics"
	"github.com/cuemby/eventstore/internal/search"
	"github.com/cuemby/eventstore/internal/sse"
	"github.com/cuemby/eventstore/internal/store"
)

// API bundles every collaborator a route handler needs.
type API struct {
	auth     *auth.Manager
	pipeline *commit.Pipeline
	store    *store.Store
	index    *search.Index
	bus      *bus.Bus
	sse      *sse.Handler
	schemas  *jsondata.Catalog
}

// New builds an API over its already-constructed dependencies.
func New(authMgr *auth.Manager, pipeline *commit.Pipeline, st *store.Store, idx *search.Index, b *bus.Bus, sseHandler *sse.Handler, schemas *jsondata.Catalog) *API {
	return &API{auth: authMgr, pipeline: pipeline, store: st, index: idx, bus: b, sse: sseHandler, schemas: schemas}
}

// Routes builds the full mux, with auth.Middleware wrapping everything
// so CORS headers and the public/protected split (§4.7, §6) are
// applied uniformly.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /login", a.handleLogin)
	mux.HandleFunc("GET /auth/verify", a.handleVerifyLink)
	mux.HandleFunc("POST /events", a.handleCommit)
	mux.HandleFunc("GET /events", a.handleSubscribe)
	mux.HandleFunc("GET /resources", a.handleListResources)
	mux.HandleFunc("GET /resources/{id}", a.handleGetResource)
	mux.HandleFunc("DELETE /resources/{id}", a.handleDeleteResource)
	mux.HandleFunc("GET /query", a.handleQuery)
	mux.HandleFunc("GET /schemas", a.handleListSchemas)
	mux.HandleFunc("GET /schemas/{name}", a.handleGetSchema)
	mux.HandleFunc("POST /reset/", a.handleReset)
	mux.Handle("GET /metrics", metrics.Handler())

	return a.auth.Middleware(mux)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		writeError(w, apperr.New(apperr.KindMalformedRequest, "missing or invalid email"))
		return
	}
	if err := a.auth.RequestLogin(body.Email); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleVerifyLink(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	jwtToken, err := a.auth.VerifyLink(token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": jwtToken})
}

func (a *API) handleCommit(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindUnauthorized, "missing bearer identity"))
		return
	}

	env := event.New()
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, apperr.Wrap(apperr.KindMalformedRequest, "invalid cloudevent", err))
		return
	}

	timer := metrics.NewTimer()
	entry, err := a.pipeline.Apply(r.Context(), env, identity)
	timer.ObserveDuration(metrics.CommitDuration)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues("rejected").Inc()
		writeError(w, err)
		return
	}
	metrics.CommitsTotal.WithLabelValues("accepted").Inc()

	writeJSON(w, http.StatusAccepted, map[string]string{"id": entry.ID})
}

func (a *API) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	identity, err := a.subscriberIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ActiveSubscribers.Inc()
	defer metrics.ActiveSubscribers.Dec()
	a.sse.ServeHTTP(w, r, identity)
}

// subscriberIdentity implements §6's "bearer (header or ?token=)"
// allowance for the one route an EventSource client can't attach a
// custom header to.
func (a *API) subscriberIdentity(r *http.Request) (string, error) {
	tok, ok := bearerToken(r)
	if !ok {
		return "", apperr.New(apperr.KindUnauthorized, "missing bearer token")
	}
	return a.auth.Authenticate(tok)
}

// bearerToken extracts the raw bearer token from ?token= or the
// Authorization header, without validating it.
func bearerToken(r *http.Request) (string, bool) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1], true
	}
	return "", false
}

func (a *API) handleListResources(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	offset, limit := pageParams(r)

	entries, err := a.store.ListResources(0, 0) // filter then paginate, since visibility is per-row
	if err != nil {
		writeError(w, err)
		return
	}

	visible := make([]store.ResourceEntry, 0, len(entries))
	for _, e := range entries {
		involved, ok := event.ResourceInvolved(e.ResourceType, e.Subject, e.Body, a.fetchParentBody)
		if ok && contains(involved, identity) {
			visible = append(visible, e)
		}
	}

	if offset > len(visible) {
		offset = len(visible)
	}
	end := len(visible)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	writeJSON(w, http.StatusOK, visible[offset:end])
}

func (a *API) handleGetResource(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	id := r.PathValue("id")

	record, err := a.store.GetResource(id)
	if err != nil {
		writeError(w, err)
		return
	}
	involved, ok := event.ResourceInvolved(record.ResourceType, record.Subject, record.Body, a.fetchParentBody)
	if !ok || !contains(involved, identity) {
		writeError(w, apperr.New(apperr.KindNotFound, "resource not found"))
		return
	}
	writeJSON(w, http.StatusOK, store.ResourceEntry{ID: id, ResourceRecord: record})
}

// fetchParentBody resolves a child resource's parent issue body by id,
// the fetchParent callback event.ResourceInvolved needs to inherit
// visibility across the subject linkage (§5, §9).
func (a *API) fetchParentBody(id string) (json.RawMessage, bool) {
	parent, err := a.store.GetResource(id)
	if err != nil {
		return nil, false
	}
	return parent.Body, true
}

func (a *API) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindUnauthorized, "missing bearer identity"))
		return
	}
	id := r.PathValue("id")

	// No existence check is made: a delete of an unknown resource_id
	// still commits a tombstone event and answers 204.
	env := event.New()
	env.SetID(uuid.NewString())
	env.SetType(event.TypeCommit)
	env.SetSource("httpapi")
	if err := env.SetCommit(event.JSONCommit{ResourceID: id, Deleted: true}); err != nil {
		writeError(w, apperr.Wrap(apperr.KindStorageFailure, "encode tombstone commit", err))
		return
	}

	if _, err := a.pipeline.Apply(r.Context(), env, identity); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	q := r.URL.Query().Get("q")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	results, err := a.index.Search(q, identity, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	type queryResult struct {
		ID      string          `json:"id"`
		DocType string          `json:"doc_type"`
		Content json.RawMessage `json:"content"`
	}
	out := make([]queryResult, len(results))
	for i, r := range results {
		out[i] = queryResult{ID: r.ID, DocType: r.DocType, Content: r.Content}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q,
		"count":   len(out),
		"results": out,
	})
}

func (a *API) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schemas": a.schemas.Names()})
}

func (a *API) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	raw, ok := a.schemas.Raw(name)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "unknown schema"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// handleReset implements §6/§7's operator-only reset. The route bypasses
// auth.Middleware's ordinary per-user bearer check entirely (it's listed
// in publicRoutes, since an OPERATOR_TOKEN credential isn't a signed
// user JWT) and instead requires its own bearer token to carry an
// EVENTSTORE_OPERATOR claim or match $OPERATOR_TOKEN.
func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	tok, ok := bearerToken(r)
	if !ok {
		writeError(w, apperr.New(apperr.KindUnauthorized, "missing bearer token"))
		return
	}
	if err := a.auth.AuthorizeOperator(tok); err != nil {
		writeError(w, err)
		return
	}

	if err := a.store.ResetResources(); err != nil {
		writeError(w, err)
		return
	}
	// The resource table and index are both cleared in lockstep
	// (spec.md §7); the event log is left untouched.
	a.index.Reset()

	env := event.New()
	env.SetID(uuid.NewString())
	env.SetType(event.TypeSystemReset)
	env.SetSource("httpapi")
	env.SetTime(time.Now().UTC())

	// A system.reset carries no log sequence of its own; stamp it
	// above any value a connected subscriber could have captured as
	// its snapshot high-water so sse.Handler's delta dedup never
	// swallows it (see internal/sse.streamDeltas).
	entry, err := event.FromEnvelope(env, math.MaxUint64)
	if err != nil {
		writeError(w, err)
		return
	}
	a.bus.Publish(entry)

	w.WriteHeader(http.StatusOK)
}

func pageParams(r *http.Request) (offset, limit int) {
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	return offset, limit
}

func contains(set []string, identity string) bool {
	for _, s := range set {
		if s == identity {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.StatusCode(err), map[string]string{"error": err.Error()})
}
