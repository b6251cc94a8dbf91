package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/eventstore/internal/apperr"
	"github.com/cuemby/eventstore/internal/event"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApplyCommit_CreateThenGet(t *testing.T) {
	s := openTestStore(t)

	entry := &event.LogEntry{ID: "e1", Type: event.TypeCommit, Subject: "i1", Time: time.Now().UTC()}
	record, err := s.ApplyCommit(entry, "i1", "issue", json.RawMessage(`{"title":"A"}`), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Sequence)
	assert.JSONEq(t, `{"title":"A"}`, string(record.Body))

	got, err := s.GetResource("i1")
	require.NoError(t, err)
	assert.Equal(t, "issue", got.ResourceType)
	assert.JSONEq(t, `{"title":"A"}`, string(got.Body))
}

func TestApplyCommit_RecordCarriesSubjectForInheritanceLookups(t *testing.T) {
	s := openTestStore(t)

	entry := &event.LogEntry{ID: "c1", Type: event.TypeCommit, Subject: "i1", Time: time.Now().UTC()}
	record, err := s.ApplyCommit(entry, "c1", "comment", json.RawMessage(`{"content":"hi"}`), false)
	require.NoError(t, err)
	assert.Equal(t, "i1", record.Subject)

	got, err := s.GetResource("c1")
	require.NoError(t, err)
	assert.Equal(t, "i1", got.Subject)
}

func TestApplyCommit_DuplicateEventIDConflicts(t *testing.T) {
	s := openTestStore(t)

	entry1 := &event.LogEntry{ID: "dup", Subject: "i1", Time: time.Now().UTC()}
	_, err := s.ApplyCommit(entry1, "i1", "issue", json.RawMessage(`{}`), false)
	require.NoError(t, err)

	entry2 := &event.LogEntry{ID: "dup", Subject: "i1", Time: time.Now().UTC()}
	_, err = s.ApplyCommit(entry2, "i1", "issue", json.RawMessage(`{}`), false)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, err.(*apperr.Error).Kind)
}

func TestApplyCommit_DeleteRemovesResource(t *testing.T) {
	s := openTestStore(t)

	create := &event.LogEntry{ID: "e1", Subject: "i1", Time: time.Now().UTC()}
	_, err := s.ApplyCommit(create, "i1", "issue", json.RawMessage(`{"title":"A"}`), false)
	require.NoError(t, err)

	del := &event.LogEntry{ID: "e2", Subject: "i1", Time: time.Now().UTC()}
	_, err = s.ApplyCommit(del, "i1", "", nil, true)
	require.NoError(t, err)

	_, err = s.GetResource("i1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, err.(*apperr.Error).Kind)
}

func TestApplyCommit_DeleteThenRecreate(t *testing.T) {
	s := openTestStore(t)

	e1 := &event.LogEntry{ID: "e1", Subject: "i1", Time: time.Now().UTC()}
	_, _ = s.ApplyCommit(e1, "i1", "issue", json.RawMessage(`{"title":"A"}`), false)

	e2 := &event.LogEntry{ID: "e2", Subject: "i1", Time: time.Now().UTC()}
	_, _ = s.ApplyCommit(e2, "i1", "", nil, true)

	e3 := &event.LogEntry{ID: "e3", Subject: "i1", Time: time.Now().UTC()}
	_, err := s.ApplyCommit(e3, "i1", "issue", json.RawMessage(`{"title":"B"}`), false)
	require.NoError(t, err)

	got, err := s.GetResource("i1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"B"}`, string(got.Body))
}

func TestSequenceRecoveryAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e := &event.LogEntry{ID: string(rune('a' + i)), Subject: "i1", Time: time.Now().UTC()}
		_, err := s.ApplyCommit(e, "i1", "issue", json.RawMessage(`{}`), false)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(3), reopened.HighWaterSequence())

	e := &event.LogEntry{ID: "next", Subject: "i1", Time: time.Now().UTC()}
	_, err = reopened.ApplyCommit(e, "i1", "issue", json.RawMessage(`{}`), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Sequence)
}

func TestListResources_PaginationAndEmptyBeyondCount(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		e := &event.LogEntry{ID: id, Subject: id, Time: time.Now().UTC()}
		_, err := s.ApplyCommit(e, id, "issue", json.RawMessage(`{}`), false)
		require.NoError(t, err)
	}

	page, err := s.ListResources(0, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	beyond, err := s.ListResources(10, 2)
	require.NoError(t, err)
	assert.Equal(t, []ResourceEntry{}, beyond)
}

func TestListEvents_SinceSequence(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		e := &event.LogEntry{ID: string(rune('a' + i)), Subject: "i1", Time: time.Now().UTC()}
		_, err := s.ApplyCommit(e, "i1", "issue", json.RawMessage(`{}`), false)
		require.NoError(t, err)
	}

	all, err := s.ListEvents(0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	tail, err := s.ListEvents(3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].Sequence)
	assert.Equal(t, uint64(5), tail[1].Sequence)
}

func TestResetResources_LeavesLogIntact(t *testing.T) {
	s := openTestStore(t)
	e := &event.LogEntry{ID: "e1", Subject: "i1", Time: time.Now().UTC()}
	_, err := s.ApplyCommit(e, "i1", "issue", json.RawMessage(`{}`), false)
	require.NoError(t, err)

	require.NoError(t, s.ResetResources())

	_, err = s.GetResource("i1")
	require.Error(t, err)

	events, err := s.ListEvents(0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
