// Package store is the durable, transactional backing for the event
// log and the current-state resource table: an embedded K/V engine
// (bbolt) with one bucket per table, updated atomically per commit.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/eventstore/internal/apperr"
	"github.com/cuemby/eventstore/internal/event"
)

var (
	bucketEvents    = []byte("events")     // key: 8-byte big-endian sequence -> LogEntry JSON
	bucketEventIDs  = []byte("event_ids")  // key: event id -> 8-byte sequence (duplicate detection)
	bucketResources = []byte("resources")  // key: resource_id -> ResourceRecord JSON
	bucketMeta      = []byte("meta")       // key: "sequence" -> 8-byte last assigned sequence
	keySequence     = []byte("sequence")
)

// ResourceRecord is the materialised value stored per resource_id.
type ResourceRecord struct {
	ResourceType string          `json:"resource_type"`
	Body         json.RawMessage `json:"body"`
	Subject      string          `json:"subject,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ResourceEntry pairs a ResourceRecord with the id it's keyed under,
// the shape ListResources and the /resources route return.
type ResourceEntry struct {
	ID string `json:"id"`
	ResourceRecord
}

// Store is the embedded K/V engine wrapper. A single *Store is a
// process-wide singleton created at startup and held for the process
// lifetime.
type Store struct {
	db  *bolt.DB
	seq atomic.Uint64
}

// Open opens (creating if absent) the bbolt file under dataDir and
// recovers the sequence counter as max(log.sequence) on cold start, or
// zero for a fresh database.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "events.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketEventIDs, bucketResources, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := s.recoverSequence(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) recoverSequence() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keySequence); v != nil {
			s.seq.Store(binary.BigEndian.Uint64(v))
			return nil
		}
		// Fall back to the highest key in events, in case meta was lost
		// but the log wasn't.
		events := tx.Bucket(bucketEvents)
		k, _ := events.Cursor().Last()
		if k != nil {
			s.seq.Store(binary.BigEndian.Uint64(k))
		}
		return nil
	})
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// HighWaterSequence returns the sequence of the most recently
// committed event, or 0 if the log is empty.
func (s *Store) HighWaterSequence() uint64 {
	return s.seq.Load()
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// ApplyCommit persists entry (with its Sequence assigned here) and
// the resulting resource change in a single transaction. If deleted is
// true the resource is removed; otherwise postImage becomes (or
// replaces) the resource body under resourceID/resourceType. Returns
// apperr KindConflict if entry.ID already exists in the log.
func (s *Store) ApplyCommit(entry *event.LogEntry, resourceID, resourceType string, postImage json.RawMessage, deleted bool) (*ResourceRecord, error) {
	var result *ResourceRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		eventIDs := tx.Bucket(bucketEventIDs)
		if eventIDs.Get([]byte(entry.ID)) != nil {
			return apperr.New(apperr.KindConflict, fmt.Sprintf("event id %q already committed", entry.ID))
		}

		seq := s.seq.Add(1)
		entry.Sequence = seq

		raw, err := json.Marshal(entry)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, "encode log entry", err)
		}

		events := tx.Bucket(bucketEvents)
		if err := events.Put(seqKey(seq), raw); err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, "append event", err)
		}
		if err := eventIDs.Put([]byte(entry.ID), seqKey(seq)); err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, "index event id", err)
		}
		if err := tx.Bucket(bucketMeta).Put(keySequence, seqKey(seq)); err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, "persist sequence", err)
		}

		resources := tx.Bucket(bucketResources)
		if deleted {
			if err := resources.Delete([]byte(resourceID)); err != nil {
				return apperr.Wrap(apperr.KindStorageFailure, "delete resource", err)
			}
			return nil
		}

		record := ResourceRecord{
			ResourceType: resourceType,
			Body:         postImage,
			Subject:      entry.Subject,
			UpdatedAt:    entry.Time,
		}
		recRaw, err := json.Marshal(record)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, "encode resource", err)
		}
		if err := resources.Put([]byte(resourceID), recRaw); err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, "persist resource", err)
		}
		result = &record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetResource returns the current body of id, or apperr KindNotFound
// if it doesn't exist or has been deleted.
func (s *Store) GetResource(id string) (ResourceRecord, error) {
	var record ResourceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResources).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.KindNotFound, fmt.Sprintf("resource %q not found", id))
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return ResourceRecord{}, err
	}
	return record, nil
}

// ListResources returns a stable (absent intervening writes), offset
// and limit bounded page of resources. Order is lexicographic by id.
func (s *Store) ListResources(offset, limit int) ([]ResourceEntry, error) {
	var out []ResourceEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketResources).Cursor()
		i := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if i < offset {
				i++
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			var record ResourceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return apperr.Wrap(apperr.KindStorageFailure, "decode resource", err)
			}
			out = append(out, ResourceEntry{ID: string(k), ResourceRecord: record})
			i++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []ResourceEntry{}
	}
	return out, nil
}

// ListEvents returns up to limit log entries with sequence strictly
// greater than sinceSequence, in ascending sequence order. Used for
// SSE snapshot bootstrap.
func (s *Store) ListEvents(sinceSequence uint64, limit int) ([]event.LogEntry, error) {
	var out []event.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		start := seqKey(sinceSequence + 1)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var entry event.LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return apperr.Wrap(apperr.KindStorageFailure, "decode log entry", err)
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []event.LogEntry{}
	}
	return out, nil
}

// ResetResources clears the resource table. The event log is left
// untouched, per the system.reset contract.
func (s *Store) ResetResources() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketResources); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketResources)
		return err
	})
}
