// Package skiplist implements a lock-coupling concurrent skip list: an
// ordered map safe for concurrent Find/Upsert/Remove/Query without a
// single global lock. It backs the search index's postings lists
// (ordered by posting key) and its document store.
package skiplist

import (
	"cmp"
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
)

const MAX_LEVEL = 11

type UpdateCheck[K cmp.Ordered, V any] func(key K, currValue V, exists bool) (newValue V, err error)

// DBIndex is the ordered-map contract SkipList implements.
type DBIndex[K cmp.Ordered, V any] interface {
	Find(key K) (foundValue V, found bool)
	Upsert(key K, check UpdateCheck[K, V]) (updated bool, err error)
	Remove(key K) (removedValue V, removed bool)
	Query(ctx context.Context, start K, end K) (results []V, err error)
}

// SkipList is a generic ordered map keyed by any cmp.Ordered type. The
// count field exists purely so Query can detect a concurrent mutation
// mid-scan and retry.
type SkipList[K cmp.Ordered, V any] struct {
	head  *Node[K, V]
	tail  *Node[K, V]
	count atomic.Int64
}

// Node is one skip list entry: a mutex-guarded key/value pair plus the
// forward pointers for every level it participates in. marked signals
// a pending removal; fullyLinked signals the insert has completed at
// every level and is safe to observe.
type Node[K cmp.Ordered, V any] struct {
	mutex       sync.Mutex
	key         K
	value       atomic.Pointer[V]
	topLevel    int
	marked      atomic.Bool
	fullyLinked atomic.Bool
	next        []atomic.Pointer[Node[K, V]]
}

// NewSkipList initializes an empty skip list with sentinel head and
// tail nodes linked at every level.
func NewSkipList[K cmp.Ordered, V any]() *SkipList[K, V] {
	skipList := &SkipList[K, V]{}

	tailNode := &Node[K, V]{
		next:     make([]atomic.Pointer[Node[K, V]], MAX_LEVEL),
		topLevel: MAX_LEVEL,
	}
	headNode := &Node[K, V]{
		next:     make([]atomic.Pointer[Node[K, V]], MAX_LEVEL),
		topLevel: MAX_LEVEL,
	}

	for i := 0; i < MAX_LEVEL; i++ {
		headNode.next[i].Store(tailNode)
	}

	skipList.count.Store(0)
	skipList.head = headNode
	skipList.tail = tailNode
	return skipList
}

func randomLevel() int {
	level := 1
	for rand.Float64() < 0.5 && level < MAX_LEVEL-1 {
		level++
	}
	return level
}

// Upsert inserts a new key or updates an existing one. check computes
// the new value from the current one (or the zero value, if the key
// doesn't yet exist); a returned error aborts the operation without
// mutating the list.
func (skiplist *SkipList[K, V]) Upsert(key K, check UpdateCheck[K, V]) (updated bool, err error) {
	for {
		levelFound, preds, succs := skiplist.find(key)
		lockedNodes := make(map[*Node[K, V]]bool)

		if levelFound != -1 {
			foundNode := succs[levelFound]

			foundNode.mutex.Lock()
			lockedNodes[foundNode] = true

			if foundNode.marked.Load() || !foundNode.fullyLinked.Load() {
				foundNode.mutex.Unlock()
				delete(lockedNodes, foundNode)
				continue
			}

			newValue, err := check(key, *foundNode.value.Load(), true)
			if err != nil {
				foundNode.mutex.Unlock()
				delete(lockedNodes, foundNode)
				return false, err
			}

			foundNode.value.Store(&newValue)
			foundNode.mutex.Unlock()
			delete(lockedNodes, foundNode)
			return true, nil
		}

		topLevel := randomLevel()

		highestLocked := -1
		valid := true
		level := 0

		for valid && level <= topLevel {
			predNode := preds[level]
			succNode := succs[level]
			if predNode == nil || succNode == nil {
				valid = false
				break
			}

			if !lockedNodes[predNode] {
				predNode.mutex.Lock()
				lockedNodes[predNode] = true
			}
			highestLocked = level

			unmarked := !predNode.marked.Load() && !succNode.marked.Load()
			connected := predNode.next[level].Load() == succNode
			valid = unmarked && connected
			level++
		}

		if !valid {
			for level := highestLocked; level >= 0; level-- {
				predNode := preds[level]
				if lockedNodes[predNode] {
					predNode.mutex.Unlock()
					delete(lockedNodes, predNode)
				}
			}
			continue
		}

		newNode := &Node[K, V]{
			key:         key,
			next:        make([]atomic.Pointer[Node[K, V]], topLevel+1),
			topLevel:    topLevel,
			fullyLinked: atomic.Bool{},
		}

		newNode.value.Store(new(V))
		newValue, err := check(key, *new(V), false)
		if err != nil {
			for level := highestLocked; level >= 0; level-- {
				predNode := preds[level]
				if lockedNodes[predNode] {
					predNode.mutex.Unlock()
					delete(lockedNodes, predNode)
				}
			}
			return false, err
		}

		newNode.value.Store(&newValue)

		for level = 0; level <= topLevel; level++ {
			predNode := preds[level]
			predNode.next[level].Store(newNode)
			newNode.next[level].Store(succs[level])
		}
		newNode.fullyLinked.Store(true)
		for level = highestLocked; level >= 0; level-- {
			predNode := preds[level]
			if lockedNodes[predNode] {
				predNode.mutex.Unlock()
				delete(lockedNodes, predNode)
			}
		}

		skiplist.count.Add(1)
		return true, nil
	}
}

// Remove deletes key from the list, returning its value and true on
// success, or the zero value and false if key was never present.
func (skiplist *SkipList[K, V]) Remove(key K) (removedValue V, removed bool) {
	var victim *Node[K, V]
	isMarked := false
	topLevel := -1

	for {
		foundLevel, preds, succs := skiplist.find(key)

		if foundLevel == -1 {
			return *new(V), false
		}

		victim = succs[foundLevel]
		if victim == nil {
			return *new(V), false
		}
		lockedNodes := make(map[*Node[K, V]]bool)

		if !isMarked {
			if !victim.fullyLinked.Load() || victim.marked.Load() || victim.topLevel != foundLevel {
				return *new(V), false
			}

			topLevel = victim.topLevel
			victim.mutex.Lock()
			lockedNodes[victim] = true

			victim.marked.Store(true)
			isMarked = true
		}

		highestLocked := -1
		level := 0
		valid := true
		for valid && (level <= topLevel) {
			pred := preds[level]
			if !lockedNodes[pred] {
				pred.mutex.Lock()
				lockedNodes[pred] = true
			}
			highestLocked = level

			successor := pred.next[level].Load() == victim
			valid = !pred.marked.Load() && successor
			level++
		}

		if !valid {
			for level := highestLocked; level >= 0; level-- {
				pred := preds[level]
				if lockedNodes[pred] {
					pred.mutex.Unlock()
					delete(lockedNodes, pred)
				}
			}
			continue
		}

		for level := topLevel; level >= 0; level-- {
			preds[level].next[level].Store(victim.next[level].Load())
		}

		if lockedNodes[victim] {
			victim.mutex.Unlock()
			delete(lockedNodes, victim)
		}
		for level := highestLocked; level >= 0; level-- {
			pred := preds[level]
			if lockedNodes[pred] {
				pred.mutex.Unlock()
				delete(lockedNodes, pred)
			}
		}

		removedValue = *victim.value.Load()
		removed = true
		skiplist.count.Add(1)
		return removedValue, true
	}
}

// find locates key's predecessor and successor nodes at every level.
// The returned level is -1 if key is absent.
func (s *SkipList[K, V]) find(key K) (int, []*Node[K, V], []*Node[K, V]) {
	preds := make([]*Node[K, V], MAX_LEVEL)
	succs := make([]*Node[K, V], MAX_LEVEL)

	foundLevel := -1
	pred := s.head

	level := MAX_LEVEL - 1
	for level >= 0 {
		curr := pred.next[level].Load()
		if curr != s.tail {
			for key > curr.key {
				pred = curr
				curr = pred.next[level].Load()
				if curr == s.tail {
					break
				}
			}
		}

		if foundLevel == -1 && key == curr.key {
			foundLevel = level
		}
		preds[level] = pred
		succs[level] = curr
		level = level - 1
	}
	return foundLevel, preds, succs
}

// Find returns key's value and true, or the zero value and false if
// key is absent or pending removal.
func (s *SkipList[K, V]) Find(key K) (foundValue V, found bool) {
	levelFound, _, succs := s.find(key)

	if levelFound == -1 {
		return *new(V), false
	}
	foundValue = *succs[levelFound].value.Load()
	return foundValue, succs[levelFound].fullyLinked.Load() && !succs[levelFound].marked.Load()
}

// Query returns every value whose key lies in [start, end]. An empty
// start scans from the beginning; an empty end scans to the end. A
// mutation observed mid-scan causes Query to retry from scratch.
func (skipList *SkipList[K, V]) Query(ctx context.Context, start K, end K) (results []V, err error) {
	preCount := skipList.count.Load()

	var current *Node[K, V]
	if startStr, ok := any(start).(string); ok && startStr == "" {
		current = skipList.head.next[0].Load()
	} else {
		_, _, succs := skipList.find(start)
		current = succs[0]
	}

	var goToEnd bool
	if endStr, ok := any(end).(string); ok && endStr == "" {
		goToEnd = true
	} else {
		goToEnd = false
	}

	results = []V{}

	for current != skipList.tail {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !goToEnd {
			if current.key > end {
				break
			}
		}

		if current.fullyLinked.Load() && !current.marked.Load() {
			results = append(results, *current.value.Load())
		}

		current = current.next[0].Load()
	}

	postCount := skipList.count.Load()

	if postCount != preCount {
		return skipList.Query(ctx, start, end)
	}

	return results, nil
}
