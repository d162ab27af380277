package syncgroup

import (
	"bytes"
	"sync"

	"github.com/google/uuid"
)

// ConflictKind classifies how two views of a key diverge.
type ConflictKind string

const (
	// KindAddition means the local side holds no value yet.
	KindAddition ConflictKind = "addition"
	// KindModification means both sides hold different non-empty values.
	KindModification ConflictKind = "modification"
	// KindDeletion means the incoming side cleared the value.
	KindDeletion ConflictKind = "deletion"
)

// Built-in strategy names.
const (
	StrategyLastWriteWins = "last-write-wins"
	StrategyMerge         = "merge"
)

// Conflict records a detected divergence between the local value and an
// incoming remote value for the same key. It lives in the pending set
// from detection until a strategy consumes it.
type Conflict[V any] struct {
	ID        string
	Key       string
	Current   V
	Incoming  V
	Timestamp int64
	SourceID  string
	Kind      ConflictKind
}

// Strategy deterministically merges two divergent values into one.
// Strategies must be pure: no retained references, no side effects.
type Strategy[V any] func(current, incoming V) V

// Resolver detects conflicts and resolves them with named strategies.
// It is safe for concurrent use.
type Resolver[V any] struct {
	codec Codec[V]

	mu         sync.Mutex
	pending    map[string]*Conflict[V]
	strategies map[string]Strategy[V]
	emptyForm  []byte
}

// NewResolver creates a resolver with the built-in strategies
// registered. The codec defines value identity: two values conflict
// iff their serialized forms differ.
func NewResolver[V any](codec Codec[V]) *Resolver[V] {
	r := &Resolver[V]{
		codec:      codec,
		pending:    make(map[string]*Conflict[V]),
		strategies: make(map[string]Strategy[V]),
	}
	var zero V
	if data, err := codec.Marshal(zero); err == nil {
		r.emptyForm = data
	}
	r.Register(StrategyLastWriteWins, func(current, incoming V) V {
		return incoming
	})
	r.Register(StrategyMerge, MergeStrategy[V]())
	return r
}

// Register adds or replaces a named strategy.
func (r *Resolver[V]) Register(name string, fn Strategy[V]) {
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	r.strategies[name] = fn
	r.mu.Unlock()
}

// Detect compares the local and incoming values for a key. It returns
// nil when the two serialize identically. Otherwise it classifies the
// divergence, stores it in the pending set under a fresh id, and
// returns the conflict.
func (r *Resolver[V]) Detect(key string, current, incoming V, timestamp int64, sourceID string) *Conflict[V] {
	curData, curErr := r.codec.Marshal(current)
	incData, incErr := r.codec.Marshal(incoming)
	if curErr == nil && incErr == nil && bytes.Equal(curData, incData) {
		return nil
	}
	kind := KindModification
	switch {
	case curErr == nil && r.isEmpty(curData):
		kind = KindAddition
	case incErr == nil && r.isEmpty(incData):
		kind = KindDeletion
	}
	c := &Conflict[V]{
		ID:        uuid.NewString(),
		Key:       key,
		Current:   current,
		Incoming:  incoming,
		Timestamp: timestamp,
		SourceID:  sourceID,
		Kind:      kind,
	}
	r.mu.Lock()
	r.pending[c.ID] = c
	r.mu.Unlock()
	return c
}

// Resolve applies the named strategy to a pending conflict and removes
// it from the pending set. Unknown strategies fall back to
// last-write-wins. An unknown conflict id returns (zero, false): the
// conflict was already resolved elsewhere, which is a legitimate race,
// not an error.
func (r *Resolver[V]) Resolve(conflictID, strategyName string) (V, bool) {
	var zero V
	r.mu.Lock()
	c, ok := r.pending[conflictID]
	if !ok {
		r.mu.Unlock()
		return zero, false
	}
	delete(r.pending, conflictID)
	fn, ok := r.strategies[strategyName]
	if !ok {
		fn = r.strategies[StrategyLastWriteWins]
	}
	r.mu.Unlock()
	return fn(c.Current, c.Incoming), true
}

// PendingCount reports how many detected conflicts await resolution.
func (r *Resolver[V]) PendingCount() int {
	r.mu.Lock()
	n := len(r.pending)
	r.mu.Unlock()
	return n
}

// Pending returns a snapshot of the unresolved conflicts.
func (r *Resolver[V]) Pending() []Conflict[V] {
	r.mu.Lock()
	out := make([]Conflict[V], 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, *c)
	}
	r.mu.Unlock()
	return out
}

// isEmpty reports whether data is the serialized form of the zero
// value. JSON null/empty containers count as empty too, so a cleared
// slice and a nil slice classify the same way.
func (r *Resolver[V]) isEmpty(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if r.emptyForm != nil && bytes.Equal(data, r.emptyForm) {
		return true
	}
	switch string(data) {
	case "null", "[]", "{}", `""`:
		return true
	}
	return false
}
