// Package liveness tracks which participants of a sync group are
// alive. Each participant periodically writes its own heartbeat record
// to the shared store; records whose heartbeat exceeds the timeout are
// reaped by whichever live participant scans first. Timeout-based
// reaping is the sole failure-detection mechanism, so no explicit
// leave handshake is required.
package liveness

import (
	"encoding/json"
	"time"
)

// KeyPrefix namespaces participant records in the shared store.
const KeyPrefix = "participant:"

// Record is one participant's presence entry. A participant writes
// only its own record; others read it and may delete it after timeout.
type Record struct {
	ID            string `json:"id"`
	SessionStart  int64  `json:"sessionStart"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	IsLeader      bool   `json:"isLeader"`
}

// Store is the slice of the shared store the tracker needs.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) bool
	Delete(key string)
	ListKeys(prefix string) []string
}

// Tracker maintains the local participant's heartbeat record and the
// view of live peers. Methods are not concurrency-safe; the owning
// coordinator calls them from its tick loop.
type Tracker struct {
	store        Store
	id           string
	sessionStart int64
	timeout      time.Duration
	clock        func() time.Time
}

// New creates a tracker for the given participant. sessionStart is in
// unix milliseconds and doubles as the election tie-break value.
func New(store Store, id string, sessionStart int64, timeout time.Duration, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		store:        store,
		id:           id,
		sessionStart: sessionStart,
		timeout:      timeout,
		clock:        clock,
	}
}

// ID returns the local participant id.
func (t *Tracker) ID() string { return t.id }

// SessionStart returns the local session start in unix milliseconds.
func (t *Tracker) SessionStart() int64 { return t.sessionStart }

// Beat writes the local heartbeat record. A false return means the
// store rejected the write (quota); the record simply risks being
// reaped slightly early, which self-heals on the next beat.
func (t *Tracker) Beat(isLeader bool) bool {
	rec := Record{
		ID:            t.id,
		SessionStart:  t.sessionStart,
		LastHeartbeat: t.clock().UnixMilli(),
		IsLeader:      isLeader,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	return t.store.Set(KeyPrefix+t.id, data)
}

// Scan returns all live participant records, deleting any whose
// heartbeat is older than the timeout as observed by the local clock.
// Clock skew between participants is tolerated because each side
// judges freshness against its own clock only.
func (t *Tracker) Scan() []Record {
	now := t.clock().UnixMilli()
	cutoff := t.timeout.Milliseconds()
	live := make([]Record, 0, 4)
	for _, key := range t.store.ListKeys(KeyPrefix) {
		data, ok := t.store.Get(key)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			t.store.Delete(key)
			continue
		}
		if now-rec.LastHeartbeat > cutoff {
			t.store.Delete(key)
			continue
		}
		live = append(live, rec)
	}
	return live
}

// Leave deletes the local participant record on graceful shutdown so
// peers do not wait out the timeout.
func (t *Tracker) Leave() {
	t.store.Delete(KeyPrefix + t.id)
}
