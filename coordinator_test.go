package syncgroup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHeartbeat = 10 * time.Millisecond
	testTimeout   = 60 * time.Millisecond
	testElection  = 25 * time.Millisecond
)

func newTestCoordinator[V any](t *testing.T, store Store, bus *Bus, id string, opts ...Option) *Coordinator[V] {
	t.Helper()
	base := []Option{
		WithParticipantID(id),
		WithStore(store),
		WithBroadcast(bus.Endpoint(id)),
		WithHeartbeatInterval(testHeartbeat),
		WithLivenessTimeout(testTimeout),
		WithElectionDelay(testElection),
		WithDebounceInterval(0),
	}
	c, err := New[V](append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestPublishPropagatesToPeer(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus()
	a := newTestCoordinator[string](t, store, bus, "a")
	b := newTestCoordinator[string](t, store, bus, "b")

	var mu sync.Mutex
	var seen []string
	b.OnRemoteChange("greeting", func(value string) {
		mu.Lock()
		seen = append(seen, value)
		mu.Unlock()
	})

	a.PublishLocalChange("greeting", "hello")

	require.Eventually(t, func() bool {
		value, err := b.Get("greeting")
		return err == nil && value == "hello"
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, seen, "hello")
	mu.Unlock()
}

func TestMonotonicApplication(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus()
	b := newTestCoordinator[string](t, store, bus, "b")
	var conflicts atomic.Int32
	b.OnConflict(func(Conflict[string], string) { conflicts.Add(1) })

	raw := bus.Endpoint("raw")
	send := func(ts int64, value string) {
		payload := []byte(`"` + value + `"`)
		raw.Publish(Message{
			ID:        value,
			Type:      TypeSync,
			Key:       "k",
			Payload:   payload,
			Timestamp: ts,
			SenderID:  "raw",
			Checksum:  Checksum(payload),
		})
	}

	// Delivered out of order: the highest timestamp must win and the
	// stale ones must never regress the applied value.
	send(3, "v3")
	require.Eventually(t, func() bool {
		value, err := b.Get("k")
		return err == nil && value == "v3"
	}, 2*time.Second, 5*time.Millisecond)

	send(1, "v1")
	send(2, "v2")
	time.Sleep(100 * time.Millisecond)

	value, err := b.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v3", value)
	assert.Zero(t, conflicts.Load(), "stale messages must be dropped before detection")
}

func TestChecksumRejection(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus()
	b := newTestCoordinator[string](t, store, bus, "b")

	raw := bus.Endpoint("raw")
	good := []byte(`"good"`)
	raw.Publish(Message{
		ID: "m1", Type: TypeSync, Key: "k",
		Payload: good, Timestamp: 1, SenderID: "raw", Checksum: Checksum(good),
	})
	require.Eventually(t, func() bool {
		value, err := b.Get("k")
		return err == nil && value == "good"
	}, 2*time.Second, 5*time.Millisecond)

	// Altered in transit: declared checksum no longer matches payload.
	tampered := []byte(`"evil"`)
	raw.Publish(Message{
		ID: "m2", Type: TypeSync, Key: "k",
		Payload: tampered, Timestamp: 9, SenderID: "raw", Checksum: Checksum(good),
	})
	time.Sleep(100 * time.Millisecond)

	value, err := b.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "good", value)
}

func TestConflictResolvedWithConfiguredStrategy(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus()
	b := newTestCoordinator[[]lineItem](t, store, bus, "b")
	b.RegisterStrategy("sum-quantities", sumQuantities)
	b.UseStrategy("cart", "sum-quantities")

	var mu sync.Mutex
	var gotConflict *Conflict[[]lineItem]
	var gotResolved []lineItem
	b.OnConflict(func(c Conflict[[]lineItem], resolved []lineItem) {
		mu.Lock()
		gotConflict = &c
		gotResolved = resolved
		mu.Unlock()
	})

	b.PublishLocalChange("cart", []lineItem{{ID: 1, Qty: 2}})

	raw := bus.Endpoint("raw")
	var resolutions []Message
	raw.Subscribe(TypeResolution, func(msg Message) {
		mu.Lock()
		resolutions = append(resolutions, msg)
		mu.Unlock()
	})
	payload := []byte(`[{"id":1,"qty":3},{"id":2,"qty":1}]`)
	raw.Publish(Message{
		ID: "m1", Type: TypeSync, Key: "cart",
		Payload: payload, Timestamp: 100, SenderID: "raw", Checksum: Checksum(payload),
	})

	want := []lineItem{{ID: 1, Qty: 5}, {ID: 2, Qty: 1}}
	require.Eventually(t, func() bool {
		value, err := b.Get("cart")
		return err == nil && len(value) == 2 && value[0] == want[0] && value[1] == want[1]
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, gotConflict)
	assert.Equal(t, KindModification, gotConflict.Kind)
	assert.Equal(t, "raw", gotConflict.SourceID)
	assert.Equal(t, want, gotResolved)
	// The resolved value is re-broadcast so peers converge too.
	require.NotEmpty(t, resolutions)
	assert.Equal(t, "cart", resolutions[0].Key)
	assert.Greater(t, resolutions[0].Timestamp, int64(100))
}

func TestConcurrentDivergentWritesConverge(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus()
	a := newTestCoordinator[[]lineItem](t, store, bus, "a")
	b := newTestCoordinator[[]lineItem](t, store, bus, "b")
	for _, co := range []*Coordinator[[]lineItem]{a, b} {
		co.RegisterStrategy("sum-quantities", sumQuantities)
		co.UseStrategy("cart", "sum-quantities")
	}

	// Both sides publish before seeing the other's write, so the
	// messages cross with concurrent timestamps from fresh clocks.
	a.PublishLocalChange("cart", []lineItem{{ID: 1, Qty: 2}})
	b.PublishLocalChange("cart", []lineItem{{ID: 1, Qty: 3}})

	want := lineItem{ID: 1, Qty: 5}
	require.Eventually(t, func() bool {
		va, errA := a.Get("cart")
		vb, errB := b.Get("cart")
		return errA == nil && errB == nil &&
			len(va) == 1 && va[0] == want &&
			len(vb) == 1 && vb[0] == want
	}, 3*time.Second, 5*time.Millisecond, "divergent concurrent writes must converge")

	assert.Empty(t, a.PendingConflicts())
	assert.Empty(t, b.PendingConflicts())
}

func TestDebounceCoalescesRapidWrites(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus()
	a := newTestCoordinator[int](t, store, bus, "a",
		WithDebounceInterval(40*time.Millisecond))

	var mu sync.Mutex
	var syncs []Message
	bus.Endpoint("observer").Subscribe(TypeSync, func(msg Message) {
		mu.Lock()
		syncs = append(syncs, msg)
		mu.Unlock()
	})

	for i := 1; i <= 5; i++ {
		a.PublishLocalChange("counter", i)
	}
	assert.Equal(t, StatusSyncing, a.Status(), "debounced write is outstanding")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(syncs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	require.Len(t, syncs, 1, "rapid writes must coalesce into one broadcast")
	assert.Equal(t, []byte("5"), syncs[0].Payload)
	mu.Unlock()
}

func TestCloseFlushesDebouncedWrites(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus()
	a, err := New[string](
		WithParticipantID("a"),
		WithStore(store),
		WithBroadcast(bus.Endpoint("a")),
		WithHeartbeatInterval(testHeartbeat),
		WithLivenessTimeout(testTimeout),
		WithElectionDelay(testElection),
		WithDebounceInterval(10*time.Second),
	)
	require.NoError(t, err)
	b := newTestCoordinator[string](t, store, bus, "b")

	a.PublishLocalChange("farewell", "goodbye")
	require.NoError(t, a.Close(context.Background()))
	assert.ErrorIs(t, a.Close(context.Background()), ErrClosed)

	require.Eventually(t, func() bool {
		value, err := b.Get("farewell")
		return err == nil && value == "goodbye"
	}, 2*time.Second, 5*time.Millisecond)

	// Graceful shutdown removes the participant record immediately.
	require.Eventually(t, func() bool {
		for _, p := range b.Participants() {
			if p.ID == "a" {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLeaderElectionAndFailover(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus()

	// Creation order fixes the session ordering: b is oldest, then a,
	// then c.
	b, err := New[string](
		WithParticipantID("b"), WithStore(store), WithBroadcast(bus.Endpoint("b")),
		WithHeartbeatInterval(testHeartbeat), WithLivenessTimeout(testTimeout),
		WithElectionDelay(testElection),
	)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	a := newTestCoordinator[string](t, store, bus, "a")
	time.Sleep(5 * time.Millisecond)
	c := newTestCoordinator[string](t, store, bus, "c")

	var mu sync.Mutex
	leaderEvents := make([]string, 0)
	a.OnLeaderChange(func(isLeader bool, leaderID string) {
		mu.Lock()
		leaderEvents = append(leaderEvents, leaderID)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		return b.IsLeader() && !a.IsLeader() && !c.IsLeader() &&
			a.LeaderID() == "b" && c.LeaderID() == "b"
	}, 3*time.Second, 5*time.Millisecond, "oldest session should lead")

	count := 0
	for _, p := range a.Participants() {
		if p.IsLeader {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one leader in the live view")

	// b leaves; leadership must move to the next-oldest session.
	require.NoError(t, b.Close(context.Background()))

	require.Eventually(t, func() bool {
		return a.IsLeader() && !c.IsLeader() && c.LeaderID() == "a"
	}, 3*time.Second, 5*time.Millisecond, "next-oldest session should take over")

	mu.Lock()
	assert.Contains(t, leaderEvents, "b")
	assert.Contains(t, leaderEvents, "a")
	mu.Unlock()
}

func TestStatusOfflineWhenAlone(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus()
	a := newTestCoordinator[string](t, store, bus, "a")

	require.Eventually(t, func() bool {
		return a.Status() == StatusOffline
	}, 2*time.Second, 5*time.Millisecond)

	// A peer appears and the coordinator comes back online.
	newTestCoordinator[string](t, store, bus, "b")
	require.Eventually(t, func() bool {
		return a.Status() == StatusSynced
	}, 2*time.Second, 5*time.Millisecond)
}

func TestForceSyncReconcilesLateJoiner(t *testing.T) {
	// Separate stores model participants that only share the channel,
	// so the late joiner really is missing the value.
	bus := NewBus()
	a := newTestCoordinator[string](t, NewMemoryStore(), bus, "a")
	a.PublishLocalChange("inventory", "12 units")

	b := newTestCoordinator[string](t, NewMemoryStore(), bus, "b")
	_, err := b.Get("inventory")
	require.ErrorIs(t, err, ErrNotFound)

	b.ForceSync("inventory")

	require.Eventually(t, func() bool {
		value, err := b.Get("inventory")
		return err == nil && value == "12 units"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New[string](WithParticipantID(""))
	assert.Error(t, err)

	_, err = New[string](WithSeeds([]string{"127.0.0.1:9000"}))
	assert.Error(t, err, "seeds require a bind addr")

	_, err = New[string](
		WithHeartbeatInterval(time.Second),
		WithLivenessTimeout(time.Second),
	)
	assert.Error(t, err, "timeout must exceed heartbeat interval")

	_, err = New[string](WithBindAddr("not-an-addr"))
	assert.Error(t, err)
}

func TestCodecMismatch(t *testing.T) {
	_, err := New[int](WithCodec[string](StringCodec{}))
	assert.Error(t, err)
}
