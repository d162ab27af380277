package syncgroup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DobryySoul/syncgroup/internal/election"
	"github.com/DobryySoul/syncgroup/internal/lclock"
	"github.com/DobryySoul/syncgroup/internal/liveness"
)

// SyncStatus is the aggregate synchronization state reported to the
// application layer.
type SyncStatus string

const (
	// StatusSynced means no work is outstanding and peers are visible.
	StatusSynced SyncStatus = "synced"
	// StatusSyncing means a broadcast or reconciliation round is still
	// settling.
	StatusSyncing SyncStatus = "syncing"
	// StatusConflict means at least one detected conflict awaits
	// resolution.
	StatusConflict SyncStatus = "conflict"
	// StatusOffline means no other live participant has been observed
	// for a qualifying window.
	StatusOffline SyncStatus = "offline"
)

// settleWindow is how long after the last sync traffic the coordinator
// still reports StatusSyncing, approximating an outstanding round trip
// on a channel with no acknowledgements.
const settleWindow = 500 * time.Millisecond

// Participant is one live member of the sync group as seen through the
// shared store.
type Participant struct {
	ID           string
	SessionStart int64
	IsLeader     bool
}

// Coordinator synchronizes values of type V across a group of
// participants sharing a Store and a Broadcast. It is safe for
// concurrent use by multiple goroutines.
type Coordinator[V any] struct {
	cfg           Config
	store         Store
	broadcast     Broadcast
	ownsBroadcast bool
	codec         Codec[V]
	logger        *slog.Logger
	onError       func(error)
	clock         func() time.Time
	lamport       *lclock.Clock
	resolver      *Resolver[V]
	tracker       *liveness.Tracker
	machine       *election.Machine

	mu               sync.Mutex
	closed           bool
	applied          map[string]appliedEntry[V]
	debounce         map[string]*debounceEntry[V]
	keyStrategies    map[string]string
	remoteHandlers   map[string][]func(value V)
	conflictHandlers []func(conflict Conflict[V], resolved V)
	leaderHandlers   []func(isLeader bool, leaderID string)
	lastPeerSeen     time.Time
	lastActivity     time.Time
	startTime        time.Time

	unsubs []func()
	stop   chan struct{}
	wg     sync.WaitGroup
}

type appliedEntry[V any] struct {
	value     V
	timestamp int64
	origin    string
}

type debounceEntry[V any] struct {
	value V
	timer *time.Timer
}

// New creates a coordinator for one participant. Without WithStore the
// coordinator runs against a private in-memory store and therefore
// alone; real groups inject a store and broadcast every participant
// can reach. V must be provided explicitly because it cannot be
// inferred from arguments.
func New[V any](opts ...Option) (*Coordinator[V], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	if len(cfg.Seeds) > 0 && cfg.BindAddr == "" {
		return nil, fmt.Errorf("syncgroup: bind addr required when seeds are set")
	}

	codec := Codec[V](JSONCodec[V]{})
	if cfg.codec != nil {
		typed, ok := cfg.codec.(Codec[V])
		if !ok {
			return nil, fmt.Errorf("syncgroup: codec type mismatch")
		}
		codec = typed
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	errorHandler := cfg.errorHandler
	if errorHandler == nil {
		errorHandler = func(error) {}
	}
	store := cfg.store
	if store == nil {
		store = NewMemoryStore()
	}

	now := cfg.clock()
	c := &Coordinator[V]{
		cfg:            cfg,
		store:          store,
		codec:          codec,
		logger:         logger.With("participant", cfg.ParticipantID),
		onError:        errorHandler,
		clock:          cfg.clock,
		lamport:        lclock.New(),
		resolver:       NewResolver[V](codec),
		tracker:        liveness.New(store, cfg.ParticipantID, now.UnixMilli(), cfg.LivenessTimeout, cfg.clock),
		machine:        election.New(cfg.ParticipantID, now.UnixMilli(), cfg.ElectionDelay),
		applied:        make(map[string]appliedEntry[V]),
		debounce:       make(map[string]*debounceEntry[V]),
		keyStrategies:  make(map[string]string),
		remoteHandlers: make(map[string][]func(V)),
		startTime:      now,
		stop:           make(chan struct{}),
	}

	switch {
	case cfg.broadcast != nil:
		c.broadcast = cfg.broadcast
	case cfg.BindAddr != "":
		b, err := newUDPBroadcast(cfg.ParticipantID, cfg.BindAddr, cfg.Seeds, cfg.Discovery, errorHandler)
		if err != nil {
			return nil, err
		}
		c.broadcast = b
		c.ownsBroadcast = true
	default:
		// No native pub/sub available: degrade to polling the store.
		c.broadcast = NewStoreBroadcast(store, cfg.ParticipantID, StoreBroadcastConfig{Clock: cfg.clock})
		c.ownsBroadcast = true
	}

	c.unsubs = append(c.unsubs,
		c.broadcast.Subscribe(TypeSync, c.handleSync),
		c.broadcast.Subscribe(TypeForceSync, c.handleForceSync),
		c.broadcast.Subscribe(TypeResolution, c.handleResolution),
		c.broadcast.Subscribe(TypeElection, c.handleElection),
		c.broadcast.Subscribe(TypeHeartbeat, c.handleHeartbeat),
	)

	// Announce presence before the first tick so peers can see us.
	if !c.tracker.Beat(false) {
		c.logger.Warn("initial heartbeat write rejected by store")
	}

	c.wg.Add(1)
	go c.run()
	return c, nil
}

// ID returns the local participant id.
func (c *Coordinator[V]) ID() string { return c.cfg.ParticipantID }

// RegisterStrategy registers a named resolution strategy.
func (c *Coordinator[V]) RegisterStrategy(name string, fn Strategy[V]) {
	c.resolver.Register(name, fn)
}

// UseStrategy selects the resolution strategy applied to conflicts on
// the given key. Keys without an explicit choice use the configured
// default. Unknown names fall back to last-write-wins at resolution
// time.
func (c *Coordinator[V]) UseStrategy(key, strategyName string) {
	c.mu.Lock()
	c.keyStrategies[key] = strategyName
	c.mu.Unlock()
}

// OnRemoteChange registers a handler invoked with the final value
// applied for key after a remote change (directly applied or conflict
// resolved).
func (c *Coordinator[V]) OnRemoteChange(key string, handler func(value V)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.remoteHandlers[key] = append(c.remoteHandlers[key], handler)
	c.mu.Unlock()
}

// OnConflict registers a handler invoked with the conflict metadata
// and the value the strategy produced, so the application can show a
// user-facing notice.
func (c *Coordinator[V]) OnConflict(handler func(conflict Conflict[V], resolved V)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.conflictHandlers = append(c.conflictHandlers, handler)
	c.mu.Unlock()
}

// OnLeaderChange registers a handler invoked whenever leadership moves,
// with the local participant's leadership flag and the leader's id.
func (c *Coordinator[V]) OnLeaderChange(handler func(isLeader bool, leaderID string)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.leaderHandlers = append(c.leaderHandlers, handler)
	c.mu.Unlock()
}

// PublishLocalChange records a local write under key and broadcasts it
// to the group after the debounce quiet period. Rapid successive
// writes to the same key coalesce into one broadcast carrying the
// latest value.
func (c *Coordinator[V]) PublishLocalChange(key string, value V) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.cfg.DebounceInterval <= 0 {
		c.publishLocked(key, value, TypeSync)
		c.mu.Unlock()
		return
	}
	if entry, ok := c.debounce[key]; ok {
		entry.value = value
		entry.timer.Reset(c.cfg.DebounceInterval)
		c.mu.Unlock()
		return
	}
	entry := &debounceEntry[V]{value: value}
	entry.timer = time.AfterFunc(c.cfg.DebounceInterval, func() {
		c.flushDebounced(key)
	})
	c.debounce[key] = entry
	c.mu.Unlock()
}

// ForceSync bypasses the debounce, immediately broadcasts the current
// value for key, and asks every participant to reconcile by
// re-broadcasting theirs.
func (c *Coordinator[V]) ForceSync(key string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	value, ok := c.currentValueLocked(key)
	if entry, pending := c.debounce[key]; pending {
		entry.timer.Stop()
		delete(c.debounce, key)
		value = entry.value
		ok = true
	}
	if !ok {
		// Nothing held locally: send a bare reconcile request so
		// whoever holds the key re-broadcasts it.
		request := Message{
			ID:        uuid.NewString(),
			Type:      TypeForceSync,
			Key:       key,
			Timestamp: c.lamport.Tick(),
			SenderID:  c.cfg.ParticipantID,
		}
		c.mu.Unlock()
		c.broadcast.Publish(request)
		return
	}
	c.publishLocked(key, value, TypeForceSync)
	c.mu.Unlock()
}

// Get returns the current locally known value for key, including local
// writes still waiting out the debounce. It falls back to the shared
// store for values persisted by an earlier session and returns
// ErrNotFound when the key holds nothing.
func (c *Coordinator[V]) Get(key string) (V, error) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return zero, ErrClosed
	}
	if entry, ok := c.debounce[key]; ok {
		return entry.value, nil
	}
	value, ok := c.currentValueLocked(key)
	if !ok {
		return zero, ErrNotFound
	}
	return value, nil
}

// Status derives the aggregate sync state.
func (c *Coordinator[V]) Status() SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	lastSeen := c.lastPeerSeen
	if lastSeen.IsZero() {
		lastSeen = c.startTime
	}
	if now.Sub(lastSeen) > c.cfg.LivenessTimeout {
		return StatusOffline
	}
	if c.resolver.PendingCount() > 0 {
		return StatusConflict
	}
	if len(c.debounce) > 0 {
		return StatusSyncing
	}
	if !c.lastActivity.IsZero() && now.Sub(c.lastActivity) < settleWindow {
		return StatusSyncing
	}
	return StatusSynced
}

// IsLeader reports whether this participant currently leads the group.
func (c *Coordinator[V]) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.IsLeader()
}

// LeaderID returns the currently known leader id, or empty during a
// no-leader window.
func (c *Coordinator[V]) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.LeaderID()
}

// Participants returns a snapshot of the live group view, including
// this participant.
func (c *Coordinator[V]) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	records := c.tracker.Scan()
	out := make([]Participant, 0, len(records))
	for _, rec := range records {
		out = append(out, Participant{
			ID:           rec.ID,
			SessionStart: rec.SessionStart,
			IsLeader:     rec.IsLeader,
		})
	}
	return out
}

// PendingConflicts returns the conflicts detected but not yet
// resolved. With automatic resolution this is normally empty; it is
// populated when applications drive the resolver directly.
func (c *Coordinator[V]) PendingConflicts() []Conflict[V] {
	return c.resolver.Pending()
}

// Close flushes debounced changes, stops all timers, removes the
// participant record from the store, and releases owned transports.
// Injected stores and broadcasts remain the caller's to close.
func (c *Coordinator[V]) Close(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	pending := make(map[string]V, len(c.debounce))
	for key, entry := range c.debounce {
		entry.timer.Stop()
		pending[key] = entry.value
	}
	clear(c.debounce)
	// Flush so a graceful shutdown does not drop the last local write.
	for key, value := range pending {
		c.publishLocked(key, value, TypeSync)
	}
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.tracker.Leave()
	if c.ownsBroadcast {
		return c.broadcast.Close()
	}
	return nil
}

func (c *Coordinator[V]) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick is one heartbeat round: record presence, reap the dead, and
// evaluate the election against the fresh liveness view.
func (c *Coordinator[V]) tick() {
	now := c.clock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.tracker.Beat(c.machine.IsLeader()) {
		// A missed heartbeat write only risks being reaped slightly
		// early; the next successful beat self-heals.
		c.logger.Warn("heartbeat write rejected by store")
	}
	announce, notify := c.evaluateLocked(now)
	heartbeat := Message{
		ID:        uuid.NewString(),
		Type:      TypeHeartbeat,
		Timestamp: c.lamport.Now(),
		SenderID:  c.cfg.ParticipantID,
	}
	c.mu.Unlock()

	c.broadcast.Publish(heartbeat)
	if announce != nil {
		c.broadcast.Publish(*announce)
	}
	if notify != nil {
		notify()
	}
}

// evaluateLocked scans liveness and steps the election FSM. It returns
// an optional leadership announcement and a deferred notification to
// run outside the lock.
func (c *Coordinator[V]) evaluateLocked(now time.Time) (*Message, func()) {
	records := c.tracker.Scan()
	peers := make([]election.Peer, 0, len(records))
	others := false
	for _, rec := range records {
		if rec.ID != c.cfg.ParticipantID {
			others = true
		}
		peers = append(peers, election.Peer{
			ID:           rec.ID,
			SessionStart: rec.SessionStart,
			IsLeader:     rec.IsLeader,
		})
	}
	if others {
		c.lastPeerSeen = now
	}

	res := c.machine.Evaluate(peers, now)
	isLeader := c.machine.IsLeader()
	var announce *Message
	if res.SelfChanged {
		// Persist the new leadership flag without waiting a tick.
		c.tracker.Beat(isLeader)
		if isLeader {
			announce = &Message{
				ID:        uuid.NewString(),
				Type:      TypeElection,
				Timestamp: c.lamport.Tick(),
				SenderID:  c.cfg.ParticipantID,
			}
		}
	}
	if !res.SelfChanged && !res.LeaderChanged {
		return announce, nil
	}
	handlers := slices.Clone(c.leaderHandlers)
	leaderID := res.LeaderID
	return announce, func() {
		for _, h := range handlers {
			h(isLeader, leaderID)
		}
	}
}

// publishLocked applies a local value and broadcasts it. Caller holds
// the lock.
func (c *Coordinator[V]) publishLocked(key string, value V, msgType MessageType) {
	payload, err := c.codec.Marshal(value)
	if err != nil {
		c.reportErr(fmt.Errorf("syncgroup: marshal %q: %w", key, err))
		return
	}
	ts := c.lamport.Tick()
	if !c.store.Set(c.cfg.Namespace+key, payload) {
		c.logger.Warn("store rejected value write", "key", key)
	}
	c.applied[key] = appliedEntry[V]{value: value, timestamp: ts, origin: c.cfg.ParticipantID}
	c.lastActivity = c.clock()
	msg := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Key:       key,
		Payload:   payload,
		Timestamp: ts,
		SenderID:  c.cfg.ParticipantID,
		Checksum:  Checksum(payload),
	}
	c.broadcast.Publish(msg)
}

func (c *Coordinator[V]) flushDebounced(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	entry, ok := c.debounce[key]
	if !ok {
		return
	}
	delete(c.debounce, key)
	c.publishLocked(key, entry.value, TypeSync)
}

// currentValueLocked returns the locally applied value for key,
// falling back to the shared store for values persisted by an earlier
// session.
func (c *Coordinator[V]) currentValueLocked(key string) (V, bool) {
	if entry, ok := c.applied[key]; ok {
		return entry.value, true
	}
	var zero V
	data, ok := c.store.Get(c.cfg.Namespace + key)
	if !ok {
		return zero, false
	}
	value, err := c.codec.Unmarshal(data)
	if err != nil {
		return zero, false
	}
	c.applied[key] = appliedEntry[V]{value: value}
	return value, true
}

// handleSync is the remote-change pipeline: checksum gate, staleness
// gate, conflict detection, resolution, local apply, notification.
func (c *Coordinator[V]) handleSync(msg Message) {
	c.applyRemote(msg, true)
}

// handleResolution applies a peer's conflict resolution. The payload
// is an already-merged value, so running the strategy again would
// double-apply non-idempotent merges (e.g. summed quantities); the
// resolved value is authoritative and wins by timestamp, with the
// sender id breaking ties between concurrent resolutions.
func (c *Coordinator[V]) handleResolution(msg Message) {
	c.applyRemote(msg, false)
}

// handleForceSync reconciles: run the incoming value through the
// normal pipeline, then answer with our current value so the requester
// converges too. An empty payload is a bare reconcile request from a
// participant that holds nothing for the key.
func (c *Coordinator[V]) handleForceSync(msg Message) {
	if len(msg.Payload) > 0 {
		c.applyRemote(msg, true)
	} else {
		c.lamport.Observe(msg.Timestamp)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	value, ok := c.currentValueLocked(msg.Key)
	if !ok {
		c.mu.Unlock()
		return
	}
	payload, err := c.codec.Marshal(value)
	if err == nil && string(payload) == string(msg.Payload) {
		// Already in agreement; replying would only echo.
		c.mu.Unlock()
		return
	}
	c.publishLocked(msg.Key, value, TypeSync)
	c.mu.Unlock()
}

func (c *Coordinator[V]) handleElection(msg Message) {
	c.lamport.Observe(msg.Timestamp)
	now := c.clock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastPeerSeen = now
	announce, notify := c.evaluateLocked(now)
	c.mu.Unlock()
	if announce != nil {
		c.broadcast.Publish(*announce)
	}
	if notify != nil {
		notify()
	}
}

func (c *Coordinator[V]) handleHeartbeat(msg Message) {
	c.lamport.Observe(msg.Timestamp)
	c.mu.Lock()
	c.lastPeerSeen = c.clock()
	c.mu.Unlock()
}

// applyRemote runs the shared tail of the remote-change pipeline.
// detect=false treats the payload as authoritative (resolutions).
func (c *Coordinator[V]) applyRemote(msg Message, detect bool) {
	if msg.Checksum != "" && Checksum(msg.Payload) != msg.Checksum {
		// Corrupted in transit. At-most-once delivery means silent
		// loss beats trusting bad data; a later broadcast corrects it.
		c.logger.Warn("dropping message with checksum mismatch",
			"key", msg.Key, "sender", msg.SenderID)
		return
	}
	c.lamport.Observe(msg.Timestamp)
	incoming, err := c.codec.Unmarshal(msg.Payload)
	if err != nil {
		c.reportErr(fmt.Errorf("syncgroup: unmarshal %q: %w", msg.Key, err))
		return
	}

	now := c.clock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastPeerSeen = now
	c.lastActivity = now

	current, held := c.currentValueLocked(msg.Key)
	entry := c.applied[msg.Key]
	if held && msg.Timestamp < entry.timestamp {
		// Strictly older than what we already applied: dropping it
		// keeps the per-key timestamp monotonic despite reordering.
		// Equal stamps are concurrent writes, not stale ones, and fall
		// through so divergent payloads still reach detection.
		c.mu.Unlock()
		return
	}
	if !held || !detect {
		if held && msg.Timestamp == entry.timestamp && msg.SenderID <= entry.origin {
			// Concurrent with the applied write at the same stamp: the
			// sender id breaks the tie so every participant settles on
			// the same one.
			c.mu.Unlock()
			return
		}
		c.applyLocked(msg.Key, incoming, msg.Payload, msg.Timestamp, msg.SenderID)
		notify := c.remoteNotifyLocked(msg.Key, incoming)
		c.mu.Unlock()
		notify()
		return
	}

	conflict := c.resolver.Detect(msg.Key, current, incoming, msg.Timestamp, msg.SenderID)
	if conflict == nil {
		// Same bytes: advance the clock position only.
		if msg.Timestamp > entry.timestamp ||
			(msg.Timestamp == entry.timestamp && msg.SenderID > entry.origin) {
			c.applied[msg.Key] = appliedEntry[V]{value: incoming, timestamp: msg.Timestamp, origin: msg.SenderID}
		}
		c.mu.Unlock()
		return
	}

	strategy, ok := c.keyStrategies[msg.Key]
	if !ok {
		strategy = c.cfg.DefaultStrategy
	}
	resolved, ok := c.resolver.Resolve(conflict.ID, strategy)
	if !ok {
		// Resolved concurrently elsewhere; nothing left to apply.
		c.mu.Unlock()
		return
	}
	payload, err := c.codec.Marshal(resolved)
	if err != nil {
		c.reportErr(fmt.Errorf("syncgroup: marshal resolved %q: %w", msg.Key, err))
		c.mu.Unlock()
		return
	}
	ts := c.lamport.Tick()
	c.applyLocked(msg.Key, resolved, payload, ts, c.cfg.ParticipantID)
	resolution := Message{
		ID:        uuid.NewString(),
		Type:      TypeResolution,
		Key:       msg.Key,
		Payload:   payload,
		Timestamp: ts,
		SenderID:  c.cfg.ParticipantID,
		Checksum:  Checksum(payload),
	}
	conflictHandlers := slices.Clone(c.conflictHandlers)
	notify := c.remoteNotifyLocked(msg.Key, resolved)
	c.mu.Unlock()

	c.broadcast.Publish(resolution)
	for _, h := range conflictHandlers {
		h(*conflict, resolved)
	}
	notify()
}

// applyLocked writes the value locally and records the applied
// timestamp with the id of the participant that produced it. Caller
// holds the lock.
func (c *Coordinator[V]) applyLocked(key string, value V, payload []byte, ts int64, origin string) {
	if !c.store.Set(c.cfg.Namespace+key, payload) {
		c.logger.Warn("store rejected value write", "key", key)
	}
	c.applied[key] = appliedEntry[V]{value: value, timestamp: ts, origin: origin}
}

func (c *Coordinator[V]) remoteNotifyLocked(key string, value V) func() {
	handlers := slices.Clone(c.remoteHandlers[key])
	return func() {
		for _, h := range handlers {
			h(value)
		}
	}
}

func (c *Coordinator[V]) reportErr(err error) {
	if err == nil {
		return
	}
	c.logger.Debug("internal error", "error", err)
	c.onError(err)
}
