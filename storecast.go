package syncgroup

import (
	"bytes"
	"encoding/gob"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	broadcastPrefix     = "broadcast:"
	defaultPollInterval = 250 * time.Millisecond
	defaultGracePeriod  = time.Second
	seenCacheSize       = 1024
)

// StoreBroadcastConfig tunes the polling fallback. Zero values take
// the defaults (250ms poll, 1s grace period, wall clock).
type StoreBroadcastConfig struct {
	PollInterval time.Duration
	GracePeriod  time.Duration
	Clock        func() time.Time
}

// envelope is the persisted form of a fallback message. StoredAt lets
// any participant reap an entry after the grace period, observed or not.
type envelope struct {
	Msg      Message
	StoredAt int64
}

// StoreBroadcast is the Broadcast fallback for environments with no
// native pub/sub primitive. Publish writes a short-lived, uniquely
// keyed entry to the shared store; a poll loop on every participant
// lists the broadcast namespace, dispatches unseen entries, and deletes
// entries older than the grace period.
type StoreBroadcast struct {
	store  Store
	selfID string
	cfg    StoreBroadcastConfig
	seen   *lru.Cache[string, struct{}]

	mu       sync.Mutex
	handlers map[MessageType]map[int]func(Message)
	nextSub  int
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewStoreBroadcast starts a polling broadcast over the given store.
// selfID is the local participant id used for sender self-filtering.
func NewStoreBroadcast(store Store, selfID string, cfg StoreBroadcastConfig) *StoreBroadcast {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	seen, _ := lru.New[string, struct{}](seenCacheSize)
	b := &StoreBroadcast{
		store:    store,
		selfID:   selfID,
		cfg:      cfg,
		seen:     seen,
		handlers: make(map[MessageType]map[int]func(Message)),
		stop:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.pollLoop()
	return b
}

// Publish persists the message under a unique key. The entry will be
// deleted by whichever participant first sees it expire; a write
// failure means the message is silently lost, as the contract allows.
func (b *StoreBroadcast) Publish(msg Message) {
	if msg.SenderID == "" {
		msg.SenderID = b.selfID
	}
	data, err := encodeEnvelope(envelope{Msg: msg, StoredAt: b.cfg.Clock().UnixNano()})
	if err != nil {
		return
	}
	// Own messages are never redelivered locally.
	b.seen.Add(msg.ID, struct{}{})
	b.store.Set(broadcastPrefix+msg.ID, data)
}

func (b *StoreBroadcast) Subscribe(msgType MessageType, handler func(Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[msgType] == nil {
		b.handlers[msgType] = make(map[int]func(Message))
	}
	token := b.nextSub
	b.nextSub++
	b.handlers[msgType][token] = handler
	return func() {
		b.mu.Lock()
		delete(b.handlers[msgType], token)
		b.mu.Unlock()
	}
}

func (b *StoreBroadcast) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.stop)
	b.wg.Wait()
	return nil
}

func (b *StoreBroadcast) pollLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.poll()
		}
	}
}

func (b *StoreBroadcast) poll() {
	now := b.cfg.Clock()
	for _, key := range b.store.ListKeys(broadcastPrefix) {
		data, ok := b.store.Get(key)
		if !ok {
			continue
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			// Unreadable entries are junk; reap them immediately.
			b.store.Delete(key)
			continue
		}
		if now.Sub(time.Unix(0, env.StoredAt)) > b.cfg.GracePeriod {
			b.store.Delete(key)
			continue
		}
		if env.Msg.SenderID == b.selfID {
			continue
		}
		if _, dup := b.seen.Get(env.Msg.ID); dup {
			continue
		}
		b.seen.Add(env.Msg.ID, struct{}{})
		b.dispatch(env.Msg)
	}
}

func (b *StoreBroadcast) dispatch(msg Message) {
	b.mu.Lock()
	regs := b.handlers[msg.Type]
	handlers := make([]func(Message), 0, len(regs))
	for _, h := range regs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func encodeEnvelope(env envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return envelope{}, err
	}
	return env, nil
}
