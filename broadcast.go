package syncgroup

import (
	"sync"
)

// Broadcast delivers typed messages to every participant in the group
// except the sender. Delivery is at-most-once, unordered, best-effort.
type Broadcast interface {
	// Publish sends a message to the rest of the group. It never
	// blocks on slow receivers; undeliverable messages are dropped.
	Publish(msg Message)
	// Subscribe registers a handler for a message type and returns a
	// function that removes the registration.
	Subscribe(msgType MessageType, handler func(Message)) (unsubscribe func())
	// Close stops delivery and releases transport resources.
	Close() error
}

const endpointQueueSize = 64

// Bus is an in-process broadcast hub. Each participant obtains its own
// Endpoint; publishing on one endpoint fans out to all others. This is
// the native pub/sub path when participants share a process, and the
// standard transport in tests.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*busEndpoint
}

// NewBus creates an empty hub.
func NewBus() *Bus {
	return &Bus{endpoints: make(map[string]*busEndpoint)}
}

// Endpoint returns the broadcast endpoint for the given participant,
// creating it on first use. Messages published by a participant are
// never delivered back to its own endpoint.
func (b *Bus) Endpoint(participantID string) Broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.endpoints[participantID]; ok {
		return ep
	}
	ep := &busEndpoint{
		bus:   b,
		id:    participantID,
		queue: make(chan Message, endpointQueueSize),
		stop:  make(chan struct{}),
	}
	ep.handlers = make(map[MessageType]map[int]func(Message))
	ep.wg.Add(1)
	go ep.run()
	b.endpoints[participantID] = ep
	return ep
}

func (b *Bus) dispatch(senderID string, msg Message) {
	b.mu.RLock()
	targets := make([]*busEndpoint, 0, len(b.endpoints))
	for id, ep := range b.endpoints {
		if id == senderID {
			continue
		}
		targets = append(targets, ep)
	}
	b.mu.RUnlock()
	for _, ep := range targets {
		ep.enqueue(msg)
	}
}

func (b *Bus) remove(participantID string) {
	b.mu.Lock()
	delete(b.endpoints, participantID)
	b.mu.Unlock()
}

type busEndpoint struct {
	bus   *Bus
	id    string
	queue chan Message
	stop  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	handlers map[MessageType]map[int]func(Message)
	nextSub  int
	closed   bool
}

func (ep *busEndpoint) Publish(msg Message) {
	if msg.SenderID == "" {
		msg.SenderID = ep.id
	}
	ep.bus.dispatch(ep.id, msg)
}

func (ep *busEndpoint) Subscribe(msgType MessageType, handler func(Message)) func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.handlers[msgType] == nil {
		ep.handlers[msgType] = make(map[int]func(Message))
	}
	token := ep.nextSub
	ep.nextSub++
	ep.handlers[msgType][token] = handler
	return func() {
		ep.mu.Lock()
		delete(ep.handlers[msgType], token)
		ep.mu.Unlock()
	}
}

func (ep *busEndpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()
	ep.bus.remove(ep.id)
	close(ep.stop)
	ep.wg.Wait()
	return nil
}

// enqueue drops the message when the endpoint's queue is full. A slow
// receiver simply misses the update, which at-most-once delivery allows.
func (ep *busEndpoint) enqueue(msg Message) {
	select {
	case ep.queue <- msg:
	case <-ep.stop:
	default:
	}
}

func (ep *busEndpoint) run() {
	defer ep.wg.Done()
	for {
		select {
		case <-ep.stop:
			return
		case msg := <-ep.queue:
			// Self-filter also covers messages relayed with the
			// sender id preserved.
			if msg.SenderID == ep.id {
				continue
			}
			ep.mu.Lock()
			regs := ep.handlers[msg.Type]
			handlers := make([]func(Message), 0, len(regs))
			for _, h := range regs {
				handlers = append(handlers, h)
			}
			ep.mu.Unlock()
			for _, h := range handlers {
				h(msg)
			}
		}
	}
}
