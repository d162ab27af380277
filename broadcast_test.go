package syncgroup

import (
	"sync"
	"testing"
	"time"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestBusFansOutToOthers(t *testing.T) {
	bus := NewBus()
	a := bus.Endpoint("a")
	b := bus.Endpoint("b")
	c := bus.Endpoint("c")

	var mu sync.Mutex
	received := make(map[string]int)
	record := func(id string) func(Message) {
		return func(Message) {
			mu.Lock()
			received[id]++
			mu.Unlock()
		}
	}
	defer a.Subscribe(TypeSync, record("a"))()
	defer b.Subscribe(TypeSync, record("b"))()
	defer c.Subscribe(TypeSync, record("c"))()

	a.Publish(Message{ID: "m1", Type: TypeSync, SenderID: "a"})

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["b"] == 1 && received["c"] == 1
	})
	mu.Lock()
	if received["a"] != 0 {
		t.Fatalf("sender received its own message")
	}
	mu.Unlock()
}

func TestBusSubscribeFiltersByType(t *testing.T) {
	bus := NewBus()
	a := bus.Endpoint("a")
	b := bus.Endpoint("b")

	var mu sync.Mutex
	var got []MessageType
	defer b.Subscribe(TypeElection, func(msg Message) {
		mu.Lock()
		got = append(got, msg.Type)
		mu.Unlock()
	})()

	a.Publish(Message{ID: "m1", Type: TypeSync, SenderID: "a"})
	a.Publish(Message{ID: "m2", Type: TypeElection, SenderID: "a"})

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	if got[0] != TypeElection {
		t.Fatalf("wrong type delivered: %v", got[0])
	}
	mu.Unlock()
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	a := bus.Endpoint("a")
	b := bus.Endpoint("b")

	var mu sync.Mutex
	count := 0
	unsub := b.Subscribe(TypeSync, func(Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	a.Publish(Message{ID: "m1", Type: TypeSync, SenderID: "a"})
	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	unsub()
	a.Publish(Message{ID: "m2", Type: TypeSync, SenderID: "a"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	if count != 1 {
		t.Fatalf("delivery continued after unsubscribe: %d", count)
	}
	mu.Unlock()
}

func TestBusClosedEndpointIsRemoved(t *testing.T) {
	bus := NewBus()
	a := bus.Endpoint("a")
	b := bus.Endpoint("b")

	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	// Publishing after a peer closed must not block or panic.
	a.Publish(Message{ID: "m1", Type: TypeSync, SenderID: "a"})

	if err := b.Close(); err != nil {
		t.Fatalf("double close failed: %v", err)
	}
}
