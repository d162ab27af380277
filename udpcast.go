package syncgroup

import (
	"fmt"
	"sync"

	"github.com/DobryySoul/syncgroup/internal/discovery"
	"github.com/DobryySoul/syncgroup/internal/transport"
)

// udpBroadcast adapts the UDP datagram transport to the Broadcast
// interface. It is constructed by New when a bind address is
// configured; peers come from seeds and, optionally, mDNS discovery.
type udpBroadcast struct {
	selfID    string
	udp       *transport.UDP
	discovery *discovery.MDNS
	onError   func(error)

	mu       sync.Mutex
	handlers map[MessageType]map[int]func(Message)
	nextSub  int
	closed   bool
}

func newUDPBroadcast(selfID, bindAddr string, seeds []string, enableDiscovery bool, onError func(error)) (*udpBroadcast, error) {
	b := &udpBroadcast{
		selfID:   selfID,
		onError:  onError,
		handlers: make(map[MessageType]map[int]func(Message)),
	}
	b.udp = transport.New(bindAddr, seeds, b.receive, onError)
	if err := b.udp.Start(); err != nil {
		return nil, err
	}
	if enableDiscovery {
		mdns, err := discovery.New(selfID, bindAddr, b.udp.AddPeers)
		if err != nil {
			_ = b.udp.Stop()
			return nil, err
		}
		b.discovery = mdns
	}
	return b, nil
}

func (b *udpBroadcast) Publish(msg Message) {
	if msg.SenderID == "" {
		msg.SenderID = b.selfID
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		b.reportErr(fmt.Errorf("syncgroup: encode message: %w", err))
		return
	}
	b.udp.Send(data)
}

func (b *udpBroadcast) Subscribe(msgType MessageType, handler func(Message)) func() {
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

func (b *udpBroadcast) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.discovery.Stop()
	return b.udp.Stop()
}

func (b *udpBroadcast) receive(frame []byte) {
	msg, err := DecodeMessage(frame)
	if err != nil {
		b.reportErr(fmt.Errorf("syncgroup: decode message: %w", err))
		return
	}
	if msg.SenderID == b.selfID {
		return
	}
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

func (b *udpBroadcast) reportErr(err error) {
	if b.onError == nil || err == nil {
		return
	}
	b.onError(err)
}
