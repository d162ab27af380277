// Package transport provides a best-effort UDP datagram fan-out
// between sync-group participants. It carries opaque frames; message
// semantics live in the caller.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const maxFrameSize = 64 * 1024

// UDP sends every frame to all known peers and hands received frames
// to the onReceive callback. Delivery is at-most-once and unordered.
type UDP struct {
	bindAddr  string
	onReceive func([]byte)
	onError   func(error)

	conn *net.UDPConn
	stop chan struct{}
	wg   sync.WaitGroup

	peersMu  sync.RWMutex
	peers    []string
	peersSet map[string]struct{}
}

// New creates a transport bound to bindAddr with an initial peer list.
// Callbacks may be nil.
func New(bindAddr string, peers []string, onReceive func([]byte), onError func(error)) *UDP {
	u := &UDP{
		bindAddr:  bindAddr,
		onReceive: onReceive,
		onError:   onError,
		stop:      make(chan struct{}),
		peersSet:  make(map[string]struct{}),
	}
	u.AddPeers(peers)
	return u
}

// Start binds the socket and launches the read loop.
func (u *UDP) Start() error {
	addr, err := net.ResolveUDPAddr("udp", u.bindAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	u.conn = conn
	u.wg.Add(1)
	go u.readLoop()
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (u *UDP) Stop() error {
	close(u.stop)
	if u.conn != nil {
		_ = u.conn.Close()
	}
	u.wg.Wait()
	return nil
}

// Send fans the frame out to every known peer. Failures on individual
// peers are reported and skipped.
func (u *UDP) Send(data []byte) {
	u.peersMu.RLock()
	peers := make([]string, len(u.peers))
	copy(peers, u.peers)
	u.peersMu.RUnlock()

	for _, peer := range peers {
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			u.reportErr(fmt.Errorf("transport: resolve %s: %w", peer, err))
			continue
		}
		if _, err := u.conn.WriteToUDP(data, addr); err != nil {
			u.reportErr(fmt.Errorf("transport: send to %s: %w", peer, err))
		}
	}
}

// AddPeers merges new peer addresses into the fan-out set, dropping
// empties, duplicates, and the local bind address.
func (u *UDP) AddPeers(peers []string) {
	u.peersMu.Lock()
	for _, peer := range peers {
		if peer == "" || peer == u.bindAddr {
			continue
		}
		if _, ok := u.peersSet[peer]; ok {
			continue
		}
		u.peersSet[peer] = struct{}{}
		u.peers = append(u.peers, peer)
	}
	u.peersMu.Unlock()
}

func (u *UDP) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, maxFrameSize)
	for {
		u.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-u.stop:
				return
			default:
				continue
			}
		}
		if u.onReceive == nil {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		u.onReceive(frame)
	}
}

func (u *UDP) reportErr(err error) {
	if u.onError == nil || err == nil {
		return
	}
	u.onError(err)
}
