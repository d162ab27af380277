// Package discovery announces a participant on the local network and
// resolves other sync-group members via mDNS, feeding their transport
// addresses to the caller.
package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
)

const serviceName = "_syncgroup._udp"

// MDNS advertises the local participant and browses for peers on the
// LAN.
type MDNS struct {
	participantID string
	server        *zeroconf.Server
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New registers the local participant under its transport port and
// starts browsing. onPeers receives discovered peer addresses in
// host:port form; entries belonging to the local participant are
// filtered out.
func New(participantID, bindAddr string, onPeers func([]string)) (*MDNS, error) {
	_, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid bind addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid port: %w", err)
	}

	server, err := zeroconf.Register(participantID, serviceName, "local.", port, []string{
		"participant=" + participantID,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	m := &MDNS{
		participantID: participantID,
		server:        server,
		cancel:        cancel,
	}

	m.wg.Add(1)
	go m.browseLoop(entries, onPeers)

	if err := resolver.Browse(ctx, serviceName, "local.", entries); err != nil {
		cancel()
		server.Shutdown()
		m.wg.Wait()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	return m, nil
}

func (m *MDNS) browseLoop(entries <-chan *zeroconf.ServiceEntry, onPeers func([]string)) {
	defer m.wg.Done()
	for entry := range entries {
		if slices.Contains(entry.Text, "participant="+m.participantID) {
			continue
		}
		addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
		for _, ip := range entry.AddrIPv4 {
			addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
		}
		for _, ip := range entry.AddrIPv6 {
			addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
		}
		if len(addrs) > 0 {
			onPeers(addrs)
		}
	}
}

// Stop shuts down the advertisement and the browse loop.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.server.Shutdown()
}
