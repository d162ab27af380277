// Package syncgroup coordinates shared state between independent processes
// that can reach a common key-value store and a broadcast channel.
//
// # Overview
//
// syncgroup lets a group of participants (processes, workers, service
// instances) agree on a single leader, detect divergent versions of the
// same logical value, and resolve those divergences deterministically.
// There is no central arbiter: liveness, leadership, and value exchange
// all flow through an injected Store and Broadcast.
//
// # Protocol
//
// Each participant writes a heartbeat record to the shared store on a
// fixed interval and reaps records whose heartbeat has gone stale. The
// live participant with the oldest session becomes leader; duplicate
// leaders self-heal with the later session stepping down. Local changes
// are debounced, stamped with a Lamport timestamp and a checksum, and
// broadcast to the group. Receivers drop stale or corrupted messages,
// detect conflicts against their local copy, and resolve them with a
// named strategy.
//
// # Resolution strategies
//
// Strategies are pure functions merging two divergent values into one.
// Built-ins cover last-write-wins and a generic structural merge;
// applications register their own under arbitrary names.
//
// # Transports
//
// Three Broadcast implementations are provided: an in-process Bus, a
// store-polling fallback for environments with no native pub/sub, and a
// UDP datagram transport (enabled with a bind address) with optional
// mDNS peer discovery.
//
// # Example
//
//	co, err := syncgroup.New[[]Item](
//		syncgroup.WithStore(store),
//		syncgroup.WithBroadcast(bus.Endpoint("worker-1")),
//		syncgroup.WithParticipantID("worker-1"),
//	)
//	if err != nil {
//		// handle error
//	}
//	co.RegisterStrategy("sum-quantities", sumQuantities)
//	co.PublishLocalChange("cart", items)
package syncgroup
