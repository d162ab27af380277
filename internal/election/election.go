// Package election implements leader election over a shared liveness
// view. Because every participant sees the same heartbeat records, no
// voting round is needed: the live participant with the oldest session
// wins a deterministic tie-break, and duplicate leaders self-heal with
// the later session stepping down.
//
// There is no quorum. Under a partition where two subsets of
// participants cannot see each other's store, each side elects its own
// leader until the partition heals. That weakness is inherited from
// the protocol's storage-visibility assumption and is intentionally
// not papered over here.
package election

import "time"

// State is the participant's position in the election state machine.
type State int

const (
	// Follower observes an existing leader or waits out the election
	// delay.
	Follower State = iota
	// Candidate has seen no leader for longer than the election delay
	// and is running the tie-break.
	Candidate
	// Leader holds leadership until an older session claims it or the
	// process stops.
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Peer is one live participant as seen through the liveness view.
type Peer struct {
	ID           string
	SessionStart int64
	IsLeader     bool
}

// Result describes what one evaluation step decided.
type Result struct {
	// LeaderID is the currently known leader, empty during a
	// no-leader window.
	LeaderID string
	// SelfChanged is true when the local participant gained or lost
	// leadership in this step.
	SelfChanged bool
	// LeaderChanged is true when the known leader differs from the
	// previous step.
	LeaderChanged bool
}

// Machine is the explicit Follower/Candidate/Leader state machine for
// one participant. It is driven by Evaluate with an injected notion of
// now, so the protocol is testable without wall-clock timers. Not safe
// for concurrent use; the owning coordinator serializes calls.
type Machine struct {
	id            string
	sessionStart  int64
	delay         time.Duration
	state         State
	noLeaderSince time.Time
	leaderID      string
}

// New creates a machine in the Follower state.
func New(id string, sessionStart int64, delay time.Duration) *Machine {
	return &Machine{id: id, sessionStart: sessionStart, delay: delay}
}

// State returns the current FSM state.
func (m *Machine) State() State { return m.state }

// IsLeader reports whether the local participant currently leads.
func (m *Machine) IsLeader() bool { return m.state == Leader }

// LeaderID returns the currently known leader id, or empty.
func (m *Machine) LeaderID() string { return m.leaderID }

// Evaluate runs one step against the live participant view (which
// includes the local participant) at the given instant.
func (m *Machine) Evaluate(peers []Peer, now time.Time) Result {
	wasLeader := m.state == Leader
	previousLeader := m.leaderID

	if m.state == Leader {
		if rival, ok := m.olderRival(peers); ok {
			m.stepDown(rival)
		}
	} else {
		if leader, ok := currentLeader(peers, m.id); ok {
			m.observeLeader(leader)
		} else {
			m.awaitOrClaim(peers, now)
		}
	}

	return Result{
		LeaderID:      m.leaderID,
		SelfChanged:   wasLeader != (m.state == Leader),
		LeaderChanged: previousLeader != m.leaderID,
	}
}

// olderRival finds another live leader whose session predates ours.
// When two participants claim leadership simultaneously, the later
// session steps down on its next tick.
func (m *Machine) olderRival(peers []Peer) (Peer, bool) {
	for _, p := range peers {
		if p.ID == m.id || !p.IsLeader {
			continue
		}
		if olderSession(p.SessionStart, p.ID, m.sessionStart, m.id) {
			return p, true
		}
	}
	return Peer{}, false
}

// stepDown yields leadership to an older-session rival.
func (m *Machine) stepDown(rival Peer) {
	m.state = Follower
	m.leaderID = rival.ID
	m.noLeaderSince = time.Time{}
}

// observeLeader acknowledges an existing live leader.
func (m *Machine) observeLeader(leader Peer) {
	m.state = Follower
	m.leaderID = leader.ID
	m.noLeaderSince = time.Time{}
}

// awaitOrClaim handles the no-leader window: become candidate once the
// election delay elapses, then claim leadership iff the local session
// is the oldest among live participants.
func (m *Machine) awaitOrClaim(peers []Peer, now time.Time) {
	m.leaderID = ""
	if m.noLeaderSince.IsZero() {
		m.noLeaderSince = now
		m.state = Follower
		return
	}
	if now.Sub(m.noLeaderSince) <= m.delay {
		return
	}
	m.toCandidate()
	if m.oldestSession(peers) {
		m.toLeader()
	}
}

func (m *Machine) toCandidate() {
	if m.state == Follower {
		m.state = Candidate
	}
}

func (m *Machine) toLeader() {
	m.state = Leader
	m.leaderID = m.id
	m.noLeaderSince = time.Time{}
}

// oldestSession reports whether the local participant wins the
// tie-break among the live view.
func (m *Machine) oldestSession(peers []Peer) bool {
	for _, p := range peers {
		if p.ID == m.id {
			continue
		}
		if olderSession(p.SessionStart, p.ID, m.sessionStart, m.id) {
			return false
		}
	}
	return true
}

// currentLeader picks the live leader with the oldest session, if any
// other participant currently claims leadership.
func currentLeader(peers []Peer, selfID string) (Peer, bool) {
	var best Peer
	found := false
	for _, p := range peers {
		if p.ID == selfID || !p.IsLeader {
			continue
		}
		if !found || olderSession(p.SessionStart, p.ID, best.SessionStart, best.ID) {
			best = p
			found = true
		}
	}
	return best, found
}

// olderSession orders sessions by start time, with the participant id
// as a final deterministic tie-break for equal starts.
func olderSession(aStart int64, aID string, bStart int64, bID string) bool {
	if aStart != bStart {
		return aStart < bStart
	}
	return aID < bID
}
