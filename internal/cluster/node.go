// Package cluster holds the data model shared by every component of the
// failover daemon: node records, the voting-status mutex, electoral
// terms and the failover state machine. Nothing in this package talks
// to the network or the database directly; it is the vocabulary the
// other packages share.
package cluster

import "fmt"

// NodeType is the role a node plays in the replication cluster.
type NodeType string

// Node types known to the daemon. WITNESS and BDR nodes are recognized
// but are never monitored (see Loop.Run in internal/monitor).
const (
	NodeTypePrimary NodeType = "primary"
	NodeTypeStandby NodeType = "standby"
	NodeTypeWitness NodeType = "witness"
	NodeTypeBDR     NodeType = "bdr"
	NodeTypeUnknown NodeType = "unknown"
)

// LSN is a Postgres log sequence number. It is always compared within a
// single electoral term (Invariant 3); callers must not cache one term's
// LSN and compare it against a later term's.
type LSN uint64

// VotingStatus is the per-node mutex flag persisted in the metadata
// store. It acts as a lock: a node that has RECEIVED a vote request
// cannot itself become a candidate, and a node that has INITIATED
// candidacy cannot vote for another candidate.
type VotingStatus string

const (
	VotingStatusNoVote              VotingStatus = "no_vote"
	VotingStatusVoteRequestReceived VotingStatus = "vote_request_received"
	VotingStatusVoteInitiated       VotingStatus = "vote_initiated"
	VotingStatusUnknown             VotingStatus = "unknown"
)

// ElectoralTerm is allocated when a node transitions NoVote ->
// VoteInitiated. It tags candidacy announcements so that stale
// announcements from an earlier, abandoned election are rejected.
type ElectoralTerm int64

// FailoverState captures the orchestrator's progress through a
// failover episode. The zero value, FailoverStateNone, means no
// failover has been attempted this monitoring iteration.
type FailoverState string

const (
	FailoverStateNone                FailoverState = "none"
	FailoverStatePromoted            FailoverState = "promoted"
	FailoverStatePromotionFailed     FailoverState = "promotion_failed"
	FailoverStatePrimaryReappeared   FailoverState = "primary_reappeared"
	FailoverStateLocalNodeFailure    FailoverState = "local_node_failure"
	FailoverStateWaitingNewPrimary   FailoverState = "waiting_new_primary"
	FailoverStateFollowedNewPrimary  FailoverState = "followed_new_primary"
	FailoverStateFollowingOriginal   FailoverState = "following_original_primary"
	FailoverStateNoNewPrimary        FailoverState = "no_new_primary"
	FailoverStateFollowFail          FailoverState = "follow_fail"
	FailoverStateNodeNotificationErr FailoverState = "node_notification_error"
	FailoverStateUnknown             FailoverState = "unknown"
)

// Session is the scoped connection handle a NodeInfo may hold for the
// duration of one election or notification round. It is implemented by
// internal/connector.Session; cluster only needs to be able to close
// it, keeping this package free of a database/sql or lib/pq import.
type Session interface {
	Close() error
}

// NodeInfo is a cluster member record. The first seven fields mirror
// the persistent row in repmgrd_nodes; the remainder are transient,
// populated fresh for the duration of a single election.
type NodeInfo struct {
	NodeID           int64
	NodeName         string
	Conninfo         string
	Type             NodeType
	UpstreamNodeID   int64
	Priority         int
	Active           bool

	// Transient, election-scoped fields.
	LastWALReceiveLSN LSN
	IsVisible         bool
	Conn              Session
}

// String renders a NodeInfo for logging without leaking credentials
// embedded in Conninfo.
func (n *NodeInfo) String() string {
	return fmt.Sprintf("node(id=%d name=%q type=%s upstream=%d priority=%d active=%t)",
		n.NodeID, n.NodeName, n.Type, n.UpstreamNodeID, n.Priority, n.Active)
}

// Close releases the transient connection, if any, and clears
// IsVisible. It is always safe to call, including on a NodeInfo that
// never opened a connection (Invariant 4: every acquisition is paired
// with a guaranteed release).
func (n *NodeInfo) Close() error {
	n.IsVisible = false
	if n.Conn == nil {
		return nil
	}
	conn := n.Conn
	n.Conn = nil
	return conn.Close()
}

// NodeInfoList is an ordered "sibling set" — active standbys sharing an
// upstream, excluding self — created fresh at the start of each
// election or notification round and owned by the failover
// orchestrator for its duration.
type NodeInfoList []*NodeInfo

// VisibleCount returns the number of siblings marked visible during the
// announce phase of an election. It does not include self; callers add
// one for self per spec.
func (l NodeInfoList) VisibleCount() int {
	count := 0
	for _, n := range l {
		if n.IsVisible {
			count++
		}
	}
	return count
}

// Lookup returns the sibling with the given node id, or nil.
func (l NodeInfoList) Lookup(nodeID int64) *NodeInfo {
	for _, n := range l {
		if n.NodeID == nodeID {
			return n
		}
	}
	return nil
}

// Close releases every transient connection held by the list's
// elements. Every exit path from an election or notification round
// must call this before the list is cleared or discarded (Invariant 4).
func (l NodeInfoList) Close() {
	for _, n := range l {
		_ = n.Close()
	}
}

// BestCandidate implements poll_best_candidate from spec.md §4.C: the
// sibling with (a) the highest LastWALReceiveLSN, (b) on a tie the
// highest Priority, (c) on a further tie the lowest NodeID. self is the
// initial best candidate so a lone symmetric tie resolves in its favor,
// and self is itself eligible to win against its own siblings.
func BestCandidate(self *NodeInfo, siblings NodeInfoList) *NodeInfo {
	best := self
	for _, candidate := range siblings {
		if betterCandidate(candidate, best) {
			best = candidate
		}
	}
	return best
}

func betterCandidate(candidate, best *NodeInfo) bool {
	if candidate.LastWALReceiveLSN != best.LastWALReceiveLSN {
		return candidate.LastWALReceiveLSN > best.LastWALReceiveLSN
	}
	if candidate.Priority != best.Priority {
		return candidate.Priority > best.Priority
	}
	return candidate.NodeID < best.NodeID
}
