// Package election implements the Election Engine (spec.md §4.C): the
// leader-election protocol a standby runs against its siblings once
// its upstream has been declared down. It is grounded on the shape of
// internal/praefect/nodes/sql_elector.go's checkNodes/electNewPrimary
// pair in the teacher repository, but deliberately sequential rather
// than goroutine-fanned: spec.md §5 requires single-threaded
// cooperative concurrency so that two candidates on the same node can
// never race each other's voting-status writes, unlike the teacher's
// sync.WaitGroup-based concurrent health check.
package election

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/repmgrd/repmgrd/internal/cluster"
	"gitlab.com/repmgrd/repmgrd/internal/connector"
	"gitlab.com/repmgrd/repmgrd/internal/metadata"
	"gitlab.com/repmgrd/repmgrd/internal/metrics"
)

// Result is the outcome of do_election.
type Result string

const (
	ResultWon          Result = "won"
	ResultLost         Result = "lost"
	ResultNotCandidate Result = "not_candidate"
)

// jitterMin and jitterMax bound the decorrelation sleep at the top of
// an election (spec.md §4.C step 1).
const (
	jitterMin = 100 * time.Millisecond
	jitterMax = 500 * time.Millisecond
)

// Outcome carries everything the Failover Orchestrator needs after an
// election returns: the verdict, the term it ran under, and (on LOST)
// the sibling list with fresh LSNs for poll_best_candidate.
type Outcome struct {
	Result   Result
	Term     cluster.ElectoralTerm
	Siblings cluster.NodeInfoList
}

// selfMetadata is the subset of *metadata.Client's methods Engine uses
// against the local node's own session.
type selfMetadata interface {
	GetVotingStatus(ctx context.Context, nodeID int64) (cluster.VotingStatus, error)
	SetVotingStatusInitiated(ctx context.Context, nodeID int64) (cluster.ElectoralTerm, error)
	GetActiveSiblingNodeRecords(ctx context.Context, selfID, upstreamID int64) (cluster.NodeInfoList, error)
	GetLastWALReceiveLocation(ctx context.Context) (cluster.LSN, error)
}

// peerMetadata is the subset used against a dialed sibling's session.
type peerMetadata interface {
	AnnounceCandidature(ctx context.Context, selfNodeID int64, term cluster.ElectoralTerm) (bool, error)
	RequestVote(ctx context.Context, selfNodeID int64, term cluster.ElectoralTerm) (int, cluster.LSN, error)
}

// dialer opens a transient session on a sibling NodeInfo. Satisfied by
// *connector.Connector.
type dialer interface {
	Dial(ctx context.Context, n *cluster.NodeInfo) error
}

// Engine runs elections for one node. The metadata and dialing
// dependencies are narrow interfaces rather than the concrete
// internal/metadata and internal/connector types so tests can swap in
// fakes honoring the same interfaces, per spec.md §8's note that a
// real Postgres-backed implementation must be a drop-in swap for them.
type Engine struct {
	self                  selfMetadata
	dial                  dialer
	peerClient            func(sess cluster.Session) peerMetadata
	log                   logrus.FieldLogger
	sleep                 func(time.Duration)
	rand                  *rand.Rand
	requireStrictMajority bool
}

// New builds an Engine. self is the Metadata Client bound to this
// node's own live session. requireStrictMajority resolves spec.md
// §9's first open question: when true, WON additionally requires
// votes to be a strict majority of the known nodes (self plus every
// active sibling), not just unanimous among visible peers.
func New(self *metadata.Client, conn *connector.Connector, requireStrictMajority bool, log logrus.FieldLogger) *Engine {
	return &Engine{
		self: self,
		dial: conn,
		peerClient: func(sess cluster.Session) peerMetadata {
			return metadata.NewClient(sess.(*connector.Session))
		},
		log:                   log,
		sleep:                 time.Sleep,
		rand:                  rand.New(rand.NewSource(time.Now().UnixNano())),
		requireStrictMajority: requireStrictMajority,
	}
}

// DoElection runs the protocol in spec.md §4.C. selfNode is this
// node's own cached record; DoElection refreshes its
// LastWALReceiveLSN from the local session after the announce phase.
// upstreamID identifies the upstream whose active siblings define the
// electorate.
func (e *Engine) DoElection(ctx context.Context, selfNode *cluster.NodeInfo, upstreamID int64) (Outcome, error) {
	e.jitter()

	status, err := e.self.GetVotingStatus(ctx, selfNode.NodeID)
	if err != nil {
		return Outcome{}, err
	}
	if status == cluster.VotingStatusVoteRequestReceived {
		return Outcome{Result: ResultNotCandidate}, nil
	}

	term, err := e.self.SetVotingStatusInitiated(ctx, selfNode.NodeID)
	if err != nil {
		return Outcome{}, err
	}
	metrics.ElectionsTotal.WithLabelValues("started").Inc()

	siblings, err := e.self.GetActiveSiblingNodeRecords(ctx, selfNode.NodeID, upstreamID)
	if err != nil {
		return Outcome{}, err
	}

	if len(siblings) == 0 {
		metrics.ElectionsTotal.WithLabelValues("won").Inc()
		return Outcome{Result: ResultWon, Term: term, Siblings: siblings}, nil
	}

	visible := e.announce(ctx, selfNode, term, siblings)
	if visible == nil {
		siblings.Close()
		metrics.ElectionsTotal.WithLabelValues("not_candidate").Inc()
		return Outcome{Result: ResultNotCandidate, Term: term}, nil
	}
	defer visible.Close()

	selfNode.LastWALReceiveLSN, err = e.self.GetLastWALReceiveLocation(ctx)
	if err != nil {
		return Outcome{}, err
	}

	votes, otherAhead, err := e.collectVotes(ctx, selfNode, term, visible)
	if err != nil {
		return Outcome{}, err
	}
	if !otherAhead {
		votes++
	}

	visibleNodes := 1 + visible.VisibleCount()
	knownNodes := 1 + len(siblings)
	if votes == visibleNodes && (!e.requireStrictMajority || votes*2 > knownNodes) {
		metrics.ElectionsTotal.WithLabelValues("won").Inc()
		return Outcome{Result: ResultWon, Term: term, Siblings: visible}, nil
	}

	metrics.ElectionsTotal.WithLabelValues("lost").Inc()
	return Outcome{Result: ResultLost, Term: term, Siblings: visible}, nil
}

func (e *Engine) jitter() {
	span := jitterMax - jitterMin
	d := jitterMin + time.Duration(e.rand.Int63n(int64(span)))
	e.sleep(d)
}

// announce opens a session to each sibling and calls
// announce_candidature. It returns nil if any sibling refuses, in
// which case the caller must treat the election as NOT_CANDIDATE.
func (e *Engine) announce(ctx context.Context, self *cluster.NodeInfo, term cluster.ElectoralTerm, siblings cluster.NodeInfoList) cluster.NodeInfoList {
	for _, sibling := range siblings {
		sibling.IsVisible = false

		if err := e.dial.Dial(ctx, sibling); err != nil {
			e.log.WithError(err).WithField("sibling", sibling.NodeID).Warn("election: sibling unreachable for announce")
			continue
		}

		peerClient := e.peerClient(sibling.Conn)
		accepted, err := peerClient.AnnounceCandidature(ctx, self.NodeID, term)
		if err != nil {
			e.log.WithError(err).WithField("sibling", sibling.NodeID).Warn("election: announce_candidature failed")
			continue
		}
		if !accepted {
			return nil
		}

		sibling.IsVisible = true
	}

	return siblings
}

// collectVotes calls request_vote against every visible sibling,
// summing vote counts and tracking other_node_is_ahead.
func (e *Engine) collectVotes(ctx context.Context, self *cluster.NodeInfo, term cluster.ElectoralTerm, siblings cluster.NodeInfoList) (votes int, otherAhead bool, err error) {
	for _, sibling := range siblings {
		if !sibling.IsVisible {
			continue
		}

		peerClient := e.peerClient(sibling.Conn)
		count, peerLSN, err := peerClient.RequestVote(ctx, self.NodeID, term)
		if err != nil {
			return 0, false, err
		}

		votes += count
		sibling.LastWALReceiveLSN = peerLSN
		if peerLSN > self.LastWALReceiveLSN {
			otherAhead = true
		}
	}

	return votes, otherAhead, nil
}
