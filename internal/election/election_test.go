package election

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"gitlab.com/repmgrd/repmgrd/internal/cluster"
)

// fakeSelf is a bare-bones selfMetadata double keyed on the behavior
// each test case needs, avoiding a real Postgres connection entirely.
type fakeSelf struct {
	votingStatus cluster.VotingStatus
	term         cluster.ElectoralTerm
	siblings     cluster.NodeInfoList
	lsn          cluster.LSN
	err          error
}

func (f *fakeSelf) GetVotingStatus(ctx context.Context, nodeID int64) (cluster.VotingStatus, error) {
	return f.votingStatus, f.err
}

func (f *fakeSelf) SetVotingStatusInitiated(ctx context.Context, nodeID int64) (cluster.ElectoralTerm, error) {
	f.term++
	return f.term, f.err
}

func (f *fakeSelf) GetActiveSiblingNodeRecords(ctx context.Context, selfID, upstreamID int64) (cluster.NodeInfoList, error) {
	return f.siblings, f.err
}

func (f *fakeSelf) GetLastWALReceiveLocation(ctx context.Context) (cluster.LSN, error) {
	return f.lsn, f.err
}

// fakeDialer "opens" a fakeSession tagged with the sibling's node id
// without a real connection, or fails for ids listed in unreachable.
// Like the real Dial, it leaves IsVisible alone.
type fakeDialer struct {
	unreachable map[int64]bool
}

func (d *fakeDialer) Dial(ctx context.Context, n *cluster.NodeInfo) error {
	if d.unreachable[n.NodeID] {
		return errors.New("unreachable")
	}
	n.Conn = fakeSession{nodeID: n.NodeID}
	return nil
}

type fakeSession struct{ nodeID int64 }

func (fakeSession) Close() error { return nil }

// fakePeer answers announce/vote calls according to a per-node script.
type fakePeer struct {
	refuseAnnounce map[int64]bool
	votes          map[int64]int
	lsn            map[int64]cluster.LSN
	nodeID         int64
}

func (p fakePeer) AnnounceCandidature(ctx context.Context, selfNodeID int64, term cluster.ElectoralTerm) (bool, error) {
	return !p.refuseAnnounce[p.nodeID], nil
}

func (p fakePeer) RequestVote(ctx context.Context, selfNodeID int64, term cluster.ElectoralTerm) (int, cluster.LSN, error) {
	return p.votes[p.nodeID], p.lsn[p.nodeID], nil
}

func newTestEngine(self *fakeSelf, dial *fakeDialer, script *fakePeer) *Engine {
	return newTestEngineMajority(self, dial, script, false)
}

func newTestEngineMajority(self *fakeSelf, dial *fakeDialer, script *fakePeer, requireStrictMajority bool) *Engine {
	logger, _ := test.NewNullLogger()
	return &Engine{
		self: self,
		dial: dial,
		peerClient: func(sess cluster.Session) peerMetadata {
			peer := *script
			peer.nodeID = sess.(fakeSession).nodeID
			return peer
		},
		log:                   logger,
		sleep:                 func(time.Duration) {},
		rand:                  rand.New(rand.NewSource(1)),
		requireStrictMajority: requireStrictMajority,
	}
}

func sibling(id int64) *cluster.NodeInfo {
	return &cluster.NodeInfo{NodeID: id, NodeName: "n", Active: true}
}

func TestDoElectionNotCandidateWhenVoteRequestReceived(t *testing.T) {
	self := &fakeSelf{votingStatus: cluster.VotingStatusVoteRequestReceived}
	eng := newTestEngine(self, &fakeDialer{}, &fakePeer{})

	out, err := eng.DoElection(context.Background(), sibling(1), 0)
	require.NoError(t, err)
	require.Equal(t, ResultNotCandidate, out.Result)
}

func TestDoElectionWinsAsSoleSurvivor(t *testing.T) {
	self := &fakeSelf{votingStatus: cluster.VotingStatusNoVote}
	eng := newTestEngine(self, &fakeDialer{}, &fakePeer{})

	out, err := eng.DoElection(context.Background(), sibling(1), 0)
	require.NoError(t, err)
	require.Equal(t, ResultWon, out.Result)
}

func TestDoElectionNotCandidateWhenSiblingRefusesAnnounce(t *testing.T) {
	self := &fakeSelf{
		votingStatus: cluster.VotingStatusNoVote,
		siblings:     cluster.NodeInfoList{sibling(2)},
	}
	dial := &fakeDialer{}
	peer := &fakePeer{refuseAnnounce: map[int64]bool{2: true}, nodeID: 2}

	eng := newTestEngine(self, dial, peer)
	out, err := eng.DoElection(context.Background(), sibling(1), 0)
	require.NoError(t, err)
	require.Equal(t, ResultNotCandidate, out.Result)
}

func TestDoElectionWinsUnanimous(t *testing.T) {
	self := &fakeSelf{
		votingStatus: cluster.VotingStatusNoVote,
		siblings:     cluster.NodeInfoList{sibling(2), sibling(3)},
		lsn:          100,
	}
	peer := &fakePeer{
		votes: map[int64]int{2: 1, 3: 1},
		lsn:   map[int64]cluster.LSN{2: 50, 3: 50},
	}

	eng := newTestEngine(self, &fakeDialer{}, peer)
	out, err := eng.DoElection(context.Background(), sibling(1), 0)
	require.NoError(t, err)
	require.Equal(t, ResultWon, out.Result)
}

func TestDoElectionLosesWhenNotUnanimous(t *testing.T) {
	self := &fakeSelf{
		votingStatus: cluster.VotingStatusNoVote,
		siblings:     cluster.NodeInfoList{sibling(2), sibling(3)},
		lsn:          100,
	}
	peer := &fakePeer{
		votes: map[int64]int{2: 0, 3: 1},
		lsn:   map[int64]cluster.LSN{2: 50, 3: 50},
	}

	eng := newTestEngine(self, &fakeDialer{}, peer)
	out, err := eng.DoElection(context.Background(), sibling(1), 0)
	require.NoError(t, err)
	require.Equal(t, ResultLost, out.Result)
}

func TestDoElectionSelfWithholdsVoteWhenBehind(t *testing.T) {
	self := &fakeSelf{
		votingStatus: cluster.VotingStatusNoVote,
		siblings:     cluster.NodeInfoList{sibling(2)},
		lsn:          10,
	}
	peer := &fakePeer{
		votes: map[int64]int{2: 1},
		lsn:   map[int64]cluster.LSN{2: 999},
	}

	eng := newTestEngine(self, &fakeDialer{}, peer)
	out, err := eng.DoElection(context.Background(), sibling(1), 0)
	require.NoError(t, err)
	// self withholds its own vote (it is behind), so only 1 vote for 2
	// visible nodes: not unanimous.
	require.Equal(t, ResultLost, out.Result)
}

func TestDoElectionStrictMajorityRejectsUnanimousMinority(t *testing.T) {
	self := &fakeSelf{
		votingStatus: cluster.VotingStatusNoVote,
		siblings:     cluster.NodeInfoList{sibling(2), sibling(3), sibling(4)},
		lsn:          100,
	}
	dial := &fakeDialer{unreachable: map[int64]bool{3: true, 4: true}}
	peer := &fakePeer{
		votes: map[int64]int{2: 1},
		lsn:   map[int64]cluster.LSN{2: 50},
	}

	// Default (non-strict) engine: unanimous among the 2 visible nodes
	// (self + node 2) wins even though 2 of the 3 known siblings never
	// answered.
	eng := newTestEngine(self, dial, peer)
	out, err := eng.DoElection(context.Background(), sibling(1), 0)
	require.NoError(t, err)
	require.Equal(t, ResultWon, out.Result)

	// With require_strict_majority, the same vote tally is not a
	// strict majority of the 4 known nodes (2 of 4 is not > half), so
	// the election loses instead.
	self2 := &fakeSelf{
		votingStatus: cluster.VotingStatusNoVote,
		siblings:     cluster.NodeInfoList{sibling(2), sibling(3), sibling(4)},
		lsn:          100,
	}
	strictEng := newTestEngineMajority(self2, dial, peer, true)
	out2, err := strictEng.DoElection(context.Background(), sibling(1), 0)
	require.NoError(t, err)
	require.Equal(t, ResultLost, out2.Result)
}
