// Package monitor implements the Monitor Loop (spec.md §4.E): the
// top-level driver that dispatches on a node's current role to either
// primary-monitor or standby-monitor mode, detects upstream failure,
// and invokes the Election Engine and Failover Orchestrator. It is
// grounded on the bootstrap/monitor shape of
// internal/praefect/nodes/sql_elector.go's checkNodes loop, split here
// into an explicit single-threaded role dispatcher per spec.md §5
// rather than the teacher's periodic goroutine.
package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/repmgrd/repmgrd/internal/cluster"
	"gitlab.com/repmgrd/repmgrd/internal/connector"
	"gitlab.com/repmgrd/repmgrd/internal/election"
	"gitlab.com/repmgrd/repmgrd/internal/failover"
	"gitlab.com/repmgrd/repmgrd/internal/metadata"
	"gitlab.com/repmgrd/repmgrd/internal/metrics"
)

// pollInterval is the one-second reachability poll cadence shared by
// both monitor modes (spec.md §4.E).
const pollInterval = time.Second

// selfMetadata is the subset of *metadata.Client used by the loop
// itself (voting-status reset, node record refresh).
type selfMetadata interface {
	ResetVotingStatus(ctx context.Context, nodeID int64) error
	GetNodeRecord(ctx context.Context, id int64) (*cluster.NodeInfo, error)
	GetActiveSiblingNodeRecords(ctx context.Context, selfID, upstreamID int64) (cluster.NodeInfoList, error)
}

// electionEngine is satisfied by *election.Engine.
type electionEngine interface {
	DoElection(ctx context.Context, selfNode *cluster.NodeInfo, upstreamID int64) (election.Outcome, error)
}

// orchestrator is satisfied by *failover.Orchestrator.
type orchestrator interface {
	Run(ctx context.Context, outcome election.Outcome, failedPrimary *cluster.NodeInfo) (cluster.FailoverState, int64)
	NotifyFollowers(ctx context.Context, siblings cluster.NodeInfoList, followNodeID int64, term cluster.ElectoralTerm)
}

// connDialer is the subset of *connector.Connector the loop drives
// directly (as opposed to through the election/failover packages).
type connDialer interface {
	IsAvailable(ctx context.Context, conninfo string) bool
	TryReconnect(ctx context.Context, conninfo string, maxAttempts int, interval time.Duration) (*connector.Session, connector.NodeStatus)
}

// Config carries the tunables the Loop needs from internal/config.
type Config struct {
	LogStatusInterval time.Duration
	ReconnectAttempts int
	ReconnectInterval time.Duration

	// AutomaticFailover mirrors config.Config.FailoverMode ==
	// FailoverModeAutomatic (spec.md §6: "manual → passive monitoring
	// only"). When false, standbyMonitorTick still detects and logs
	// upstream DOWN but never runs an election or drives promotion.
	AutomaticFailover bool
}

// Loop is the top-level monitor driver for one node.
type Loop struct {
	self       selfMetadata
	connector  connDialer
	election   electionEngine
	orch       orchestrator
	cfg        Config
	nodeName   string
	log        logrus.FieldLogger
	sleep      func(time.Duration)
	lastStatus time.Time
}

// New builds a Loop wired to the given node's live collaborators.
// nodeName labels this node's Prometheus series.
func New(self *metadata.Client, conn *connector.Connector, eng *election.Engine, orch *failover.Orchestrator, cfg Config, nodeName string, log logrus.FieldLogger) *Loop {
	return &Loop{
		self:      self,
		connector: conn,
		election:  eng,
		orch:      orch,
		cfg:       cfg,
		nodeName:  nodeName,
		log:       log,
		sleep:     time.Sleep,
	}
}

// Run executes the top-level driver: at each iteration it resets the
// voting-status flag and dispatches on selfNode.Type. It returns nil
// when the role is WITNESS/BDR (a clean exit, per spec.md §4.E) or any
// other type it does not monitor, or when ctx is cancelled.
func (l *Loop) Run(ctx context.Context, selfNode, upstream *cluster.NodeInfo) error {
	l.renderStartupTopology(ctx, selfNode, upstream)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := l.self.ResetVotingStatus(ctx, selfNode.NodeID); err != nil {
			l.log.WithError(err).Warn("monitor: reset_node_voting_status failed")
		}

		switch selfNode.Type {
		case cluster.NodeTypePrimary:
			metrics.RoleGauge.WithLabelValues(l.nodeName, "primary").Set(1)
			metrics.RoleGauge.WithLabelValues(l.nodeName, "standby").Set(0)
			l.primaryMonitorTick(ctx, selfNode)

		case cluster.NodeTypeStandby:
			metrics.RoleGauge.WithLabelValues(l.nodeName, "primary").Set(0)
			metrics.RoleGauge.WithLabelValues(l.nodeName, "standby").Set(1)
			l.standbyMonitorTick(ctx, selfNode, upstream)

		case cluster.NodeTypeWitness, cluster.NodeTypeBDR:
			l.log.WithField("type", selfNode.Type).Info("monitor: witness/BDR node, exiting monitor loop")
			return nil

		default:
			l.log.WithField("type", selfNode.Type).Warn("monitor: unknown node type, exiting monitor loop")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

// primaryMonitorTick implements the primary-monitor poll in spec.md
// §4.E: it never itself triggers failover, only tracks local
// reachability and reconnects best-effort.
func (l *Loop) primaryMonitorTick(ctx context.Context, selfNode *cluster.NodeInfo) {
	if l.connector.IsAvailable(ctx, selfNode.Conninfo) {
		l.logStillAlive("primary")
		return
	}

	l.log.Warn("monitor: local primary session unreachable, reconnecting")
	if selfNode.Conn != nil {
		_ = selfNode.Conn.Close()
		selfNode.Conn = nil
	}
	metrics.LocalSessionUpGauge.WithLabelValues(l.nodeName).Set(0)

	start := time.Now()
	sess, status := l.connector.TryReconnect(ctx, selfNode.Conninfo, l.cfg.ReconnectAttempts, l.cfg.ReconnectInterval)
	if status == connector.NodeStatusUp {
		selfNode.Conn = sess
		metrics.LocalSessionUpGauge.WithLabelValues(l.nodeName).Set(1)
		l.log.WithField("elapsed_seconds", time.Since(start).Seconds()).Info("monitor: local primary session recovered")
	}
}

// standbyMonitorTick implements the standby-monitor poll in spec.md
// §4.E: on confirmed upstream DOWN it runs the election/orchestrator
// sequence and, on a terminal state that changes this node's role,
// mutates selfNode/upstream in place so the next iteration's dispatch
// picks up the new role.
func (l *Loop) standbyMonitorTick(ctx context.Context, selfNode, upstream *cluster.NodeInfo) {
	if l.connector.IsAvailable(ctx, selfNode.Conninfo) {
		// local node reachable: keep the current session. An unreachable
		// local node only has its session closed; no reconnect is tried here.
	} else if selfNode.Conn != nil {
		_ = selfNode.Conn.Close()
		selfNode.Conn = nil
	}

	if l.connector.IsAvailable(ctx, upstream.Conninfo) {
		l.logStillAlive("standby")
		return
	}

	l.log.WithField("upstream", upstream.NodeID).Warn("monitor: upstream unreachable, declaring DOWN")

	if !l.cfg.AutomaticFailover {
		l.log.Info("monitor: failover_mode is manual, skipping election")
		return
	}

	outcome, err := l.election.DoElection(ctx, selfNode, upstream.NodeID)
	if err != nil {
		l.log.WithError(err).Error("monitor: election failed")
		return
	}
	metrics.ElectionsTotal.WithLabelValues(string(outcome.Result)).Inc()

	state, followNodeID := l.orch.Run(ctx, outcome, upstream)
	metrics.FailoverStateTotal.WithLabelValues(string(state)).Inc()

	switch state {
	case cluster.FailoverStatePromoted, cluster.FailoverStatePrimaryReappeared:
		l.orch.NotifyFollowers(ctx, outcome.Siblings, followNodeID, outcome.Term)
		l.refreshRole(ctx, selfNode, upstream, followNodeID)
		renderTopology(l.log, selfNode, outcome.Siblings)

	case cluster.FailoverStateFollowedNewPrimary, cluster.FailoverStateFollowingOriginal:
		upstream.NodeID = followNodeID

	case cluster.FailoverStateNoNewPrimary, cluster.FailoverStateWaitingNewPrimary:
		// retry the election on the next tick

	default:
		l.log.WithField("state", state).Warn("monitor: failover orchestrator returned an unhandled terminal state")
	}
}

// refreshRole re-reads selfNode's type after a promotion (or the
// original primary's reappearance), so the top-level dispatcher
// switches monitoring mode on the next iteration.
func (l *Loop) refreshRole(ctx context.Context, selfNode, upstream *cluster.NodeInfo, followNodeID int64) {
	refreshed, err := l.self.GetNodeRecord(ctx, selfNode.NodeID)
	if err != nil {
		l.log.WithError(err).Warn("monitor: failed to refresh own record after failover, keeping cached type")
		return
	}
	selfNode.Type = refreshed.Type
	selfNode.UpstreamNodeID = refreshed.UpstreamNodeID

	if primary, err := l.self.GetNodeRecord(ctx, followNodeID); err == nil {
		upstream.NodeID = primary.NodeID
		upstream.Conninfo = primary.Conninfo
		upstream.NodeName = primary.NodeName
	}
}

// renderStartupTopology prints the cluster status banner once before
// the loop's first tick, best-effort: a lookup failure only logs a
// warning since the banner is diagnostic, never load-bearing.
func (l *Loop) renderStartupTopology(ctx context.Context, selfNode, upstream *cluster.NodeInfo) {
	upstreamID := int64(0)
	if upstream != nil {
		upstreamID = upstream.NodeID
	}

	siblings, err := l.self.GetActiveSiblingNodeRecords(ctx, selfNode.NodeID, upstreamID)
	if err != nil {
		l.log.WithError(err).Warn("monitor: could not load topology for startup banner")
		return
	}
	defer siblings.Close()

	renderTopology(l.log, selfNode, siblings)
}

// logStillAlive emits the periodic "still alive" log on
// log_status_interval cadence (spec.md §4.E).
func (l *Loop) logStillAlive(role string) {
	if l.cfg.LogStatusInterval <= 0 {
		return
	}
	if time.Since(l.lastStatus) < l.cfg.LogStatusInterval {
		return
	}
	l.lastStatus = time.Now()
	l.log.WithField("role", role).Info("monitor: still alive")
}
