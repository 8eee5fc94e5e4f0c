// Package failover implements the Failover Orchestrator (spec.md
// §4.D): it consumes an election.Outcome and drives promote_self,
// wait_primary_notification, follow_new_primary and notify_followers
// to a terminal FailoverState. The action table and sub-routines are
// grounded on internal/praefect/nodes/sql_elector.go's
// electNewPrimary/updateNode pair, adapted from praefect's single
// "elect one primary for a virtual storage" shape to the spec's
// richer per-state action table and shell-command-driven promotion.
package failover

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/repmgrd/repmgrd/internal/cluster"
	"gitlab.com/repmgrd/repmgrd/internal/connector"
	"gitlab.com/repmgrd/repmgrd/internal/election"
	"gitlab.com/repmgrd/repmgrd/internal/metadata"
	"gitlab.com/repmgrd/repmgrd/internal/metrics"
)

// notificationPollInterval is wait_primary_notification's poll cadence
// (spec.md §4.D: "poll get_new_primary(self_session) once per
// second").
const notificationPollInterval = time.Second

// Commands holds the operator-supplied shell commands invoked during
// promotion and follow, sourced from config.Config.
type Commands struct {
	Promote        string
	ServicePromote string
	Follow         string
}

// selfMetadata is the subset of *metadata.Client's methods Orchestrator
// uses against the local node's own session.
type selfMetadata interface {
	GetNodeRecord(ctx context.Context, id int64) (*cluster.NodeInfo, error)
	GetNewPrimary(ctx context.Context, selfNodeID int64) (bool, int64, error)
	ClearFollowRequest(ctx context.Context, nodeID int64) error
	GetActiveSiblingNodeRecords(ctx context.Context, selfID, upstreamID int64) (cluster.NodeInfoList, error)
	CreateEventRecord(ctx context.Context, nodeID int64, eventTag string, success bool, detail string) error
}

// peerMetadata is the subset used against a dialed peer's session.
type peerMetadata interface {
	NotifyFollowPrimary(ctx context.Context, peerNodeID, newPrimaryID int64, term cluster.ElectoralTerm) error
	GetRecoveryType(ctx context.Context) (cluster.NodeType, error)
	UpdateNodeType(ctx context.Context, nodeID int64, nodeType cluster.NodeType, upstreamNodeID int64) error
}

// connDialer is the subset of *connector.Connector Orchestrator drives.
// A narrow interface here, as in internal/election, lets tests swap in
// fakes instead of dialing real Postgres sessions.
type connDialer interface {
	Dial(ctx context.Context, n *cluster.NodeInfo) error
	IsAvailable(ctx context.Context, conninfo string) bool
	TryReconnect(ctx context.Context, conninfo string, maxAttempts int, interval time.Duration) (*connector.Session, connector.NodeStatus)
	Connect(ctx context.Context, conninfo string, required bool) (*connector.Session, error)
}

// Orchestrator runs the action table and its sub-routines for one
// node.
type Orchestrator struct {
	self         selfMetadata
	selfNode     *cluster.NodeInfo
	connector    connDialer
	peerClient   func(sess cluster.Session) peerMetadata
	commands     Commands
	promoteDelay time.Duration
	run          func(ctx context.Context, command string) (exitZero bool, output string, err error)
	log          logrus.FieldLogger
	sleep        func(time.Duration)

	// waitTimeoutOverride, when nonzero, replaces the 60s
	// wait_primary_notification timeout. New sets it from the
	// configured election timeout; tests set it directly to keep
	// NOT_CANDIDATE/timeout scenarios fast.
	waitTimeoutOverride time.Duration
}

// New builds an Orchestrator for selfNode, using commands for
// promote/follow and promoteDelay as the optional pre-promote sleep
// (config.Config.PromoteDelay). electionTimeout overrides
// wait_primary_notification's default 60-second budget
// (config.Config.ElectionTimeout); zero keeps the default.
func New(self *metadata.Client, selfNode *cluster.NodeInfo, conn *connector.Connector, commands Commands, promoteDelay, electionTimeout time.Duration, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		self:     self,
		selfNode: selfNode,
		connector: conn,
		peerClient: func(sess cluster.Session) peerMetadata {
			return metadata.NewClient(sess.(*connector.Session))
		},
		commands:            commands,
		promoteDelay:        promoteDelay,
		waitTimeoutOverride: electionTimeout,
		run:                 runShellCommand,
		log:                 log,
		sleep:               time.Sleep,
	}
}

func runShellCommand(ctx context.Context, command string) (bool, string, error) {
	if command == "" {
		return false, "", nil
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return err == nil, out.String(), err
}

// Run dispatches the action table in spec.md §4.D from an election
// outcome and the cached record for the upstream that was declared
// down. It returns the terminal FailoverState and, when it resolved to
// a new topology, the id siblings should be told to follow.
func (o *Orchestrator) Run(ctx context.Context, outcome election.Outcome, failedPrimary *cluster.NodeInfo) (cluster.FailoverState, int64) {
	switch outcome.Result {
	case election.ResultWon:
		state := o.promoteSelf(ctx, failedPrimary)
		return state, o.followNodeID(state, o.selfNode.NodeID, failedPrimary)

	case election.ResultLost:
		best := cluster.BestCandidate(o.selfNode, outcome.Siblings)
		if best.NodeID == o.selfNode.NodeID {
			state := o.promoteSelf(ctx, failedPrimary)
			return state, o.followNodeID(state, o.selfNode.NodeID, failedPrimary)
		}

		if err := o.connector.Dial(ctx, best); err != nil {
			o.log.WithError(err).WithField("candidate", best.NodeID).Warn("failover: cannot reach best candidate")
			return cluster.FailoverStateNodeNotificationErr, 0
		}
		defer best.Close()

		peer := o.peerClient(best.Conn)
		if err := peer.NotifyFollowPrimary(ctx, best.NodeID, best.NodeID, outcome.Term); err != nil {
			o.log.WithError(err).WithField("candidate", best.NodeID).Warn("failover: notify_follow_primary failed")
			return cluster.FailoverStateNodeNotificationErr, 0
		}

		return o.waitAndHandleNotification(ctx, failedPrimary)

	default: // NOT_CANDIDATE
		return o.waitAndHandleNotification(ctx, failedPrimary)
	}
}

// promoteSelf implements spec.md §4.D's promote_self.
func (o *Orchestrator) promoteSelf(ctx context.Context, failedPrimary *cluster.NodeInfo) cluster.FailoverState {
	if o.promoteDelay > 0 {
		o.sleep(o.promoteDelay)
	}

	promoteCommand := o.commands.Promote
	if promoteCommand == "" {
		promoteCommand = o.commands.ServicePromote
	}

	exitZero, output, _ := o.run(ctx, promoteCommand)
	if !exitZero {
		o.reportEvent(ctx, "repmgrd_failover_promote", false, output)

		primary, primaryID, err := o.getPrimaryConnection(ctx, failedPrimary)
		if err == nil && primary != nil {
			defer primary.Close()
			if failedPrimary != nil && primaryID == failedPrimary.NodeID {
				return cluster.FailoverStatePrimaryReappeared
			}
		}

		return cluster.FailoverStatePromotionFailed
	}

	if !o.connector.IsAvailable(ctx, o.selfNode.Conninfo) {
		sess, status := o.connector.TryReconnect(ctx, o.selfNode.Conninfo, 1, time.Second)
		if status == connector.NodeStatusDown {
			o.reportEvent(ctx, "repmgrd_failover_promote", false, "local session unrecoverable after promote")
			return cluster.FailoverStateLocalNodeFailure
		}
		o.selfNode.Conn = sess
	}

	refreshed, err := o.self.GetNodeRecord(ctx, o.selfNode.NodeID)
	if err == nil {
		o.selfNode.Type = refreshed.Type
		o.selfNode.UpstreamNodeID = refreshed.UpstreamNodeID
	}

	if o.commands.Promote != "" && o.commands.ServicePromote != "" {
		_, _, _ = o.run(ctx, o.commands.ServicePromote)
	}

	o.reportEvent(ctx, "repmgrd_failover_promote", true, output)
	return cluster.FailoverStatePromoted
}

// waitAndHandleNotification implements wait_primary_notification and
// the notification-handling switch directly beneath it in spec.md
// §4.D.
func (o *Orchestrator) waitAndHandleNotification(ctx context.Context, failedPrimary *cluster.NodeInfo) (cluster.FailoverState, int64) {
	timeout := 60 * time.Second
	if o.waitTimeoutOverride > 0 {
		timeout = o.waitTimeoutOverride
	}
	found, newPrimaryID, err := o.waitPrimaryNotification(ctx, timeout)
	if err != nil {
		return cluster.FailoverStateNodeNotificationErr, 0
	}
	if !found {
		return cluster.FailoverStateNoNewPrimary, 0
	}

	switch {
	case failedPrimary != nil && newPrimaryID == failedPrimary.NodeID:
		return cluster.FailoverStateFollowingOriginal, failedPrimary.NodeID

	case newPrimaryID == o.selfNode.NodeID:
		state := o.promoteSelf(ctx, failedPrimary)
		return state, o.followNodeID(state, o.selfNode.NodeID, failedPrimary)

	default:
		state := o.followNewPrimary(ctx, newPrimaryID, failedPrimary)
		return state, o.followNodeID(state, newPrimaryID, failedPrimary)
	}
}

// followNodeID resolves the id notify_followers should broadcast for a
// terminal state. PRIMARY_REAPPEARED always means siblings should
// resume following the original primary (spec.md §4.D notify_followers
// and scenario 3), regardless of whether the candidate that hit it was
// trying to promote itself or follow someone else.
func (o *Orchestrator) followNodeID(state cluster.FailoverState, id int64, failedPrimary *cluster.NodeInfo) int64 {
	if state == cluster.FailoverStatePrimaryReappeared && failedPrimary != nil {
		return failedPrimary.NodeID
	}
	return id
}

// waitPrimaryNotification polls get_new_primary once per second for up
// to timeout.
func (o *Orchestrator) waitPrimaryNotification(ctx context.Context, timeout time.Duration) (bool, int64, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(notificationPollInterval)
	defer ticker.Stop()

	for {
		found, id, err := o.self.GetNewPrimary(ctx, o.selfNode.NodeID)
		if err != nil {
			return false, 0, err
		}
		if found {
			_ = o.self.ClearFollowRequest(ctx, o.selfNode.NodeID)
			return true, id, nil
		}

		select {
		case <-ctx.Done():
			return false, 0, ctx.Err()
		case <-deadline:
			return false, 0, nil
		case <-ticker.C:
		}
	}
}

// followNewPrimary implements spec.md §4.D's follow_new_primary.
func (o *Orchestrator) followNewPrimary(ctx context.Context, newPrimaryID int64, failedPrimary *cluster.NodeInfo) cluster.FailoverState {
	newPrimary, err := o.self.GetNodeRecord(ctx, newPrimaryID)
	if err != nil {
		o.log.WithError(err).WithField("new_primary", newPrimaryID).Warn("failover: cannot look up new primary record")
		return cluster.FailoverStateFollowFail
	}

	if o.selfNode.Conn != nil {
		_ = o.selfNode.Conn.Close()
		o.selfNode.Conn = nil
	}

	if err := o.connector.Dial(ctx, newPrimary); err != nil {
		return cluster.FailoverStateFollowFail
	}
	defer newPrimary.Close()

	peer := o.peerClient(newPrimary.Conn)
	recoveryType, err := peer.GetRecoveryType(ctx)
	if err != nil || recoveryType != cluster.NodeTypePrimary {
		return cluster.FailoverStateFollowFail
	}

	exitZero, output, _ := o.run(ctx, o.commands.Follow)
	if !exitZero {
		o.reportEvent(ctx, "repmgrd_failover_follow", false, output)

		if failedPrimary != nil && o.connector.IsAvailable(ctx, failedPrimary.Conninfo) {
			if err := o.connector.Dial(ctx, failedPrimary); err == nil {
				defer failedPrimary.Close()
				oldPeer := o.peerClient(failedPrimary.Conn)
				oldType, err := oldPeer.GetRecoveryType(ctx)
				if err == nil && oldType == cluster.NodeTypePrimary {
					return cluster.FailoverStatePrimaryReappeared
				}
			}
		}

		return cluster.FailoverStateFollowFail
	}

	if err := peer.UpdateNodeType(ctx, o.selfNode.NodeID, cluster.NodeTypeStandby, newPrimaryID); err != nil {
		o.log.WithError(err).Warn("failover: failed to refresh own node record from new primary")
	}
	o.selfNode.Type = cluster.NodeTypeStandby
	o.selfNode.UpstreamNodeID = newPrimaryID

	sess, err := o.connector.Connect(ctx, o.selfNode.Conninfo, false)
	if err != nil {
		return cluster.FailoverStateFollowFail
	}
	o.selfNode.Conn = sess

	o.reportEvent(ctx, "repmgrd_failover_follow", true, output)
	return cluster.FailoverStateFollowedNewPrimary
}

// NotifyFollowers implements spec.md §4.D's notify_followers:
// best-effort, individual failures logged but never fatal.
func (o *Orchestrator) NotifyFollowers(ctx context.Context, siblings cluster.NodeInfoList, followNodeID int64, term cluster.ElectoralTerm) {
	for _, sibling := range siblings {
		if sibling.NodeID == o.selfNode.NodeID {
			continue
		}

		if sibling.Conn == nil {
			if err := o.connector.Dial(ctx, sibling); err != nil {
				o.log.WithError(err).WithField("sibling", sibling.NodeID).Warn("notify_followers: sibling unreachable, skipping")
				continue
			}
		}

		peer := o.peerClient(sibling.Conn)
		if err := peer.NotifyFollowPrimary(ctx, sibling.NodeID, followNodeID, term); err != nil {
			o.log.WithError(err).WithField("sibling", sibling.NodeID).Warn("notify_followers: notify_follow_primary failed")
		}
	}
}

func (o *Orchestrator) getPrimaryConnection(ctx context.Context, failedPrimary *cluster.NodeInfo) (cluster.Session, int64, error) {
	siblings, err := o.self.GetActiveSiblingNodeRecords(ctx, o.selfNode.NodeID, o.selfNode.UpstreamNodeID)
	if err != nil {
		return nil, 0, err
	}
	defer siblings.Close()

	candidates := append(cluster.NodeInfoList{o.selfNode}, siblings...)
	if failedPrimary != nil {
		candidates = append(candidates, failedPrimary)
	}

	for _, n := range candidates {
		if err := o.connector.Dial(ctx, n); err != nil {
			continue
		}
		peer := o.peerClient(n.Conn)
		recoveryType, err := peer.GetRecoveryType(ctx)
		if err == nil && recoveryType == cluster.NodeTypePrimary {
			sess := n.Conn
			n.Conn = nil
			return sess, n.NodeID, nil
		}
		_ = n.Close()
	}

	return nil, 0, nil
}

func (o *Orchestrator) reportEvent(ctx context.Context, tag string, success bool, detail string) {
	metrics.FailoverStateTotal.WithLabelValues(tag).Inc()
	if err := o.self.CreateEventRecord(ctx, o.selfNode.NodeID, tag, success, detail); err != nil {
		o.log.WithError(err).WithField("event", tag).Warn("failover: create_event_record failed, logging locally")
	}
}
