// Package daemon wires one node's collaborators into a single context
// value, constructed once at startup and threaded explicitly through
// the monitor, election and failover packages. This replaces the
// package-level globals the bash-era tool would have used, in the same
// spirit as cmd/praefect/main.go's run() building coordinator/repl/
// srvFactory as local variables rather than reaching for package
// state.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gitlab.com/repmgrd/repmgrd/internal/cluster"
	"gitlab.com/repmgrd/repmgrd/internal/config"
	"gitlab.com/repmgrd/repmgrd/internal/connector"
	"gitlab.com/repmgrd/repmgrd/internal/election"
	"gitlab.com/repmgrd/repmgrd/internal/failover"
	"gitlab.com/repmgrd/repmgrd/internal/metadata"
	"gitlab.com/repmgrd/repmgrd/internal/monitor"
)

// ErrBadConfig marks a Bootstrap failure as a configuration problem
// (spec.md §6's ERR_BAD_CONFIG) rather than a system failure, so
// cmd/repmgrd/main.go can pick the right exit code. Wrapped with
// fmt.Errorf's %w and tested for with errors.Is.
var ErrBadConfig = errors.New("daemon: invalid configuration")

// Daemon holds every live collaborator for one node's monitor loop:
// its own database session, the metadata client bound to it, the
// election engine and failover orchestrator, and the assembled
// monitor.Loop. cmd/repmgrd/main.go builds exactly one of these per
// process and calls Run.
type Daemon struct {
	Config config.Config

	// InstanceID identifies one process lifetime, so log lines from
	// two successive runs of the same node_id are never mistaken for
	// one continuous run. Generated fresh on every Bootstrap, the same
	// way sql_elector falls back to a generated identity when none is
	// configured.
	InstanceID string

	Session   *connector.Session
	Metadata  *metadata.Client
	Connector *connector.Connector

	SelfNode *cluster.NodeInfo
	Upstream *cluster.NodeInfo

	Election *election.Engine
	Failover *failover.Orchestrator
	Monitor  *monitor.Loop

	log logrus.FieldLogger
}

// Bootstrap dials the local node's own session, migrates the schema
// if it isn't present, loads this node's record and (for standbys)
// its upstream's, and assembles the election/failover/monitor trio.
// It mirrors the shape of cmd/praefect/main.go's initDatabase plus the
// nodes.NewManager/NewPerRepositoryElector construction that follows
// it, collapsed here into one call since repmgrd has a single node's
// worth of state rather than a virtual-storage set.
func Bootstrap(ctx context.Context, conf config.Config, log logrus.FieldLogger) (*Daemon, error) {
	conn := connector.New(log)

	sess, err := conn.Connect(ctx, conf.Conninfo, true)
	if err != nil {
		return nil, fmt.Errorf("connecting to local node: %w", err)
	}

	if err := metadata.Migrate(sess.DB()); err != nil {
		sess.Close()
		return nil, fmt.Errorf("migrating metadata schema: %w", err)
	}

	meta := metadata.NewClient(sess)

	selfNode, err := meta.GetNodeRecord(ctx, conf.NodeID)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("loading own node record (node_id=%d): %w", conf.NodeID, err)
	}
	selfNode.Conn = sess

	if conf.FailoverMode == config.FailoverModeAutomatic && !selfNode.Active {
		sess.Close()
		return nil, fmt.Errorf("%w: node %d is inactive but failover_mode is automatic", ErrBadConfig, conf.NodeID)
	}

	var upstream *cluster.NodeInfo
	if selfNode.Type == cluster.NodeTypeStandby && selfNode.UpstreamNodeID != 0 {
		upstream, err = meta.GetNodeRecord(ctx, selfNode.UpstreamNodeID)
		if err != nil {
			sess.Close()
			return nil, fmt.Errorf("loading upstream node record (node_id=%d): %w", selfNode.UpstreamNodeID, err)
		}
	}

	eng := election.New(meta, conn, conf.RequireStrictMajority, log)
	commands := failover.Commands{
		Promote:        conf.PromoteCommand,
		ServicePromote: conf.ServicePromoteCommand,
		Follow:         conf.FollowCommand,
	}
	orch := failover.New(meta, selfNode, conn, commands, conf.PromoteDelay.Duration(), conf.ElectionTimeout.Duration(), log)

	monCfg := monitor.Config{
		LogStatusInterval: conf.LogStatusInterval.Duration(),
		ReconnectAttempts: conf.Reconnect.MaxAttempts,
		ReconnectInterval: conf.Reconnect.Interval.Duration(),
		AutomaticFailover: conf.FailoverMode == config.FailoverModeAutomatic,
	}
	loop := monitor.New(meta, conn, eng, orch, monCfg, selfNode.NodeName, log)

	return &Daemon{
		Config:     conf,
		InstanceID: uuid.New().String(),
		Session:    sess,
		Metadata:  meta,
		Connector: conn,
		SelfNode:  selfNode,
		Upstream:  upstream,
		Election:  eng,
		Failover:  orch,
		Monitor:   loop,
		log:       log,
	}, nil
}

// Run hands control to the assembled monitor.Loop. It blocks until ctx
// is cancelled or the node's type is not one it monitors (WITNESS/BDR
// or unknown), matching
// internal/monitor.Loop.Run's own contract.
func (d *Daemon) Run(ctx context.Context) error {
	return d.Monitor.Run(ctx, d.SelfNode, d.Upstream)
}

// Close releases the local database session. Safe to call once,
// typically deferred immediately after Bootstrap succeeds.
func (d *Daemon) Close() error {
	if d.Session == nil {
		return nil
	}
	return d.Session.Close()
}
