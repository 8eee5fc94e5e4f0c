// Package metrics registers the daemon's Prometheus collectors, in the
// same promauto.NewGaugeVec/NewCounterVec style as
// internal/praefect/metrics/prometheus.go in the teacher repository.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RoleGauge reports which role (primary or standby) the local node
// currently believes it plays: 1 for the active role, 0 otherwise.
var RoleGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "repmgrd",
		Name:      "node_role",
	}, []string{"node_name", "role"},
)

// LocalSessionUpGauge tracks whether the local database session is
// currently reachable, updated by the monitor loop's reachability
// probe.
var LocalSessionUpGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "repmgrd",
		Name:      "local_session_up",
	}, []string{"node_name"},
)

// ElectionsTotal counts elections run by this node, partitioned by
// outcome (won, lost, not_candidate).
var ElectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "repmgrd",
		Name:      "elections_total",
	}, []string{"outcome"},
)

// FailoverStateTotal counts terminal FailoverStates reached by this
// node's orchestrator, partitioned by state.
var FailoverStateTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "repmgrd",
		Name:      "failover_state_total",
	}, []string{"state"},
)

// ReconnectAttemptsTotal counts individual reconnect attempts made by
// the Peer Connector's TryReconnect, partitioned by whether each
// attempt succeeded.
var ReconnectAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "repmgrd",
		Name:      "reconnect_attempts_total",
	}, []string{"result"},
)
