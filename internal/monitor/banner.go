package monitor

import (
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"gitlab.com/repmgrd/repmgrd/internal/cluster"
)

// renderTopology writes the current cluster topology as a table to
// log, once at startup and again whenever this node's failover ends in
// PROMOTED or PRIMARY_REAPPEARED, so
// an operator tailing the log can see the full picture without
// querying the metadata store directly.
func renderTopology(log logrus.FieldLogger, self *cluster.NodeInfo, siblings cluster.NodeInfoList) {
	var buf strings.Builder

	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"node id", "name", "type", "upstream", "priority", "active", "visible"})

	appendRow(table, self, true)
	for _, n := range siblings {
		appendRow(table, n, false)
	}

	table.Render()
	log.WithField("role", self.Type).Info("monitor: cluster topology\n" + buf.String())
}

func appendRow(table *tablewriter.Table, n *cluster.NodeInfo, self bool) {
	name := n.NodeName
	if self {
		name += " (self)"
	}
	table.Append([]string{
		strconv.FormatInt(n.NodeID, 10),
		name,
		string(n.Type),
		strconv.FormatInt(n.UpstreamNodeID, 10),
		strconv.Itoa(n.Priority),
		strconv.FormatBool(n.Active),
		strconv.FormatBool(n.IsVisible),
	})
}
