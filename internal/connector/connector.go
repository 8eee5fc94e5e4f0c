// Package connector implements the Peer Connector (spec.md §4.A): cheap
// reachability probing, session acquisition, and bounded reconnect.
// Every Session it hands out is a scoped *sql.DB pool opened against a
// single node's conninfo with lib/pq, mirroring how the teacher dials
// and owns one *grpc.ClientConn per Node in internal/praefect/node.go —
// here over database/sql instead of gRPC, per spec.md §1's framing of
// the whole RPC surface as "implemented on top of database function
// calls".
package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"gitlab.com/repmgrd/repmgrd/internal/cluster"
	"gitlab.com/repmgrd/repmgrd/internal/metrics"
)

// sanitizeErr strips password keywords from err's message before it
// can reach a log line: lib/pq's connection errors sometimes echo the
// DSN they failed to dial.
func sanitizeErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(cluster.SanitizeConninfo(err.Error()))
}

// NodeStatus is the outcome of a reachability probe.
type NodeStatus string

const (
	NodeStatusUp   NodeStatus = "up"
	NodeStatusDown NodeStatus = "down"
)

// Session is a live connection to one node, opened by Connect or
// TryReconnect. It satisfies cluster.Session so NodeInfo.Conn can hold
// one without this package's database/sql dependency leaking into
// internal/cluster.
type Session struct {
	db       *sql.DB
	conninfo string
}

// DB exposes the underlying pool for packages (internal/metadata) that
// issue queries against it. Kept as a thin accessor rather than
// embedding *sql.DB so Session stays the single owner of the handle's
// lifecycle.
func (s *Session) DB() *sql.DB { return s.db }

// Close closes the underlying connection pool. Safe to call more than
// once.
func (s *Session) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Connector opens and probes sessions against node conninfo strings.
type Connector struct {
	log logrus.FieldLogger
}

// New builds a Connector that logs through log.
func New(log logrus.FieldLogger) *Connector {
	return &Connector{log: log}
}

// IsAvailable is a cheap reachability probe that must not leave a
// session open: it opens a connection only long enough to ping, then
// closes it.
func (c *Connector) IsAvailable(ctx context.Context, conninfo string) bool {
	db, err := sql.Open("postgres", conninfo)
	if err != nil {
		return false
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db.PingContext(pingCtx) == nil
}

// Connect opens a live Session against conninfo. If required is true,
// a failure to connect is fatal to the caller (spec.md §4.A: "on
// required=true, failure is fatal and aborts the daemon at startup
// only") — Connect itself only returns the error; it is the caller's
// responsibility, at startup, to treat it as fatal.
func (c *Connector) Connect(ctx context.Context, conninfo string, required bool) (*Session, error) {
	db, err := sql.Open("postgres", conninfo)
	if err != nil {
		if required {
			return nil, fmt.Errorf("required connection to %s failed to open: %w", cluster.SanitizeConninfo(conninfo), sanitizeErr(err))
		}
		return nil, sanitizeErr(err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		if required {
			return nil, fmt.Errorf("required connection to %s failed to ping: %w", cluster.SanitizeConninfo(conninfo), sanitizeErr(err))
		}
		return nil, sanitizeErr(err)
	}

	return &Session{db: db, conninfo: conninfo}, nil
}

// TryReconnect probes reachability, then opens a session, retrying up
// to maxAttempts times with a fixed interval between attempts. It
// returns NodeStatusUp with a live session on success, NodeStatusDown
// otherwise — it never blocks indefinitely, and never itself decides
// to fail over; that decision belongs to the Monitor Loop (spec.md
// §4.A). maxAttempts and interval resolve spec.md §9's open question
// ("try_reconnect has a hardcoded 5-attempt/1-second budget marked
// configurable") by taking them as parameters sourced from
// config.ReconnectConfig instead of hardcoding them.
func (c *Connector) TryReconnect(ctx context.Context, conninfo string, maxAttempts int, interval time.Duration) (*Session, NodeStatus) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.IsAvailable(ctx, conninfo) {
			sess, err := c.Connect(ctx, conninfo, false)
			if err == nil {
				metrics.ReconnectAttemptsTotal.WithLabelValues("success").Inc()
				return sess, NodeStatusUp
			}
			c.log.WithError(err).WithField("attempt", attempt).Warn("reconnect: reachable but connect failed")
		}

		metrics.ReconnectAttemptsTotal.WithLabelValues("failure").Inc()

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, NodeStatusDown
		case <-time.After(interval):
		}
	}

	return nil, NodeStatusDown
}

// Dial is a convenience that opens a Session for a cluster.NodeInfo and
// assigns it, matching the ownership rule in spec.md §3 ("conn... owned
// by the element for the duration of the election"). It never touches
// IsVisible: that flag tracks announce_candidature success, which only
// the caller (internal/election) knows about, not mere reachability.
func (c *Connector) Dial(ctx context.Context, n *cluster.NodeInfo) error {
	sess, err := c.Connect(ctx, n.Conninfo, false)
	if err != nil {
		return err
	}
	n.Conn = sess
	return nil
}
