// Package metadata implements the Metadata Client (spec.md §4.B): node
// records, the voting-status mutex, and the RPC-shaped operations that
// exchange candidacy/vote/follow messages with peers as single
// database round-trips. Every operation here runs against one open
// *connector.Session, matching spec.md §1's framing of the protocol's
// RPC surface as "implemented on top of database function calls"
// rather than any network transport.
//
// The backing schema (repmgrd_nodes / repmgrd_voting_status /
// repmgrd_follow_requests / repmgrd_events) is this rewrite's own —
// spec.md treats the original's SQL-level functions as an external
// collaborator whose literal implementation is out of scope — but the
// migration idiom (one *migrate.Migration per file, registered via
// init()) is lifted directly from
// internal/praefect/datastore/migrations in the teacher repository.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"

	"gitlab.com/repmgrd/repmgrd/internal/cluster"
	"gitlab.com/repmgrd/repmgrd/internal/connector"
	"gitlab.com/repmgrd/repmgrd/internal/metadata/migrations"
)

// ErrNotFound is returned by GetNodeRecord when no row matches.
var ErrNotFound = errors.New("metadata: node record not found")

// Migrate applies any outstanding schema migrations, mirroring the
// teacher's "sql-migrate" cmd/praefect subcommand but run inline at
// startup, since this daemon has no separate migration subcommand in
// spec.md's CLI surface.
func Migrate(db *sql.DB) error {
	_, err := migrate.Exec(db, "postgres", migrations.All(), migrate.Up)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx. Every Client
// operation currently runs directly against the session's *sql.DB;
// none opens a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// dber is satisfied by *connector.Session. Client depends on this
// narrow interface rather than the concrete type so tests can wrap a
// bare *sql.DB without going through a live Connector dial.
type dber interface {
	DB() *sql.DB
}

// Client performs metadata operations against one session. A single
// Client is ephemeral: the Election Engine and Failover Orchestrator
// construct one per Session they hold (self or peer) rather than
// sharing one across nodes, keeping ownership of each *sql.DB aligned
// with connector.Session's own scoped lifetime.
type Client struct {
	sess dber
}

// NewClient wraps a session for metadata operations.
func NewClient(sess *connector.Session) *Client {
	return &Client{sess: sess}
}

func (c *Client) db() querier { return c.sess.DB() }

// GetNodeRecord fetches one node's persistent record.
func (c *Client) GetNodeRecord(ctx context.Context, id int64) (*cluster.NodeInfo, error) {
	row := c.db().QueryRowContext(ctx, `
		SELECT node_id, node_name, conninfo, type, upstream_node_id, priority, active
		FROM repmgrd_nodes WHERE node_id = $1`, id)

	n := &cluster.NodeInfo{}
	var nodeType string
	if err := row.Scan(&n.NodeID, &n.NodeName, &n.Conninfo, &nodeType, &n.UpstreamNodeID, &n.Priority, &n.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get node record %d: %w", id, err)
	}
	n.Type = cluster.NodeType(nodeType)

	return n, nil
}

// GetActiveSiblingNodeRecords returns all active=true nodes whose
// upstream_node_id = upstreamID, excluding selfID.
func (c *Client) GetActiveSiblingNodeRecords(ctx context.Context, selfID, upstreamID int64) (cluster.NodeInfoList, error) {
	rows, err := c.db().QueryContext(ctx, `
		SELECT node_id, node_name, conninfo, type, upstream_node_id, priority, active
		FROM repmgrd_nodes
		WHERE upstream_node_id = $1 AND node_id != $2 AND active = true
		ORDER BY node_id`, upstreamID, selfID)
	if err != nil {
		return nil, fmt.Errorf("get active sibling node records: %w", err)
	}
	defer rows.Close()

	var list cluster.NodeInfoList
	for rows.Next() {
		n := &cluster.NodeInfo{}
		var nodeType string
		if err := rows.Scan(&n.NodeID, &n.NodeName, &n.Conninfo, &nodeType, &n.UpstreamNodeID, &n.Priority, &n.Active); err != nil {
			return nil, fmt.Errorf("scan sibling record: %w", err)
		}
		n.Type = cluster.NodeType(nodeType)
		list = append(list, n)
	}

	return list, rows.Err()
}

// GetVotingStatus reads the node's own voting status, defaulting to
// NoVote if no row exists yet.
func (c *Client) GetVotingStatus(ctx context.Context, nodeID int64) (cluster.VotingStatus, error) {
	var status string
	err := c.db().QueryRowContext(ctx, `SELECT status FROM repmgrd_voting_status WHERE node_id = $1`, nodeID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return cluster.VotingStatusNoVote, nil
	}
	if err != nil {
		return cluster.VotingStatusUnknown, fmt.Errorf("get voting status: %w", err)
	}
	return cluster.VotingStatus(status), nil
}

// SetVotingStatusInitiated transitions the node to VoteInitiated and
// allocates a new ElectoralTerm, the monotonically increasing integer
// tag spec.md §3 describes. Allocation uses a sequence-less
// read-modify-write under the row's own primary key, acceptable
// because a single node only ever runs one election at a time
// (spec.md §5: single-threaded cooperative).
func (c *Client) SetVotingStatusInitiated(ctx context.Context, nodeID int64) (cluster.ElectoralTerm, error) {
	var term int64
	err := c.db().QueryRowContext(ctx, `
		INSERT INTO repmgrd_voting_status (node_id, status, term, updated_at)
		VALUES ($1, 'vote_initiated', 1, now())
		ON CONFLICT (node_id) DO UPDATE SET
			status = 'vote_initiated',
			term = repmgrd_voting_status.term + 1,
			updated_at = now()
		RETURNING term`, nodeID).Scan(&term)
	if err != nil {
		return 0, fmt.Errorf("set voting status initiated: %w", err)
	}
	return cluster.ElectoralTerm(term), nil
}

// MarkVoteRequestReceived transitions a peer to
// VotingStatusVoteRequestReceived; called by AnnounceCandidature once
// an announcement is accepted. An existing row changes only while its
// status is still no_vote.
func (c *Client) MarkVoteRequestReceived(ctx context.Context, nodeID int64) error {
	_, err := c.db().ExecContext(ctx, `
		INSERT INTO repmgrd_voting_status (node_id, status, term, updated_at)
		VALUES ($1, 'vote_request_received', 0, now())
		ON CONFLICT (node_id) DO UPDATE SET
			status = 'vote_request_received',
			updated_at = now()
		WHERE repmgrd_voting_status.status = 'no_vote'`, nodeID)
	return err
}

// ResetVotingStatus resets the node's flag to NoVote. It is called at
// the top of every monitoring iteration (spec.md §4.E's top-level
// driver); the Election Engine does not call it on its own exit paths,
// so a withdrawn candidate's VoteInitiated flag lasts until the next
// iteration's reset.
func (c *Client) ResetVotingStatus(ctx context.Context, nodeID int64) error {
	_, err := c.db().ExecContext(ctx, `
		INSERT INTO repmgrd_voting_status (node_id, status, term, updated_at)
		VALUES ($1, 'no_vote', 0, now())
		ON CONFLICT (node_id) DO UPDATE SET status = 'no_vote', updated_at = now()`, nodeID)
	return err
}

// GetLastWALReceiveLocation reads the live replication position from
// the session this Client wraps — never a stored column, so that LSNs
// are always compared within the term that fetched them (Invariant 3).
func (c *Client) GetLastWALReceiveLocation(ctx context.Context) (cluster.LSN, error) {
	var raw sql.NullString
	if err := c.db().QueryRowContext(ctx, `SELECT pg_last_wal_receive_lsn()::text`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("get last wal receive location: %w", err)
	}
	if !raw.Valid {
		return 0, nil
	}
	return parseLSN(raw.String)
}

// GetRecoveryType reports whether the session's node is currently a
// primary or a standby.
func (c *Client) GetRecoveryType(ctx context.Context) (cluster.NodeType, error) {
	var inRecovery bool
	if err := c.db().QueryRowContext(ctx, `SELECT pg_is_in_recovery()`).Scan(&inRecovery); err != nil {
		return cluster.NodeTypeUnknown, fmt.Errorf("get recovery type: %w", err)
	}
	if inRecovery {
		return cluster.NodeTypeStandby, nil
	}
	return cluster.NodeTypePrimary, nil
}

// AnnounceCandidature performs the announce_candidature RPC against a
// peer session: the peer refuses (returns accepted=false) iff it is
// itself VoteInitiated with a term >= ours.
func (c *Client) AnnounceCandidature(ctx context.Context, selfNodeID int64, term cluster.ElectoralTerm) (accepted bool, err error) {
	var peerStatus string
	var peerTerm int64
	err = c.db().QueryRowContext(ctx, `
		SELECT status, term FROM repmgrd_voting_status WHERE node_id = $1`, selfNodeID).Scan(&peerStatus, &peerTerm)
	if errors.Is(err, sql.ErrNoRows) {
		return true, c.MarkVoteRequestReceived(ctx, selfNodeID)
	}
	if err != nil {
		return false, fmt.Errorf("announce candidature: %w", err)
	}

	if cluster.VotingStatus(peerStatus) == cluster.VotingStatusVoteInitiated && peerTerm >= int64(term) {
		return false, nil
	}

	return true, c.MarkVoteRequestReceived(ctx, selfNodeID)
}

// RequestVote performs the request_vote RPC against a peer session: it
// returns 1 if the peer grants its vote (it is not itself a candidate
// with an equal-or-higher term) along with the peer's own
// LastWALReceiveLSN, so the candidate can detect other_node_is_ahead.
func (c *Client) RequestVote(ctx context.Context, selfNodeID int64, term cluster.ElectoralTerm) (voteCount int, peerLSN cluster.LSN, err error) {
	peerLSN, err = c.GetLastWALReceiveLocation(ctx)
	if err != nil {
		return 0, 0, err
	}

	var peerStatus string
	var peerTerm int64
	err = c.db().QueryRowContext(ctx, `
		SELECT status, term FROM repmgrd_voting_status WHERE node_id = $1`, selfNodeID).Scan(&peerStatus, &peerTerm)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, peerLSN, nil
	}
	if err != nil {
		return 0, peerLSN, fmt.Errorf("request vote: %w", err)
	}

	if cluster.VotingStatus(peerStatus) == cluster.VotingStatusVoteInitiated && peerTerm != int64(term) {
		return 0, peerLSN, nil
	}

	return 1, peerLSN, nil
}

// NotifyFollowPrimary writes the follow directive into the peer's
// metadata; the peer's own monitor loop discovers it via
// GetNewPrimary. Idempotent: repeated calls for the same (term,
// follow_id) leave the row unchanged but for created_at, matching
// spec.md §8's "idempotent follower notification" property.
func (c *Client) NotifyFollowPrimary(ctx context.Context, peerNodeID, newPrimaryID int64, term cluster.ElectoralTerm) error {
	_, err := c.db().ExecContext(ctx, `
		INSERT INTO repmgrd_follow_requests (node_id, new_primary_id, term, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (node_id) DO UPDATE SET
			new_primary_id = EXCLUDED.new_primary_id,
			term = EXCLUDED.term,
			created_at = now()`, peerNodeID, newPrimaryID, int64(term))
	return err
}

// GetNewPrimary polls the local directive set by some candidate's
// NotifyFollowPrimary call.
func (c *Client) GetNewPrimary(ctx context.Context, selfNodeID int64) (found bool, newPrimaryID int64, err error) {
	err = c.db().QueryRowContext(ctx, `
		SELECT new_primary_id FROM repmgrd_follow_requests WHERE node_id = $1`, selfNodeID).Scan(&newPrimaryID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("get new primary: %w", err)
	}
	return true, newPrimaryID, nil
}

// ClearFollowRequest removes a node's follow directive once acted on,
// so a stale directive from a prior episode can never be replayed.
func (c *Client) ClearFollowRequest(ctx context.Context, nodeID int64) error {
	_, err := c.db().ExecContext(ctx, `DELETE FROM repmgrd_follow_requests WHERE node_id = $1`, nodeID)
	return err
}

// CreateEventRecord writes a best-effort audit row. A missing or
// already-closed session (the local session having just been lost, for
// instance) makes it return an error without touching the database, so
// the caller can log the event locally instead, per spec.md §4.B.
func (c *Client) CreateEventRecord(ctx context.Context, nodeID int64, eventTag string, success bool, detail string) error {
	if c.sess == nil || c.sess.DB() == nil {
		return fmt.Errorf("create event record %q: no open session", eventTag)
	}

	_, err := c.db().ExecContext(ctx, `
		INSERT INTO repmgrd_events (node_id, event_tag, successful, detail, created_at)
		VALUES ($1, $2, $3, $4, now())`, nodeID, eventTag, success, detail)
	return err
}

// UpdateNodeType persists a node's type and upstream. follow_new_primary
// uses it to record this node as a standby of the new primary in the
// new primary's database; promote_self does not call it.
func (c *Client) UpdateNodeType(ctx context.Context, nodeID int64, nodeType cluster.NodeType, upstreamNodeID int64) error {
	_, err := c.db().ExecContext(ctx, `
		UPDATE repmgrd_nodes SET type = $2, upstream_node_id = $3 WHERE node_id = $1`,
		nodeID, string(nodeType), upstreamNodeID)
	return err
}
