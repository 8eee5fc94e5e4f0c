package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20240101000000_init",
		Up: []string{`
CREATE TABLE repmgrd_nodes (
	node_id           BIGINT PRIMARY KEY,
	node_name         TEXT NOT NULL,
	conninfo          TEXT NOT NULL,
	type              TEXT NOT NULL,
	upstream_node_id  BIGINT NOT NULL DEFAULT 0,
	priority          INTEGER NOT NULL DEFAULT 0,
	active            BOOLEAN NOT NULL DEFAULT true
)`, `
CREATE TABLE repmgrd_voting_status (
	node_id    BIGINT PRIMARY KEY REFERENCES repmgrd_nodes (node_id),
	status     TEXT NOT NULL DEFAULT 'no_vote',
	term       BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, `
CREATE TABLE repmgrd_follow_requests (
	node_id        BIGINT PRIMARY KEY REFERENCES repmgrd_nodes (node_id),
	new_primary_id BIGINT NOT NULL,
	term           BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`, `
CREATE TABLE repmgrd_events (
	id         BIGSERIAL PRIMARY KEY,
	node_id    BIGINT NOT NULL,
	event_tag  TEXT NOT NULL,
	successful BOOLEAN NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		},
		Down: []string{
			`DROP TABLE repmgrd_events`,
			`DROP TABLE repmgrd_follow_requests`,
			`DROP TABLE repmgrd_voting_status`,
			`DROP TABLE repmgrd_nodes`,
		},
	}

	allMigrations = append(allMigrations, m)
}
