// Package configstore persists each user's saved ScanConfig, the
// `scan_configs` relational table behind `GET`/`PUT /collector/config`.
// Shares the teacher's sqlx + internal/dbtypes stack with internal/graph,
// but as a distinct Postgres table rather than the property graph, since
// spec.md §6 frames config persistence as a separate relational store.
package configstore

// Schema is the scan_configs table DDL, applied idempotently at startup
// the same way internal/graph.Schema is.
const Schema = `
CREATE TABLE IF NOT EXISTS scan_configs (
	user_id       TEXT PRIMARY KEY,
	network_cidrs TEXT[] NOT NULL DEFAULT '{}',
	ports         BIGINT[] NOT NULL DEFAULT '{}',
	port_preset   TEXT NOT NULL DEFAULT 'normal',
	options       JSONB NOT NULL DEFAULT '{}',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
