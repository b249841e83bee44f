package graph

// Schema is the Postgres DDL backing the property graph. Mirrors the
// teacher's internal/db/migrate.go convention of an embedded, idempotent
// CREATE TABLE IF NOT EXISTS set applied once at startup rather than a
// full migration framework, since the Graph Writer owns a fixed, small
// schema that does not evolve independently of this package's code.
const Schema = `
CREATE TABLE IF NOT EXISTS network_containers (
	node_id      TEXT PRIMARY KEY,
	cidr         CIDR NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	network_type TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS assets (
	node_id         TEXT PRIMARY KEY,
	identifiers     TEXT[] NOT NULL DEFAULT '{}',
	metadata        JSONB NOT NULL DEFAULT '{}',
	lifecycle_state TEXT NOT NULL DEFAULT 'online',
	last_seen       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS services (
	node_id       TEXT PRIMARY KEY,
	asset_node_id TEXT NOT NULL REFERENCES assets(node_id) ON DELETE CASCADE,
	port          INTEGER NOT NULL,
	protocol      TEXT NOT NULL,
	state         TEXT NOT NULL,
	service       TEXT NOT NULL DEFAULT '',
	product       TEXT NOT NULL DEFAULT '',
	version       TEXT NOT NULL DEFAULT '',
	cert_subject  TEXT NOT NULL DEFAULT '',
	cert_issuer   TEXT NOT NULL DEFAULT '',
	cert_expiry   TEXT NOT NULL DEFAULT '',
	last_seen     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS services_asset_node_id_idx ON services(asset_node_id);

-- Realizes the CONTAINS edge; HAS_SERVICE needs no join table since
-- services.asset_node_id is itself the edge.
CREATE TABLE IF NOT EXISTS contains (
	network_node_id TEXT NOT NULL REFERENCES network_containers(node_id) ON DELETE CASCADE,
	asset_node_id   TEXT NOT NULL REFERENCES assets(node_id) ON DELETE CASCADE,
	PRIMARY KEY (network_node_id, asset_node_id)
);
`
