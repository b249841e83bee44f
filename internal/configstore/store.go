package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/eidolon-project/eidolon/internal/dbtypes"
	"github.com/eidolon-project/eidolon/internal/errors"
	"github.com/eidolon-project/eidolon/internal/planner"
)

// Store is the `scan_configs` repository behind `GET`/`PUT /collector/config`.
// Safe for concurrent use; all state lives in Postgres.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema applies the store's DDL. Idempotent; call once at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration, "applying configstore schema", err)
	}
	return nil
}

// row is the table's column shape, scanned via sqlx struct tags the way the
// teacher's repositories scan into `db`-tagged structs.
type row struct {
	UserID       string         `db:"user_id"`
	NetworkCIDRs pq.StringArray `db:"network_cidrs"`
	Ports        pq.Int64Array  `db:"ports"`
	PortPreset   string         `db:"port_preset"`
	Options      dbtypes.JSONB  `db:"options"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// Get returns userID's saved ScanConfig, or (ScanConfig{}, false, nil) if
// the user has never saved one; the collector handlers answer 404 Not Found
// in that case.
func (s *Store) Get(ctx context.Context, userID string) (planner.ScanConfig, bool, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT user_id, network_cidrs, ports, port_preset, options, updated_at
		FROM scan_configs WHERE user_id = $1`, userID)
	if err == sql.ErrNoRows {
		return planner.ScanConfig{}, false, nil
	}
	if err != nil {
		return planner.ScanConfig{}, false, errors.WrapDatabaseError(errors.CodeDatabaseQuery, "loading scan config", err)
	}

	cfg, err := rowToConfig(r)
	if err != nil {
		return planner.ScanConfig{}, false, err
	}
	return cfg, true, nil
}

// Put upserts userID's ScanConfig, returning the stored value (spec.md §6:
// PUT /collector/config responds with the stored ScanConfig).
func (s *Store) Put(ctx context.Context, userID string, cfg planner.ScanConfig) (planner.ScanConfig, error) {
	optionsJSON, err := json.Marshal(cfg.Options)
	if err != nil {
		return planner.ScanConfig{}, errors.WrapScanError(errors.CodeValidation, "marshaling scan options", err)
	}

	ports := make([]int64, len(cfg.Ports))
	for i, p := range cfg.Ports {
		ports[i] = int64(p)
	}

	const query = `
		INSERT INTO scan_configs (user_id, network_cidrs, ports, port_preset, options, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id) DO UPDATE SET
			network_cidrs = EXCLUDED.network_cidrs,
			ports         = EXCLUDED.ports,
			port_preset   = EXCLUDED.port_preset,
			options       = EXCLUDED.options,
			updated_at    = now()`

	if _, err := s.db.ExecContext(ctx, query,
		userID, pq.Array(cfg.TargetRanges), pq.Array(ports), string(cfg.Preset), dbtypes.JSONB(optionsJSON),
	); err != nil {
		return planner.ScanConfig{}, errors.WrapDatabaseError(errors.CodeDatabaseQuery, "saving scan config", err).WithQuery(query)
	}
	return cfg, nil
}

func rowToConfig(r row) (planner.ScanConfig, error) {
	ports := make([]int, len(r.Ports))
	for i, p := range r.Ports {
		ports[i] = int(p)
	}

	var opts planner.ScanOptions
	if len(r.Options) > 0 {
		if err := json.Unmarshal(r.Options, &opts); err != nil {
			return planner.ScanConfig{}, errors.WrapScanError(errors.CodeValidation, "decoding stored scan options", err)
		}
	}

	return planner.ScanConfig{
		TargetRanges: []string(r.NetworkCIDRs),
		Ports:        ports,
		Preset:       planner.PresetTag(r.PortPreset),
		Options:      opts,
	}, nil
}
