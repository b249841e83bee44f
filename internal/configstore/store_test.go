package configstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidolon-project/eidolon/internal/planner"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewStore(db), mock
}

func TestGetReturnsNotFoundForUnknownUser(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM scan_configs WHERE user_id = \\$1").
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)

	_, found, err := s.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetDecodesStoredRow(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"user_id", "network_cidrs", "ports", "port_preset", "options", "updated_at"}
	rows := sqlmock.NewRows(cols).AddRow(
		"user-1",
		pq.StringArray{"10.0.0.0/24"},
		pq.Int64Array{22, 80},
		"custom",
		[]byte(`{"ping_concurrency":64,"port_scan_workers":8,"dns_resolution":true,"aggressive":false}`),
		time.Now(),
	)
	mock.ExpectQuery("SELECT .* FROM scan_configs WHERE user_id = \\$1").
		WithArgs("user-1").
		WillReturnRows(rows)

	cfg, found, err := s.Get(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"10.0.0.0/24"}, cfg.TargetRanges)
	assert.Equal(t, []int{22, 80}, cfg.Ports)
	assert.Equal(t, planner.PresetCustom, cfg.Preset)
	assert.True(t, cfg.Options.DNSResolution)
}

func TestPutUpsertsAndReturnsStoredConfig(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO scan_configs").
		WithArgs("user-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "fast", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cfg := planner.ScanConfig{
		TargetRanges: []string{"10.0.0.0/24"},
		Ports:        []int{443},
		Preset:       planner.PresetFast,
		Options:      planner.DefaultScanOptions(),
	}

	stored, err := s.Put(context.Background(), "user-1", cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg, stored)
	require.NoError(t, mock.ExpectationsWereMet())
}
