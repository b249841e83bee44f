package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidolon-project/eidolon/internal/configstore"
	"github.com/eidolon-project/eidolon/internal/eventbus"
	"github.com/eidolon-project/eidolon/internal/logging"
	"github.com/eidolon-project/eidolon/internal/metrics"
	"github.com/eidolon-project/eidolon/internal/orchestrator"
	"github.com/eidolon-project/eidolon/internal/scandriver"
	"github.com/eidolon-project/eidolon/internal/tasks"
)

// newTestOrchestrator builds a real Orchestrator whose Scanner Driver points
// at a binary that does not exist, so any asynchronous run() triggered by
// Start fails fast and finalizes the task rather than hanging or touching
// the network.
func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *tasks.Registry) {
	t.Helper()
	logger := logging.NewDefault()
	driver := scandriver.New("/nonexistent/eidolon-test-scanner-binary", time.Second, logger)
	bus := eventbus.NewBus(16, metrics.NewRegistry(), logger)
	registry := tasks.NewRegistry(5*time.Second, logger)
	return orchestrator.New(driver, bus, nil, registry, logger), registry
}

func newMockScanHandler(t *testing.T) (*ScanHandler, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	store := configstore.NewStore(db)
	orch, _ := newTestOrchestrator(t)
	return NewScanHandler(orch, store, testLogger(), metrics.NewRegistry()), mock
}

func TestScanHandler_Start_MissingUserID(t *testing.T) {
	h, _ := newMockScanHandler(t)

	r := requestWithUser(http.MethodPost, "/collector/scan", "", nil)
	w := httptest.NewRecorder()

	h.Start(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScanHandler_Start_NoStoredConfig(t *testing.T) {
	h, mock := newMockScanHandler(t)

	mock.ExpectQuery("SELECT .* FROM scan_configs WHERE user_id = \\$1").
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)

	r := requestWithUser(http.MethodPost, "/collector/scan", "user-1", nil)
	w := httptest.NewRecorder()

	h.Start(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScanHandler_Start_Success(t *testing.T) {
	h, mock := newMockScanHandler(t)

	cols := []string{"user_id", "network_cidrs", "ports", "port_preset", "options", "updated_at"}
	rows := sqlmock.NewRows(cols).AddRow(
		"user-1",
		pq.StringArray{"10.0.0.0/30"},
		pq.Int64Array{22},
		"custom",
		[]byte(`{"ping_concurrency":64,"port_scan_workers":8,"dns_resolution":false,"aggressive":false}`),
		time.Now(),
	)
	mock.ExpectQuery("SELECT .* FROM scan_configs WHERE user_id = \\$1").
		WithArgs("user-1").
		WillReturnRows(rows)

	r := requestWithUser(http.MethodPost, "/collector/scan", "user-1", nil)
	w := httptest.NewRecorder()

	h.Start(w, r)

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp startScanResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "running", resp.Status)
}

func TestScanHandler_Cancel_RequiresTaskID(t *testing.T) {
	h, _ := newMockScanHandler(t)

	body := bytes.NewBufferString(`{}`)
	r := httptest.NewRequest(http.MethodPost, "/collector/scan/cancel", body)
	w := httptest.NewRecorder()

	h.Cancel(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScanHandler_Cancel_UnknownTask(t *testing.T) {
	h, _ := newMockScanHandler(t)

	body := bytes.NewBufferString(`{"task_id":"does-not-exist"}`)
	r := httptest.NewRequest(http.MethodPost, "/collector/scan/cancel", body)
	w := httptest.NewRecorder()

	h.Cancel(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var resp cancelScanResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Status)
}

func TestScanHandler_Cancel_RejectsMalformedBody(t *testing.T) {
	h, _ := newMockScanHandler(t)

	body := bytes.NewBufferString(`not json`)
	r := httptest.NewRequest(http.MethodPost, "/collector/scan/cancel", body)
	w := httptest.NewRecorder()

	h.Cancel(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
