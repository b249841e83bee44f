package graph

import (
	"context"
	goerrors "errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

var errMockExec = goerrors.New("mock exec failure")

func newMockWriter(t *testing.T) (*Writer, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	w := NewWriter(db, nil, nil)
	t.Cleanup(w.Close)
	return w, mock
}

func testHost() HostResult {
	return HostResult{
		Address:     "10.0.0.5",
		MAC:         "AA:BB:CC:DD:EE:FF",
		Hostname:    "box1",
		ContainedBy: []string{"10.0.0.0/24"},
		ScannedAt:   time.Unix(1700000000, 0),
		Ports: []PortObservation{
			{Port: 22, Protocol: "tcp", State: "open", Service: "ssh"},
		},
	}
}

func TestWriteHostCommitsOnSuccess(t *testing.T) {
	w, mock := newMockWriter(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO assets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO network_containers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO contains").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO services").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE services SET state = 'closed'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := w.WriteHost(context.Background(), testHost())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteHostRetriesThenSucceeds(t *testing.T) {
	w, mock := newMockWriter(t)

	// First attempt fails on the asset upsert and rolls back.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO assets").WillReturnError(errMockExec)
	mock.ExpectRollback()

	// Second attempt succeeds.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO assets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO network_containers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO contains").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO services").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE services SET state = 'closed'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := w.WriteHost(context.Background(), testHost())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteHostExhaustsRetriesAndFails(t *testing.T) {
	w, mock := newMockWriter(t)

	for i := 0; i < maxWriteAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO assets").WillReturnError(errMockExec)
		mock.ExpectRollback()
	}

	err := w.WriteHost(context.Background(), testHost())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteHostNoOpenPortsMarksAllServicesClosed(t *testing.T) {
	w, mock := newMockWriter(t)
	host := testHost()
	host.Ports = nil

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO assets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO network_containers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO contains").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE services SET state = 'closed'").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	err := w.WriteHost(context.Background(), host)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteHostDeleteStaleServicesMode(t *testing.T) {
	w, mock := newMockWriter(t)
	w.DeleteStaleServices = true
	host := testHost()
	host.Ports = nil

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO assets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO network_containers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO contains").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM services").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := w.WriteHost(context.Background(), host)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
