package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm1-registry-pipeline/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func testEntry() *domain.AuditEntry {
	return &domain.AuditEntry{
		Actor:      "curator@site-01",
		Action:     "RETIRE_CUSTOM_CONCEPT",
		ObjectType: "custom_concept",
		ObjectID:   "2000000000",
		Before:     json.RawMessage(`{"lifecycle":"ACTIVE"}`),
		After:      json.RawMessage(`{"lifecycle":"RETIRED"}`),
		Reason:     "superseded by 2026-01 release",
	}
}

func TestPostgresLogRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	log, err := NewPostgresLog(db, testLogger())
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(
			sqlmock.AnyArg(), "curator@site-01", "RETIRE_CUSTOM_CONCEPT",
			"custom_concept", "2000000000",
			`{"lifecycle":"ACTIVE"}`, `{"lifecycle":"RETIRED"}`,
			"superseded by 2026-01 release", sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := testEntry()
	require.NoError(t, log.Record(context.Background(), entry))

	assert.NotEmpty(t, entry.ID, "ID should be assigned")
	assert.False(t, entry.Timestamp.IsZero(), "Timestamp should be set")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLogRecordNullStates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	log, err := NewPostgresLog(db, testLogger())
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(
			sqlmock.AnyArg(), "curator@site-01", "CREATE_CUSTOM_CONCEPT",
			"custom_concept", "2000000001",
			nil, `{"lifecycle":"ACTIVE"}`,
			"new concept", sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &domain.AuditEntry{
		Actor:      "curator@site-01",
		Action:     "CREATE_CUSTOM_CONCEPT",
		ObjectType: "custom_concept",
		ObjectID:   "2000000001",
		After:      json.RawMessage(`{"lifecycle":"ACTIVE"}`),
		Reason:     "new concept",
	}
	require.NoError(t, log.Record(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLogRequiresActorAndReason(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	log, err := NewPostgresLog(db, testLogger())
	require.NoError(t, err)

	entry := testEntry()
	entry.Reason = ""
	assert.ErrorIs(t, log.Record(context.Background(), entry), domain.ErrReasonRequired)

	entry = testEntry()
	entry.Actor = ""
	assert.ErrorIs(t, log.Record(context.Background(), entry), domain.ErrReasonRequired)
}

func TestPostgresLogListByObject(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	log, err := NewPostgresLog(db, testLogger())
	require.NoError(t, err)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "actor", "action", "object_type", "object_id",
		"before_state", "after_state", "reason", "recorded_at",
	}).
		AddRow("e1", "curator", "CREATE_CUSTOM_CONCEPT", "custom_concept", "2000000000",
			nil, `{"lifecycle":"ACTIVE"}`, "new concept", now.Add(-time.Hour)).
		AddRow("e2", "curator", "RETIRE_CUSTOM_CONCEPT", "custom_concept", "2000000000",
			`{"lifecycle":"ACTIVE"}`, `{"lifecycle":"RETIRED"}`, "superseded", now)

	mock.ExpectQuery("SELECT (.+) FROM audit_entries").
		WithArgs("custom_concept", "2000000000").
		WillReturnRows(rows)

	entries, err := log.ListByObject(context.Background(), "custom_concept", "2000000000")
	require.NoError(t, err)

	require.Len(t, entries, 2)
	assert.Equal(t, "CREATE_CUSTOM_CONCEPT", entries[0].Action)
	assert.Empty(t, entries[0].Before)
	assert.Equal(t, "RETIRE_CUSTOM_CONCEPT", entries[1].Action)
	assert.JSONEq(t, `{"lifecycle":"ACTIVE"}`, string(entries[1].Before))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryLog(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	require.NoError(t, log.Record(ctx, testEntry()))
	require.NoError(t, log.Record(ctx, testEntry()))

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.NotEmpty(t, entries[0].ID)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)

	bad := testEntry()
	bad.Reason = ""
	assert.ErrorIs(t, log.Record(ctx, bad), domain.ErrReasonRequired)
	assert.Len(t, log.Entries(), 2)
}
