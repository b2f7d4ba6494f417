package confluence

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"clearwater/pkg/models"
)

func testAlert(deviceID, param string) *models.Alert {
	return &models.Alert{
		DeviceID:     deviceID,
		Parameter:    param,
		Kind:         models.KindThreshold,
		Severity:     models.SeverityCritical,
		CurrentValue: 9.9,
		Message:      "test alert",
	}
}

func patchWithName(name string) models.DevicePatch {
	return models.DevicePatch{Name: &name}
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewStore(db, logrus.New()), mock, func() { db.Close() }
}

func TestCreateAlertIfAbsent_DuplicateActive(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM alerts").
		WithArgs("dev-1", "ph", "threshold", "Critical").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-alert"))
	mock.ExpectRollback()

	alert := testAlert("dev-1", "ph")
	err := store.CreateAlertIfAbsent(context.Background(), alert)
	if !errors.Is(err, ErrDuplicateAlert) {
		t.Fatalf("expected ErrDuplicateAlert, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateAlertIfAbsent_InsertsWhenNoActiveTwin(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM alerts").
		WithArgs("dev-1", "ph", "threshold", "Critical").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	alert := testAlert("dev-1", "ph")
	if err := store.CreateAlertIfAbsent(context.Background(), alert); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert.ID == "" {
		t.Fatal("expected alert id to be assigned")
	}
	if alert.Status != "Active" {
		t.Fatalf("expected Active status, got %s", alert.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateAlertIfAbsent_UniqueIndexLoserMapsToDuplicate(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM alerts").
		WithArgs("dev-1", "ph", "threshold", "Critical").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := store.CreateAlertIfAbsent(context.Background(), testAlert("dev-1", "ph"))
	if !errors.Is(err, ErrDuplicateAlert) {
		t.Fatalf("expected ErrDuplicateAlert, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateAlertIfAbsent_SerializationRetryObservesWinner(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	// First attempt loses the serializable race on commit.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM alerts").
		WithArgs("dev-1", "ph", "threshold", "Critical").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})

	// The retry sees the winner's committed row and yields the duplicate.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM alerts").
		WithArgs("dev-1", "ph", "threshold", "Critical").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("winner-alert"))
	mock.ExpectRollback()

	err := store.CreateAlertIfAbsent(context.Background(), testAlert("dev-1", "ph"))
	if !errors.Is(err, ErrDuplicateAlert) {
		t.Fatalf("expected ErrDuplicateAlert after retry, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTouchLastSeen_ThrottledByPredicate(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE devices SET status = 'online'").
		WithArgs("dev-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	updated, err := store.TouchLastSeen(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated {
		t.Fatal("expected no update inside the throttle window")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAcknowledgeAlert_ConflictWhenResolved(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE alerts SET status = 'Acknowledged'").
		WithArgs("alert-1", "admin-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM alerts").
		WithArgs("alert-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("Resolved"))

	err := store.AcknowledgeAlert(context.Background(), "alert-1", "admin-1")
	if !errors.Is(err, ErrAlertConflict) {
		t.Fatalf("expected ErrAlertConflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAcknowledgeAlert_NotFound(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE alerts SET status = 'Acknowledged'").
		WithArgs("missing", "admin-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM alerts").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	err := store.AcknowledgeAlert(context.Background(), "missing", "admin-1")
	if !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestResolveAlert_FromAcknowledged(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE alerts SET status = 'Resolved'").
		WithArgs("alert-1", "admin-1", "pump replaced").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.ResolveAlert(context.Background(), "alert-1", "admin-1", "pump replaced"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPatchDevice_NotFound(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	name := "Basement tank"
	mock.ExpectExec("UPDATE devices SET name").
		WithArgs("missing", name).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.PatchDevice(context.Background(), "missing", patchWithName(name))
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestGetDevice_AbsentReturnsNil(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectQuery("FROM devices WHERE id").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	d, err := store.GetDevice(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil device, got %+v", d)
	}
}
