package confluence

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"clearwater/pkg/middleware"
)

var testJWTSecret = []byte("test-secret")

func signToken(t *testing.T, role, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.AdminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(testJWTSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newMutationRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	store := NewStore(db, logrus.New())
	api := NewMutationAPI(store, nil, logrus.New())

	r := gin.New()
	api.RegisterRoutes(r, testJWTSecret)
	return r, mock, func() { db.Close() }
}

func doRequest(r *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMutations_RequireAuth(t *testing.T) {
	r, _, closeDB := newMutationRouter(t)
	defer closeDB()

	w := doRequest(r, http.MethodPost, "/api/v1/alerts/a-1/acknowledge", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", w.Code)
	}
}

func TestMutations_RejectNonAdmin(t *testing.T) {
	r, _, closeDB := newMutationRouter(t)
	defer closeDB()

	token := signToken(t, "viewer", "user-1")
	w := doRequest(r, http.MethodPost, "/api/v1/alerts/a-1/acknowledge", token, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", w.Code)
	}
}

func TestAcknowledge_Success(t *testing.T) {
	r, mock, closeDB := newMutationRouter(t)
	defer closeDB()

	mock.ExpectExec("UPDATE alerts SET status = 'Acknowledged'").
		WithArgs("a-1", "admin-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	token := signToken(t, "admin", "admin-1")
	w := doRequest(r, http.MethodPost, "/api/v1/alerts/a-1/acknowledge", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		OK        bool   `json:"ok"`
		AlertID   string `json:"alert_id"`
		NewStatus string `json:"new_status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if !resp.OK || resp.AlertID != "a-1" || resp.NewStatus != "Acknowledged" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAcknowledge_ConflictOnResolvedAlert(t *testing.T) {
	r, mock, closeDB := newMutationRouter(t)
	defer closeDB()

	mock.ExpectExec("UPDATE alerts SET status = 'Acknowledged'").
		WithArgs("a-1", "admin-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM alerts").
		WithArgs("a-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("Resolved"))

	token := signToken(t, "admin", "admin-1")
	w := doRequest(r, http.MethodPost, "/api/v1/alerts/a-1/acknowledge", token, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("code = %d, want 409", w.Code)
	}
}

func TestResolve_WithNotes(t *testing.T) {
	r, mock, closeDB := newMutationRouter(t)
	defer closeDB()

	mock.ExpectExec("UPDATE alerts SET status = 'Resolved'").
		WithArgs("a-1", "admin-1", "replaced membrane").
		WillReturnResult(sqlmock.NewResult(0, 1))

	token := signToken(t, "admin", "admin-1")
	w := doRequest(r, http.MethodPost, "/api/v1/alerts/a-1/resolve", token, `{"notes":"replaced membrane"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestPatchDevice_AssignsLocation(t *testing.T) {
	r, mock, closeDB := newMutationRouter(t)
	defer closeDB()

	mock.ExpectExec("UPDATE devices SET building").
		WithArgs("dev-1", "HQ", "2", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	token := signToken(t, "admin", "admin-1")
	w := doRequest(r, http.MethodPatch, "/api/v1/devices/dev-1", token,
		`{"location":{"building":"HQ","floor":"2"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
}
