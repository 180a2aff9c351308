package audit

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ivlab/internal/auth"
)

func TestRepositoryLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	metadata := json.RawMessage(`{"items":4}`)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WithArgs(sqlmock.AnyArg(), "alex", "operator", ActionRunSubmit, sqlmock.AnyArg(), "success",
			[]byte(metadata), DigestJSON(metadata), "10.0.0.7", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewRepository(db)
	err = repo.Log(context.Background(), Entry{
		Actor:    "alex",
		Role:     "operator",
		Action:   ActionRunSubmit,
		RunID:    "run-1",
		Result:   "success",
		Metadata: metadata,
		IP:       "10.0.0.7",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNilRepository(t *testing.T) {
	assert.Nil(t, NewRepository(nil))
	var repo *Repository
	assert.Error(t, repo.Log(context.Background(), Entry{}))
}

func TestDigestJSON(t *testing.T) {
	assert.Equal(t, "", DigestJSON(nil))
	assert.Len(t, DigestJSON([]byte(`{}`)), 64)
	assert.Equal(t, DigestJSON([]byte(`{"a":1}`)), DigestJSON([]byte(`{"a":1}`)))
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/runs", nil)
	req.RemoteAddr = "192.168.1.4:5555"
	req.Header.Set("User-Agent", "station-cli")
	req = req.WithContext(auth.WithOperator(req.Context(), auth.Operator{Name: "alex", Role: auth.RoleOperator}))

	entry := FromRequest(req, ActionRunSubmit, "run-1")
	assert.Equal(t, "alex", entry.Actor)
	assert.Equal(t, "operator", entry.Role)
	assert.Equal(t, "192.168.1.4", entry.IP)
	assert.Equal(t, "station-cli", entry.UserAgent)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestFromRequestClientAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[2001:db8::7]:5555"
	assert.Equal(t, "2001:db8::7", FromRequest(req, ActionReload, "").IP)

	req.Header.Set("X-Real-IP", "not-an-ip")
	assert.Equal(t, "2001:db8::7", FromRequest(req, ActionReload, "").IP)

	req.Header.Set("X-Real-IP", "10.1.1.1")
	assert.Equal(t, "10.1.1.1", FromRequest(req, ActionReload, "").IP)

	req.Header.Set("X-Forwarded-For", "unknown, 172.16.0.2, 10.1.1.1")
	assert.Equal(t, "172.16.0.2", FromRequest(req, ActionReload, "").IP)
}

func TestFromRequestAnonymous(t *testing.T) {
	entry := FromRequest(httptest.NewRequest("POST", "/api/v1/setups/reload", nil), ActionReload, "")
	assert.Empty(t, entry.Actor)
	assert.Empty(t, entry.Role)
	assert.Equal(t, ActionReload, entry.Action)
}
