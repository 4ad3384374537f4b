package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, runner StatementRunner, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	svc, _ := newTestService(runner)
	srv := NewServer(svc, zerolog.Nop())

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	return rec
}

func executeBody(query, role string) map[string]any {
	return map[string]any{
		"host":       "db.internal",
		"port":       3306,
		"username":   "d_alice",
		"password":   "pw",
		"database":   "orders",
		"query":      query,
		"role":       role,
		"user_email": "alice@example.com",
		"request_id": "req-1",
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServer_Health(t *testing.T) {
	rec := serve(t, &fakeRunner{}, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestServer_ExecuteReturnsResults(t *testing.T) {
	runner := &fakeRunner{result: &Result{
		Columns:  []string{"id"},
		Rows:     []map[string]any{{"id": 7}},
		RowCount: 1,
	}}
	rec := serve(t, runner, http.MethodPost, "/execute", executeBody("SELECT id FROM users", "L1"))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	results, ok := body["results"].([]any)
	require.True(t, ok)
	assert.Len(t, results, 1)
	assert.Equal(t, float64(1), body["row_count"])
}

func TestServer_ExecuteReturnsAffectedRows(t *testing.T) {
	n := int64(4)
	runner := &fakeRunner{result: &Result{AffectedRows: &n}}
	rec := serve(t, runner, http.MethodPost, "/execute", executeBody("UPDATE t SET a = 1", "READ_LIMITED_WRITE"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), decodeBody(t, rec)["affectedRows"])
}

func TestServer_PolicyRejectionIs403(t *testing.T) {
	rec := serve(t, &fakeRunner{}, http.MethodPost, "/execute", executeBody("SELECT * FROM users; GRANT ALL ON *.* TO 'x'", "L3"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["error"])
	assert.Equal(t, "L3", body["tier"])
}

func TestServer_ExpiredIs403(t *testing.T) {
	body := executeBody("SELECT 1", "L1")
	body["expires_at"] = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rec := serve(t, &fakeRunner{}, http.MethodPost, "/execute", body)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "expired")
}

func TestServer_InvalidBodyIs400(t *testing.T) {
	rec := serve(t, &fakeRunner{}, http.MethodPost, "/execute", map[string]any{"query": "SELECT 1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DatabaseErrorIs502(t *testing.T) {
	rec := serve(t, &fakeRunner{err: errors.New("connection refused")}, http.MethodPost, "/execute", executeBody("SELECT 1", "L1"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "connection refused")
}

func TestCheckListenAddr(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:5002", "localhost:5002", "[::1]:5002", "10.0.4.2:5002", "192.168.1.10:5002"} {
		assert.NoError(t, CheckListenAddr(addr), addr)
	}
	for _, addr := range []string{":5002", "0.0.0.0:5002", "[::]:5002", "8.8.8.8:5002", "proxy.example.com:5002", "nonsense"} {
		assert.Error(t, CheckListenAddr(addr), addr)
	}
}
