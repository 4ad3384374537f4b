package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/jitaccess/internal/audit"
	"github.com/edvin/jitaccess/internal/lifecycle"
	"github.com/edvin/jitaccess/internal/lock"
	"github.com/edvin/jitaccess/internal/model"
	"github.com/edvin/jitaccess/internal/policy"
	"github.com/edvin/jitaccess/internal/store"
)

type stubCloud struct{}

func (stubCloud) Grant(context.Context, *model.AccessRequest) (*model.CloudAssignment, error) {
	return &model.CloudAssignment{PrincipalID: "user-1", AccountID: "123456789012"}, nil
}

func (stubCloud) Revoke(context.Context, *model.CloudAssignment) error { return nil }

func newTestServer(t *testing.T, checks map[string]Check) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(policy.DefaultConfig())
	auditor := audit.NewWriter(mem, zerolog.Nop())
	mgr := lifecycle.NewManager(mem, policy.NewValidator(mem, zerolog.Nop()), lock.NewLocal(), auditor, nil, stubCloud{}, zerolog.Nop())
	s := NewServer(zerolog.Nop(), Deps{
		Requests:   mgr,
		Store:      mem,
		Audit:      auditor,
		AdminToken: "s3cret",
		Checks:     checks,
	})
	t.Cleanup(s.Close)
	return s, mem
}

func call(s *Server, method, path, user, roles string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	if user != "" {
		r.Header.Set("X-Auth-User", user)
	}
	if roles != "" {
		r.Header.Set("X-Auth-Roles", roles)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := call(s, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReadyzReportsFailingCheck(t *testing.T) {
	s, _ := newTestServer(t, map[string]Check{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	rec := call(s, http.MethodGet, "/readyz", "", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["store"])
	assert.Equal(t, "connection refused", body["redis"])
}

func TestHTTPCheck(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	assert.NoError(t, HTTPCheck(up.Client(), up.URL)(context.Background()))
	err := HTTPCheck(down.Client(), down.URL)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestServer_V1RequiresIdentity(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := call(s, http.MethodGet, "/v1/requests", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_SubmitApproveGet(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := call(s, http.MethodPost, "/v1/requests", "alice@example.com", "", map[string]any{
		"target": model.Target{Kind: model.TargetCloudAccount, AccountID: "123456789012"},
		"permissions": model.NewCloudPermissionSet(model.CloudStatement{
			Service:   "s3",
			Actions:   []string{"s3:GetObject"},
			Resources: []string{"arn:aws:s3:::reports/*"},
		}),
		"justification":  "quarterly report check",
		"duration_hours": 2,
		"environment":    "dev",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created model.AccessRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, model.EnvNonProd, created.Environment)

	rec = call(s, http.MethodPost, "/v1/requests/"+created.ID+"/approvals", "alice@example.com", "", map[string]string{"role": "self"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(s, http.MethodGet, "/v1/requests/"+created.ID, "alice@example.com", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.AccessRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, model.StatusGranted, got.Status)
	require.NotNil(t, got.ExpiresAt)
}

func TestServer_PolicyUpdateRequiresAdminToken(t *testing.T) {
	s, mem := newTestServer(t, nil)
	body := map[string]any{
		"expected_version":   1,
		"environments":       map[string]model.Toggles{"prod": {AllowDelete: true}},
		"max_duration_hours": map[string]int{"prod": 8},
	}

	rec := call(s, http.MethodPut, "/v1/policy", "ops@example.com", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	r := httptest.NewRequest(http.MethodPut, "/v1/policy", bytes.NewBufferString(`{"expected_version":1,"environments":{"prod":{"allow_delete":true}},"max_duration_hours":{"prod":8}}`))
	r.Header.Set("X-Auth-User", "ops@example.com")
	r.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg, err := mem.GetPolicyConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), cfg.Version)
	assert.True(t, cfg.TogglesFor(model.EnvProd).AllowDelete)
}
