package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mw "github.com/edvin/jitaccess/internal/api/middleware"
	"github.com/edvin/jitaccess/internal/api/response"
	"github.com/edvin/jitaccess/internal/model"
)

func TestAuditList_RequiresSecurityRole(t *testing.T) {
	e := newEnv(t)
	h := NewAudit(e.store, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.List(rec, as(newRequest(http.MethodGet, "/v1/audit", nil), bob, model.RoleManager))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuditList_FiltersByRequest(t *testing.T) {
	e := newEnv(t)
	first := e.submit(t, model.EnvNonProd, "s3:GetObject")
	e.submit(t, model.EnvNonProd, "s3:ListBucket")
	h := NewAudit(e.store, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.List(rec, as(newRequest(http.MethodGet, "/v1/audit?request_id="+first.ID, nil), carol, model.RoleSecurity))

	require.Equal(t, http.StatusOK, rec.Code)
	var got response.List[model.AuditLogEntry]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 1, got.Count)
	assert.Equal(t, "submit", got.Items[0].Action)
	assert.Equal(t, first.ID, got.Items[0].RequestID)
}

func TestAuditList_AdminIdentity(t *testing.T) {
	e := newEnv(t)
	h := NewAudit(e.store, zerolog.Nop())

	r := as(newRequest(http.MethodGet, "/v1/audit", nil), "ops")
	mw.GetIdentity(r.Context()).Admin = true
	rec := httptest.NewRecorder()
	h.List(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[],"count":0}`, rec.Body.String())
}
