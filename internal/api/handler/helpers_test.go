package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	mw "github.com/edvin/jitaccess/internal/api/middleware"
	"github.com/edvin/jitaccess/internal/audit"
	"github.com/edvin/jitaccess/internal/lifecycle"
	"github.com/edvin/jitaccess/internal/lock"
	"github.com/edvin/jitaccess/internal/model"
	"github.com/edvin/jitaccess/internal/policy"
	"github.com/edvin/jitaccess/internal/store"
)

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// newRequestRaw creates a new HTTP request with a raw string body.
func newRequestRaw(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeErrorResponse parses the JSON error response body into a map.
func decodeErrorResponse(rec *httptest.ResponseRecorder) map[string]string {
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

// as injects a caller identity with the given roles.
func as(r *http.Request, subject string, roles ...string) *http.Request {
	identity := &mw.Identity{Subject: subject, Roles: roles}
	return r.WithContext(context.WithValue(r.Context(), mw.IdentityKey, identity))
}

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
	carol = "carol@example.com"
)

type env struct {
	mgr   *lifecycle.Manager
	store *store.Memory
	audit *audit.Writer
	cloud *mockCloud
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem := store.NewMemory(policy.DefaultConfig())
	cloud := &mockCloud{}
	auditor := audit.NewWriter(mem, zerolog.Nop())
	mgr := lifecycle.NewManager(
		mem,
		policy.NewValidator(mem, zerolog.Nop()),
		lock.NewLocal(),
		auditor,
		nil,
		cloud,
		zerolog.Nop(),
	)
	t.Cleanup(func() { cloud.AssertExpectations(t) })
	return &env{mgr: mgr, store: mem, audit: auditor, cloud: cloud}
}

func s3Body(environment string, actions ...string) map[string]any {
	return map[string]any{
		"target": model.Target{Kind: model.TargetCloudAccount, AccountID: "123456789012"},
		"permissions": model.NewCloudPermissionSet(model.CloudStatement{
			Service:   "s3",
			Actions:   actions,
			Resources: []string{"arn:aws:s3:::reports/*"},
		}),
		"justification":  "investigate incident OPS-42",
		"duration_hours": 4,
		"environment":    environment,
	}
}

// submit stores a request for alice through the manager.
func (e *env) submit(t *testing.T, environment string, actions ...string) *model.AccessRequest {
	t.Helper()
	req, err := e.mgr.Submit(context.Background(), lifecycle.Submission{
		Requester: alice,
		Target:    model.Target{Kind: model.TargetCloudAccount, AccountID: "123456789012"},
		Permissions: model.NewCloudPermissionSet(model.CloudStatement{
			Service:   "s3",
			Actions:   actions,
			Resources: []string{"arn:aws:s3:::reports/*"},
		}),
		Justification: "investigate incident OPS-42",
		DurationHours: 4,
		Environment:   environment,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return req
}

var testAssignment = &model.CloudAssignment{
	PermissionSetARN: "arn:aws:sso:::permissionSet/ssoins-1/ps-1",
	PrincipalID:      "user-1",
	AccountID:        "123456789012",
}
