package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/jitaccess/internal/model"
)

// Recorder persists an audit entry.
type Recorder interface {
	Record(ctx context.Context, e *model.AuditLogEntry) error
}

// AuditLogger is an async audit log writer for mutating API calls. Lifecycle
// transitions are audited synchronously by the manager; this trail also
// covers calls that were rejected before reaching it.
type AuditLogger struct {
	recorder Recorder
	logger   zerolog.Logger
	ch       chan *model.AuditLogEntry
	done     chan struct{}
}

func NewAuditLogger(recorder Recorder, logger zerolog.Logger) *AuditLogger {
	al := &AuditLogger{
		recorder: recorder,
		logger:   logger,
		ch:       make(chan *model.AuditLogEntry, 1024),
		done:     make(chan struct{}),
	}
	go al.drain()
	return al
}

func (al *AuditLogger) drain() {
	defer close(al.done)
	for entry := range al.ch {
		// use context.Background since this is async
		if err := al.recorder.Record(context.Background(), entry); err != nil {
			al.logger.Error().Err(err).Msg("failed to write api audit entry")
		}
	}
}

// Close stops accepting entries and waits for the buffer to drain.
func (al *AuditLogger) Close() {
	close(al.ch)
	<-al.done
}

// Middleware returns a chi middleware that audits mutating API requests.
func (al *AuditLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only audit mutating operations.
		if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}

		var bodyBytes []byte
		if r.Body != nil {
			bodyBytes, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		resourceType, resourceID := extractResource(r.URL.Path)
		entry := &model.AuditLogEntry{
			Actor:   Subject(r.Context()),
			Action:  "api " + r.Method + " " + resourceType,
			Allowed: sw.status < http.StatusBadRequest,
		}
		if resourceType == "requests" {
			entry.RequestID = resourceID
		}
		if sw.status >= http.StatusBadRequest {
			entry.Error = http.StatusText(sw.status)
		}
		if len(bodyBytes) > 0 && json.Valid(bodyBytes) {
			entry.Detail = string(sanitizeBody(bodyBytes))
		}

		select {
		case al.ch <- entry:
		default:
			al.logger.Warn().Msg("audit log buffer full, dropping entry")
		}
	})
}

// extractResource returns the first resource collection and its ID from a
// /v1 path, e.g. /v1/requests/abc/approvals -> requests, abc.
func extractResource(path string) (resourceType, resourceID string) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/v1/"), "/"), "/")
	if len(parts) > 0 {
		resourceType = parts[0]
	}
	if len(parts) > 1 {
		resourceID = parts[1]
	}
	return resourceType, resourceID
}

// sensitiveFields are fields that should be redacted from audit logs.
var sensitiveFields = map[string]bool{
	"password": true, "secret": true, "token": true, "secret_id": true,
}

func sanitizeBody(body []byte) json.RawMessage {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}
	for k := range data {
		if sensitiveFields[k] {
			data[k] = "[REDACTED]"
		}
	}
	sanitized, _ := json.Marshal(data)
	return sanitized
}
