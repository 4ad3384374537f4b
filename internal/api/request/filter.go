package request

import (
	"net/http"

	"github.com/edvin/jitaccess/internal/model"
)

// ParseRequestFilter extracts the request listing filter from the query string.
func ParseRequestFilter(r *http.Request) model.RequestFilter {
	q := r.URL.Query()
	return model.RequestFilter{
		Status:    q.Get("status"),
		Requester: q.Get("requester"),
		Limit:     ParseLimit(r),
	}
}
