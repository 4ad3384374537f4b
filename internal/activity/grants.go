package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/jitaccess/internal/model"
	"github.com/edvin/jitaccess/internal/reaper"
)

// ExpiredGrant is a granted request past its expiry.
type ExpiredGrant struct {
	RequestID string    `json:"request_id"`
	Requester string    `json:"requester"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpireGrantResult is the request status after an expiry attempt.
type ExpireGrantResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Grants exposes grant expiry to the worker.
type Grants struct {
	lister  reaper.Lister
	expirer reaper.Expirer
	now     func() time.Time
}

func NewGrants(lister reaper.Lister, expirer reaper.Expirer) *Grants {
	return &Grants{lister: lister, expirer: expirer, now: time.Now}
}

// ListExpiredGrants returns every granted request whose expiry has passed.
func (a *Grants) ListExpiredGrants(ctx context.Context) ([]ExpiredGrant, error) {
	reqs, err := a.lister.ListExpiredGrants(ctx, a.now())
	if err != nil {
		return nil, fmt.Errorf("list expired grants: %w", err)
	}
	out := make([]ExpiredGrant, 0, len(reqs))
	for _, r := range reqs {
		g := ExpiredGrant{RequestID: r.ID, Requester: r.Requester}
		if r.ExpiresAt != nil {
			g.ExpiresAt = *r.ExpiresAt
		}
		out = append(out, g)
	}
	return out, nil
}

// ExpireGrant revokes downstream access for one request and marks it
// expired. Requests that already left granted are reported as they are.
func (a *Grants) ExpireGrant(ctx context.Context, requestID string) (*ExpireGrantResult, error) {
	req, err := a.expirer.Expire(ctx, requestID)
	if err != nil {
		return nil, err
	}
	status := model.StatusExpired
	if req != nil {
		status = req.Status
	}
	return &ExpireGrantResult{RequestID: requestID, Status: status}, nil
}
