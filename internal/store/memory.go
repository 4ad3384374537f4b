package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/edvin/jitaccess/internal/model"
)

// Memory is an in-process Store for tests and single-node development.
// Transactions are serialized with every write; reads outside a transaction
// may observe its uncommitted writes.
type Memory struct {
	shared *memShared
	tx     bool
}

type memShared struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	requests  map[string]model.AccessRequest
	approvals map[string][]model.Approval
	leases    map[string]model.CredentialLease
	audit     []model.AuditLogEntry
	policy    *model.PolicyConfig
}

func (s *memState) clone() *memState {
	c := &memState{
		requests:  maps.Clone(s.requests),
		approvals: make(map[string][]model.Approval, len(s.approvals)),
		leases:    maps.Clone(s.leases),
		audit:     slices.Clone(s.audit),
		policy:    s.policy,
	}
	for k, v := range s.approvals {
		c.approvals[k] = slices.Clone(v)
	}
	return c
}

// NewMemory returns an empty store. A non-nil policy becomes version 1.
func NewMemory(policy *model.PolicyConfig) *Memory {
	st := &memState{
		requests:  make(map[string]model.AccessRequest),
		approvals: make(map[string][]model.Approval),
		leases:    make(map[string]model.CredentialLease),
	}
	if policy != nil {
		p := copyPolicy(policy)
		p.Version = 1
		st.policy = p
	}
	return &Memory{shared: &memShared{state: st}}
}

// InTx serializes transactions and restores the previous state when fn fails.
func (m *Memory) InTx(ctx context.Context, fn func(tx Store) error) error {
	if m.tx {
		return fn(m)
	}
	sh := m.shared
	sh.txMu.Lock()
	defer sh.txMu.Unlock()

	sh.mu.RLock()
	snapshot := sh.state.clone()
	sh.mu.RUnlock()

	if err := fn(&Memory{shared: sh, tx: true}); err != nil {
		sh.mu.Lock()
		sh.state = snapshot
		sh.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) write(fn func(st *memState) error) error {
	if !m.tx {
		m.shared.txMu.Lock()
		defer m.shared.txMu.Unlock()
	}
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	return fn(m.shared.state)
}

func (m *Memory) read(fn func(st *memState)) {
	m.shared.mu.RLock()
	defer m.shared.mu.RUnlock()
	fn(m.shared.state)
}

func (m *Memory) CreateRequest(_ context.Context, r *model.AccessRequest) error {
	return m.write(func(st *memState) error {
		if _, ok := st.requests[r.ID]; ok {
			return fmt.Errorf("create request %s: %w", r.ID, model.ErrConflict)
		}
		st.requests[r.ID] = *r
		return nil
	})
}

func (m *Memory) GetRequest(_ context.Context, id string) (*model.AccessRequest, error) {
	var (
		r  model.AccessRequest
		ok bool
	)
	m.read(func(st *memState) { r, ok = st.requests[id] })
	if !ok {
		return nil, fmt.Errorf("get request %s: %w", id, model.ErrNotFound)
	}
	return &r, nil
}

func (m *Memory) UpdateRequest(_ context.Context, r *model.AccessRequest) error {
	return m.write(func(st *memState) error {
		if _, ok := st.requests[r.ID]; !ok {
			return fmt.Errorf("update request %s: %w", r.ID, model.ErrNotFound)
		}
		st.requests[r.ID] = *r
		return nil
	})
}

func (m *Memory) CompareAndSetStatus(_ context.Context, id, from, to string) error {
	return m.write(func(st *memState) error {
		r, ok := st.requests[id]
		if !ok {
			return fmt.Errorf("set status %s: %w", id, model.ErrNotFound)
		}
		if r.Status != from {
			return fmt.Errorf("set status %s from %s: %w", id, from, model.ErrConflict)
		}
		r.Status = to
		r.ModifiedAt = time.Now()
		st.requests[id] = r
		return nil
	})
}

func (m *Memory) ListRequests(_ context.Context, f model.RequestFilter) ([]model.AccessRequest, error) {
	var out []model.AccessRequest
	m.read(func(st *memState) {
		for _, r := range st.requests {
			if f.Status != "" && r.Status != f.Status {
				continue
			}
			if f.Requester != "" && r.Requester != f.Requester {
				continue
			}
			out = append(out, r)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListExpiredGrants(_ context.Context, now time.Time) ([]model.AccessRequest, error) {
	var out []model.AccessRequest
	m.read(func(st *memState) {
		for _, r := range st.requests {
			if r.Status == model.StatusGranted && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
				out = append(out, r)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) AddApproval(_ context.Context, a model.Approval) error {
	return m.write(func(st *memState) error {
		if _, ok := st.requests[a.RequestID]; !ok {
			return fmt.Errorf("add approval %s: %w", a.RequestID, model.ErrNotFound)
		}
		st.approvals[a.RequestID] = append(st.approvals[a.RequestID], a)
		return nil
	})
}

func (m *Memory) ListApprovals(_ context.Context, requestID string) ([]model.Approval, error) {
	var out []model.Approval
	m.read(func(st *memState) { out = slices.Clone(st.approvals[requestID]) })
	return out, nil
}

func (m *Memory) ClearApprovals(_ context.Context, requestID string) error {
	return m.write(func(st *memState) error {
		delete(st.approvals, requestID)
		return nil
	})
}

func (m *Memory) SaveLease(_ context.Context, l *model.CredentialLease) error {
	return m.write(func(st *memState) error {
		st.leases[l.ID] = *l
		return nil
	})
}

func (m *Memory) GetLease(_ context.Context, id string) (*model.CredentialLease, error) {
	var (
		l  model.CredentialLease
		ok bool
	)
	m.read(func(st *memState) { l, ok = st.leases[id] })
	if !ok {
		return nil, fmt.Errorf("get lease %s: %w", id, model.ErrNotFound)
	}
	return &l, nil
}

func (m *Memory) MarkLeaseRevoked(_ context.Context, id string, at time.Time) error {
	return m.write(func(st *memState) error {
		l, ok := st.leases[id]
		if !ok {
			return fmt.Errorf("revoke lease %s: %w", id, model.ErrNotFound)
		}
		if l.RevokedAt == nil {
			l.RevokedAt = &at
			st.leases[id] = l
		}
		return nil
	})
}

func (m *Memory) AppendAudit(_ context.Context, e *model.AuditLogEntry) error {
	return m.write(func(st *memState) error {
		st.audit = append(st.audit, *e)
		return nil
	})
}

func (m *Memory) ListAudit(_ context.Context, requestID string, limit int) ([]model.AuditLogEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []model.AuditLogEntry
	m.read(func(st *memState) {
		for i := len(st.audit) - 1; i >= 0 && len(out) < limit; i-- {
			e := st.audit[i]
			if requestID != "" && e.RequestID != requestID {
				continue
			}
			out = append(out, e)
		}
	})
	return out, nil
}

func (m *Memory) GetPolicyConfig(_ context.Context) (*model.PolicyConfig, error) {
	var p *model.PolicyConfig
	m.read(func(st *memState) {
		if st.policy != nil {
			p = copyPolicy(st.policy)
		}
	})
	if p == nil {
		return nil, fmt.Errorf("get policy config: %w", model.ErrNotFound)
	}
	return p, nil
}

func (m *Memory) PutPolicyConfig(_ context.Context, cfg *model.PolicyConfig, expectedVersion int64) (*model.PolicyConfig, error) {
	var out *model.PolicyConfig
	err := m.write(func(st *memState) error {
		var current int64
		if st.policy != nil {
			current = st.policy.Version
		}
		if current != expectedVersion {
			return fmt.Errorf("put policy config version %d: %w", expectedVersion, model.ErrConflict)
		}
		next := copyPolicy(cfg)
		next.Version = current + 1
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = time.Now()
		}
		st.policy = next
		out = copyPolicy(next)
		return nil
	})
	return out, err
}

func copyPolicy(p *model.PolicyConfig) *model.PolicyConfig {
	c := *p
	c.Environments = maps.Clone(p.Environments)
	c.Contacts = maps.Clone(p.Contacts)
	c.MaxDurationHours = maps.Clone(p.MaxDurationHours)
	return &c
}

// EnsurePolicyConfig stores defaults as version 1 when no policy exists yet.
func EnsurePolicyConfig(ctx context.Context, s Store, defaults *model.PolicyConfig) error {
	_, err := s.GetPolicyConfig(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if _, err := s.PutPolicyConfig(ctx, defaults, 0); err != nil && !errors.Is(err, model.ErrConflict) {
		return fmt.Errorf("seed policy config: %w", err)
	}
	return nil
}
