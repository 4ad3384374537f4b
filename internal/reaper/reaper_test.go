package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/jitaccess/internal/model"
)

type fakeLister struct {
	due []model.AccessRequest
	err error
}

func (f *fakeLister) ListExpiredGrants(_ context.Context, _ time.Time) ([]model.AccessRequest, error) {
	return f.due, f.err
}

type fakeExpirer struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func (f *fakeExpirer) Expire(_ context.Context, id string) (*model.AccessRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[id]++
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	return &model.AccessRequest{ID: id, Status: model.StatusExpired}, nil
}

func grants(ids ...string) []model.AccessRequest {
	out := make([]model.AccessRequest, len(ids))
	for i, id := range ids {
		out[i] = model.AccessRequest{ID: id, Status: model.StatusGranted}
	}
	return out
}

func TestSweep_ExpiresEveryDueGrant(t *testing.T) {
	exp := &fakeExpirer{}
	r := New(&fakeLister{due: grants("a", "b", "c", "d", "e", "f")}, exp, time.Minute, zerolog.Nop())

	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Expired)
	assert.Zero(t, res.Failed)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		assert.Equal(t, 1, exp.calls[id], id)
	}
}

func TestSweep_FailureIsCountedNotReturned(t *testing.T) {
	exp := &fakeExpirer{fail: map[string]error{
		"b": &model.ProvisioningFailure{Step: "expire", Err: errors.New("authority timeout")},
	}}
	r := New(&fakeLister{due: grants("a", "b")}, exp, time.Minute, zerolog.Nop())

	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Failed: 1}, res)
}

func TestSweep_ListError(t *testing.T) {
	r := New(&fakeLister{err: errors.New("db down")}, &fakeExpirer{}, time.Minute, zerolog.Nop())
	_, err := r.Sweep(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestSweep_NothingDue(t *testing.T) {
	exp := &fakeExpirer{}
	r := New(&fakeLister{}, exp, time.Minute, zerolog.Nop())
	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Empty(t, exp.calls)
}

func TestRun_StopsOnCancel(t *testing.T) {
	exp := &fakeExpirer{}
	r := New(&fakeLister{due: grants("a")}, exp, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		exp.mu.Lock()
		defer exp.mu.Unlock()
		return exp.calls["a"] == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	r := New(&fakeLister{}, &fakeExpirer{}, 0, zerolog.Nop())
	assert.Equal(t, DefaultInterval, r.interval)
}
