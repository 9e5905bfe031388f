package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type conn struct {
	id     string
	closed atomic.Bool
	fail   bool
}

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}

func newConnPool(t *testing.T, size int) (*Pool[*conn], *atomic.Int32) {
	t.Helper()
	var built atomic.Int32
	factory := func(_ context.Context, i int) (*conn, error) {
		n := built.Add(1)
		return &conn{id: fmt.Sprintf("slot%d-gen%d", i, n)}, nil
	}
	probe := func(_ context.Context, c *conn) error {
		if c.fail {
			return errors.New("unreachable")
		}
		return nil
	}
	p, err := New(context.Background(), "test", size, factory, probe, slog.Default())
	require.NoError(t, err)
	return p, &built
}

func TestAcquire_RoundRobinUnderSequentialUse(t *testing.T) {
	p, _ := newConnPool(t, 2)

	var got []int
	for i := 0; i < 3; i++ {
		l := p.Acquire()
		require.True(t, l.Exclusive)
		got = append(got, l.Index)
		l.Release()
	}
	require.Equal(t, []int{0, 1, 0}, got)
}

func TestAcquire_SkipsBusySlots(t *testing.T) {
	p, _ := newConnPool(t, 3)

	a := p.Acquire()
	b := p.Acquire()
	a.Release()
	c := p.Acquire()
	require.Equal(t, 2, c.Index)
	d := p.Acquire()
	require.Equal(t, 0, d.Index)
	require.True(t, d.Exclusive)
	b.Release()
	c.Release()
	d.Release()
}

func TestAcquire_SaturatedSharesWithoutBlocking(t *testing.T) {
	p, _ := newConnPool(t, 2)

	a := p.Acquire()
	b := p.Acquire()
	shared := p.Acquire()
	require.False(t, shared.Exclusive)
	require.Equal(t, 0, shared.Index)
	require.Same(t, a.Handle, shared.Handle)

	// Releasing the shared lease must not free the slot still held by a.
	shared.Release()
	st := p.Stats()
	require.True(t, st.Slots[0].InUse)
	require.Equal(t, uint64(1), st.Degraded)

	a.Release()
	b.Release()
	require.Equal(t, 0, p.Stats().InUse)
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	p, _ := newConnPool(t, 1)
	a := p.Acquire()
	b := p.Acquire()
	b.Release()
	b.Release()
	require.True(t, p.Stats().Slots[0].InUse, "double release must not drop a's hold")
	a.Release()
	require.False(t, p.Stats().Slots[0].InUse)
}

func TestExecute_ReleasesOnError(t *testing.T) {
	p, _ := newConnPool(t, 1)
	boom := errors.New("boom")

	_, err := Execute(context.Background(), p, func(_ context.Context, c *conn) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, p.Stats().InUse)

	v, err := Execute(context.Background(), p, func(_ context.Context, c *conn) (string, error) {
		return c.id, nil
	})
	require.NoError(t, err)
	require.Equal(t, "slot0-gen1", v)
}

func TestHealthCheck_ReportsPerSlot(t *testing.T) {
	p, _ := newConnPool(t, 3)
	p.slots[1].handle.fail = true

	res := p.HealthCheck(context.Background())
	require.Len(t, res, 3)
	require.True(t, res[0].Healthy)
	require.False(t, res[1].Healthy)
	require.Equal(t, "unreachable", res[1].Error)
	require.True(t, res[2].Healthy)
}

func TestRefresh_ReplacesAndClosesOldHandle(t *testing.T) {
	p, built := newConnPool(t, 2)
	old := p.slots[1].handle

	require.NoError(t, p.Refresh(context.Background(), 1))
	require.True(t, old.closed.Load())
	require.Equal(t, int32(3), built.Load())
	require.NotSame(t, old, p.slots[1].handle)

	require.Error(t, p.Refresh(context.Background(), 5))
}

func TestNew_FactoryFailureClosesBuiltSlots(t *testing.T) {
	var made []*conn
	factory := func(_ context.Context, i int) (*conn, error) {
		if i == 2 {
			return nil, errors.New("dial failed")
		}
		c := &conn{id: fmt.Sprint(i)}
		made = append(made, c)
		return c, nil
	}
	_, err := New(context.Background(), "broken", 3, factory, nil, slog.Default())
	require.Error(t, err)
	for _, c := range made {
		require.True(t, c.closed.Load())
	}

	_, err = New(context.Background(), "empty", 0, factory, nil, slog.Default())
	require.Error(t, err)
}
