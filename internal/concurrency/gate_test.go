package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/cirun/internal/errs"
)

func TestGroupKey(t *testing.T) {
	assert.Equal(t, "test-refs/heads/main", GroupKey("test", "refs/heads/main", 4))
	assert.Equal(t, "test-4", GroupKey("test", "", 4))
	assert.NotEqual(t, GroupKey("test", "", 4), GroupKey("test", "", 5))
}

func TestAdmitFreeGroup(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adm, err := g.Admit(ctx, "k", 1, cancel, true)
	require.NoError(t, err)
	assert.Empty(t, adm.Superseded)

	id, ok := g.Active("k")
	assert.True(t, ok)
	assert.EqualValues(t, 1, id)

	g.Release("k", 1)
	_, ok = g.Active("k")
	assert.False(t, ok)
}

func TestAdmitSupersedesAndWaitsForRelease(t *testing.T) {
	g := NewGate()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	_, err := g.Admit(ctx1, "k", 1, cancel1, true)
	require.NoError(t, err)

	// run 1 notices its cancellation, records it, then releases
	var order []string
	released := make(chan struct{})
	go func() {
		<-ctx1.Done()
		time.Sleep(50 * time.Millisecond)
		order = append(order, "run 1 canceled")
		g.Release("k", 1)
		close(released)
	}()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	adm, err := g.Admit(ctx2, "k", 2, cancel2, true)
	require.NoError(t, err)
	<-released
	order = append(order, "run 2 admitted")

	assert.Equal(t, []int64{1}, adm.Superseded)
	assert.Equal(t, []string{"run 1 canceled", "run 2 admitted"}, order)
	assert.ErrorIs(t, ctx1.Err(), context.Canceled)
	assert.NoError(t, ctx2.Err())

	id, _ := g.Active("k")
	assert.EqualValues(t, 2, id)
}

func TestAdmitOtherGroupsRunInParallel(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := g.Admit(ctx, "a", 1, cancel, true)
	require.NoError(t, err)

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	adm, err := g.Admit(ctxB, "b", 2, cancelB, true)
	require.NoError(t, err)
	assert.Empty(t, adm.Superseded)
	assert.NoError(t, ctx.Err())
}

func TestWaitingRunIsSupersededByNewerOne(t *testing.T) {
	g := NewGate()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	_, err := g.Admit(ctx1, "k", 1, cancel1, false)
	require.NoError(t, err)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	waiting := make(chan error, 1)
	go func() {
		_, err := g.Admit(ctx2, "k", 2, cancel2, false)
		waiting <- err
	}()

	// let run 2 start waiting
	time.Sleep(50 * time.Millisecond)

	ctx3, cancel3 := context.WithCancel(context.Background())
	defer cancel3()
	admitted := make(chan Admission, 1)
	go func() {
		adm, err := g.Admit(ctx3, "k", 3, cancel3, false)
		assert.NoError(t, err)
		admitted <- adm
	}()

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, errs.ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting run was not superseded")
	}

	// without cancel-in-progress the holder keeps running
	assert.NoError(t, ctx1.Err())
	g.Release("k", 1)

	select {
	case adm := <-admitted:
		assert.Equal(t, []int64{2}, adm.Superseded)
	case <-time.After(5 * time.Second):
		t.Fatal("run 3 was not admitted")
	}
}

func TestOlderRunAdmittedLateIsRejected(t *testing.T) {
	g := NewGate()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	_, err := g.Admit(ctx2, "k", 2, cancel2, true)
	require.NoError(t, err)

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	adm, err := g.Admit(ctx1, "k", 1, cancel1, true)
	assert.ErrorIs(t, err, errs.ErrCanceled)
	assert.Empty(t, adm.Superseded)

	assert.NoError(t, ctx2.Err(), "newer holder must keep running")
	id, ok := g.Active("k")
	assert.True(t, ok)
	assert.EqualValues(t, 2, id)
}

func TestOlderRunRejectedWhileNewerWaits(t *testing.T) {
	g := NewGate()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	_, err := g.Admit(ctx1, "k", 1, cancel1, false)
	require.NoError(t, err)

	ctx3, cancel3 := context.WithCancel(context.Background())
	defer cancel3()
	waiting := make(chan error, 1)
	go func() {
		_, err := g.Admit(ctx3, "k", 3, cancel3, false)
		waiting <- err
	}()
	time.Sleep(50 * time.Millisecond)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	_, err = g.Admit(ctx2, "k", 2, cancel2, false)
	assert.ErrorIs(t, err, errs.ErrCanceled)
	assert.NoError(t, ctx3.Err())

	g.Release("k", 1)
	select {
	case err := <-waiting:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run 3 was not admitted")
	}
}

func TestCancelByRunID(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := g.Admit(ctx, "k", 9, cancel, true)
	require.NoError(t, err)

	assert.True(t, g.Cancel(9))
	assert.Error(t, ctx.Err())
	assert.False(t, g.Cancel(10))
}

func TestReleaseByNonHolderIsIgnored(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := g.Admit(ctx, "k", 1, cancel, true)
	require.NoError(t, err)

	g.Release("k", 2)
	id, ok := g.Active("k")
	assert.True(t, ok)
	assert.EqualValues(t, 1, id)
}
