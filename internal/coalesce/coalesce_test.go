package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroup_SharesOneCall(t *testing.T) {
	var g Group
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "result", nil
	}

	const n = 5
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i], _ = g.Do(context.Background(), "k", fn)
		}(i)
	}

	require.Eventually(t, func() bool {
		return calls.Load() == 1 && g.Waiters("k") == n
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "result", results[i])
	}
	require.Equal(t, 0, g.InFlight())
	require.Equal(t, 0, g.Waiters("k"))
}

func TestGroup_DifferentKeysRunSeparately(t *testing.T) {
	var g Group
	var calls atomic.Int32
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	}

	_, _, _ = g.Do(context.Background(), "a", fn)
	_, _, _ = g.Do(context.Background(), "b", fn)
	require.Equal(t, int32(2), calls.Load())
}

func TestGroup_CancelOneWaiterKeepsCall(t *testing.T) {
	var g Group
	started := make(chan struct{})
	release := make(chan struct{})
	var callCanceled atomic.Bool

	fn := func(ctx context.Context) (any, error) {
		close(started)
		select {
		case <-release:
			return 42, nil
		case <-ctx.Done():
			callCanceled.Store(true)
			return nil, ctx.Err()
		}
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err, _ := g.Do(ctx1, "k", fn)
		errCh <- err
	}()
	<-started

	type result struct {
		v      any
		err    error
		shared bool
	}
	resultCh := make(chan result, 1)
	go func() {
		v, err, shared := g.Do(context.Background(), "k", fn)
		resultCh <- result{v, err, shared}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel1()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	res := <-resultCh
	require.NoError(t, res.err)
	require.True(t, res.shared)
	require.Equal(t, 42, res.v)
	require.False(t, callCanceled.Load(), "shared call must survive while a waiter remains")
}

func TestGroup_LastWaiterCancelTearsDown(t *testing.T) {
	var g Group
	started := make(chan struct{})
	torn := make(chan struct{})

	fn := func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		close(torn)
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err, _ := g.Do(ctx, "k", fn)
	require.True(t, errors.Is(err, context.Canceled))

	select {
	case <-torn:
	case <-time.After(time.Second):
		t.Fatal("underlying call was not canceled after last waiter left")
	}
}
