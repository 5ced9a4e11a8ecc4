package lazy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCellConcurrentFirstCallersShareInit(t *testing.T) {
	var cell Cell[string]
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, 16)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cell.GetOrInit(context.Background(), func() (string, error) {
				calls.Add(1)
				<-release
				return "value", nil
			})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i, v := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "value", v)
	}
	v, ok := cell.Load()
	require.True(t, ok)
	require.Equal(t, "value", v)
}

func TestCellFailureIsNotCached(t *testing.T) {
	var cell Cell[int]
	boom := errors.New("boom")
	_, err := cell.GetOrInit(context.Background(), func() (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	_, ok := cell.Load()
	require.False(t, ok)

	v, err := cell.GetOrInit(context.Background(), func() (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestCellWaiterHonoursContext(t *testing.T) {
	var cell Cell[int]
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cell.GetOrInit(context.Background(), func() (int, error) {
			<-release
			return 1, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cell.GetOrInit(ctx, func() (int, error) { return 2, nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
	v, ok := cell.Load()
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestCellCompareAndClear(t *testing.T) {
	var cell Cell[string]
	_, err := cell.GetOrInit(context.Background(), func() (string, error) { return "a", nil })
	require.NoError(t, err)
	require.False(t, cell.CompareAndClear("b"))
	require.True(t, cell.CompareAndClear("a"))
	require.False(t, cell.CompareAndClear("a"))

	v, err := cell.GetOrInit(context.Background(), func() (string, error) { return "c", nil })
	require.NoError(t, err)
	require.Equal(t, "c", v)
}
