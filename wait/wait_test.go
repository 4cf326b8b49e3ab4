package wait

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepeatUntil(t *testing.T) {
	clk := clock.NewMock()
	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- RepeatUntil(context.Background(), clk, time.Second, func(ctx context.Context) (bool, error) {
			return atomic.AddInt32(&calls, 1) == 3, nil
		})
	}()

	require.Eventually(t, func() bool {
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			clk.Add(time.Second)
			return false
		}
	}, 5*time.Second, time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestRepeatUntilStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	err := RepeatUntil(context.Background(), clock.NewMock(), time.Hour, func(ctx context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRepeatUntilStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RepeatUntil(ctx, clock.NewMock(), time.Hour, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Jitter(time.Second, 0.5)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}
