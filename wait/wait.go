package wait

import (
	"context"
	"math/rand"
	"time"

	"github.com/raulk/clock"
)

// A CheckFunc returns true when the check has been passed and false if it has not.
type CheckFunc func(context.Context) (bool, error)

// RepeatUntil runs c every period, as measured by clk, until the context is done, c returns an error or c returns
// true to indicate completion.
func RepeatUntil(ctx context.Context, clk clock.Clock, period time.Duration, c CheckFunc) error {
	if clk == nil {
		clk = clock.New()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		done, err := c(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if period == 0 {
			continue
		}

		timer := clk.Timer(period)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Jitter returns a random duration ranging from base to base+base*factor
func Jitter(base time.Duration, factor float64) time.Duration {
	//nolint:gosec
	return base + time.Duration(float64(base)*factor*rand.Float64())
}
