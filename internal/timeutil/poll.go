package timeutil

import (
	"context"
	"time"
)

// PollUntil calls cond every interval (on clock) until it returns true or
// ctx is done. cond is evaluated once before the first sleep, so an already
// satisfied condition returns without sleeping.
func PollUntil(ctx context.Context, clock Clock, interval time.Duration, cond func() bool) error {
	if clock == nil {
		clock = RealClock{}
	}
	for {
		if cond() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		clock.Sleep(interval)
	}
}
