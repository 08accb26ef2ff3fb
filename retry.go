package metarelay

import (
	"context"
	"time"

	"github.com/ssgreg/repeat"
)

// retry runs op at most attempts times, sleeping a jittered backoff between
// failures. The error of the last attempt is returned; ctx cancels both the
// attempts and the sleep.
func retry(ctx context.Context, attempts int, backoff time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	delay := repeat.FixedBackoff(0).Set()
	if backoff > 0 {
		delay = repeat.FullJitterBackoff(backoff).Set()
	}

	var last error
	err := repeat.WithContext(ctx).Repeat(
		repeat.Fn(func() error {
			if err := op(); err != nil {
				last = err
				return repeat.HintTemporary(err)
			}
			last = nil
			return nil
		}),
		repeat.StopOnSuccess(),
		// the try counter starts at zero
		repeat.LimitMaxTries(attempts-1),
		repeat.WithDelay(delay, repeat.SetContext(ctx)),
	)
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return err
}
