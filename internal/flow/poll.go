package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stagehand/internal/core"
)

var errNotYet = errors.New("condition not met")

// Poll repeats a probe at a fixed interval up to MaxAttempts times.
type Poll struct {
	Interval    time.Duration
	MaxAttempts int
}

// Until calls probe until it reports done. Exhausting the attempts returns
// *core.TimeoutError naming condition. Errors that cannot improve by
// retrying (unexpected responses, configuration errors) end polling at once;
// other probe errors are retried.
func (p Poll) Until(ctx context.Context, condition string, probe func(ctx context.Context) (bool, error)) error {
	start := time.Now()
	attempts := 0
	var lastErr error

	op := func() error {
		attempts++
		done, err := probe(ctx)
		switch {
		case err != nil && permanent(err):
			return backoff.Permanent(err)
		case err != nil:
			lastErr = err
			return err
		case !done:
			return errNotYet
		}
		return nil
	}

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(retries)), ctx)

	err := backoff.Retry(op, b)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, errNotYet) || (lastErr != nil && errors.Is(err, lastErr)):
		cond := condition
		if lastErr != nil {
			cond = fmt.Sprintf("%s (last error: %v)", condition, lastErr)
		}
		return &core.TimeoutError{Condition: cond, Waited: time.Since(start), Attempts: attempts}
	default:
		return err
	}
}

func permanent(err error) bool {
	var (
		unexpected *core.UnexpectedResponseError
		cfg        *core.ConfigurationError
		nf         *core.NotFoundError
	)
	return errors.As(err, &unexpected) || errors.As(err, &cfg) || errors.As(err, &nf) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
