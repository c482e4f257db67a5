package orchestrator

import (
	"context"
	"fmt"
)

// RunUntilShutdown races run against ctx's cancellation. If run returns
// before the shutdown signal arrives, that is always an error — even a
// nil error means a core task silently stopped doing its job, which this
// daemon treats as a failure rather than a clean no-op. Only a shutdown
// signal winning the race is a clean exit.
//
// A well-behaved run observes ctx and returns (often with a nil error)
// only after ctx.Done() has already fired, so by the time its result
// reaches runDone, ctx.Err() is guaranteed non-nil. Checking ctx.Err()
// rather than racing a second select on ctx.Done() makes the two cases
// below agree deterministically instead of depending on which of two
// simultaneously-ready channels Go's select happens to pick.
func RunUntilShutdown(ctx context.Context, run func(context.Context) error) error {
	runDone := make(chan error, 1)
	go func() { runDone <- run(ctx) }()

	select {
	case err := <-runDone:
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return fmt.Errorf("core task exited unexpectedly")
		}
		return err
	case <-ctx.Done():
		return nil
	}
}
