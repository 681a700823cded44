package units

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

// CallHook runs a unit hook bounded by timeout (0 disables the bound). The hook
// receives the derived context; a hook that ignores cancellation is abandoned when
// the deadline passes. A panicking hook is reported as a unit error.
func CallHook[T any](ctx context.Context, timeout time.Duration, unitID string, hook string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, errors.NewCancelledError(hook+" hook not called", err).WithContext("unit_id", unitID)
	}

	hookCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		hookCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.NewUnitError(fmt.Sprintf("%s hook panicked: %v", hook, r), nil).WithContext("unit_id", unitID)}
			}
		}()
		value, err := fn(hookCtx)
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		// a hook that gave up because of the deadline still counts as timed out
		if r.err != nil && hookCtx.Err() != nil {
			return zero, interrupted(ctx, hookCtx, timeout, unitID, hook)
		}
		return r.value, r.err
	case <-hookCtx.Done():
		return zero, interrupted(ctx, hookCtx, timeout, unitID, hook)
	}
}

func interrupted(ctx, hookCtx context.Context, timeout time.Duration, unitID string, hook string) error {
	if ctx.Err() != nil {
		return errors.NewCancelledError(hook+" hook cancelled", ctx.Err()).WithContext("unit_id", unitID)
	}
	return errors.NewHookTimeoutError(fmt.Sprintf("%s hook timed out after %v", hook, timeout), hookCtx.Err()).
		WithContext("unit_id", unitID).WithContext("hook", hook)
}

// CallHookErr is CallHook for hooks that return only an error
func CallHookErr(ctx context.Context, timeout time.Duration, unitID string, hook string, fn func(ctx context.Context) error) error {
	_, err := CallHook(ctx, timeout, unitID, hook, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
