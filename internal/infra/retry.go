package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryOperation executes an operation with retries until success or timeout
func RetryOperation(ctx context.Context, operation func(context.Context) error, timeout time.Duration, interval time.Duration, operationName string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error

	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("timeout waiting for %s: %w", operationName, lastErr)
			}
			return fmt.Errorf("timeout waiting for %s", operationName)
		case <-ticker.C:
			err := operation(ctx)
			if err == nil {
				slog.Debug("operation completed successfully", "operation", operationName)
				return nil
			}
			lastErr = err
			slog.Warn("retrying operation", "operation", operationName, "error", err)
		}
	}
}

// ErrConditionNotMet is returned by WaitForCondition when attempts run out
var ErrConditionNotMet = errors.New("condition not met")

// WaitForCondition polls check up to attempts times, sleeping interval
// between calls. check returns done=true to stop; an error aborts the wait.
func WaitForCondition(ctx context.Context, check func(context.Context) (bool, error), attempts int, interval time.Duration, conditionName string) error {
	for attempt := 1; attempt <= attempts; attempt++ {
		done, err := check(ctx)
		if err != nil {
			return fmt.Errorf("checking %s: %w", conditionName, err)
		}
		if done {
			slog.Debug("condition met", "condition", conditionName, "attempt", attempt)
			return nil
		}
		if attempt == attempts {
			break
		}
		slog.Info("waiting", "condition", conditionName, "attempt", attempt, "of", attempts)

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", conditionName, ctx.Err())
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", conditionName, attempts, ErrConditionNotMet)
}

// retryWhileInUse repeats op while it fails with an in-use or dependency
// error. Any other error ends the retries and is returned as is.
func retryWhileInUse(ctx context.Context, clients *AWSClients, operationName string, op func(context.Context) error) error {
	var permanent error
	err := RetryOperation(ctx, func(ctx context.Context) error {
		err := op(ctx)
		switch {
		case err == nil, IsNotFound(err):
			return nil
		case IsInUse(err):
			return err
		default:
			permanent = err
			return nil
		}
	}, clients.Timing.WaitTimeout, clients.Timing.PollInterval, operationName)
	if permanent != nil {
		return permanent
	}
	return err
}
