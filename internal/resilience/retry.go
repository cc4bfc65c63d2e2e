// Package resilience provides generic retry with backoff, an adaptive
// circuit breaker, and a token-bucket+sliding-window rate limiter. The
// Scheduler loop uses Retry around store calls classified as
// errkind.TransientStore, and the Pusher loop keeps a CircuitBreaker per
// push destination so a failing external PushWorker doesn't starve
// dispatch to healthy ones.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Retry executes fn with exponential backoff (base delay, doubling, capped
// at 60s) and full jitter between attempts. It returns fn's last error if
// every attempt fails, or ctx.Err() if the context is cancelled while
// waiting to retry. op labels the emitted metrics (e.g.
// "scheduler.advance_layer") so attempt/success/fail counts can be broken
// down by which store operation is retrying, not just a single global
// tally.
func Retry[T any](ctx context.Context, op string, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("taskflow")
	attemptCounter, _ := meter.Int64Counter("taskflow_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("taskflow_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("taskflow_resilience_retry_fail_total")
	opAttr := metric.WithAttributes(attribute.String("op", op))
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1, opAttr)
		if err == nil {
			successCounter.Add(ctx, 1, opAttr)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1, opAttr)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1, opAttr)
	return zero, lastErr
}
