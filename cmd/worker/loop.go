package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/dispatch-engine/internal/lock"
	"github.com/unclebandit/dispatch-engine/internal/metrics"
	"github.com/unclebandit/dispatch-engine/internal/telemetry"
)

// passFunc runs one pass of a worker.
type passFunc func(ctx context.Context) error

// runWorker takes the worker's lock and runs one pass, or with loop set
// keeps running passes every interval until ctx is cancelled or the lock
// is lost. Contention is not an error. In loop mode a failed pass is
// logged and the loop goes on.
func runWorker(ctx context.Context, l lock.Locker, name string, pass passFunc, loop bool, interval time.Duration) error {
	return lock.Run(ctx, l, name, func(ctx context.Context) error {
		if !loop {
			return instrumented(ctx, name, pass)
		}
		if interval <= 0 {
			interval = 30 * time.Second
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for ctx.Err() == nil {
			if err := instrumented(ctx, name, pass); err != nil && ctx.Err() == nil {
				logrus.WithField("worker", name).WithError(err).Error("[WORKER] pass failed")
			}
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
		logrus.WithField("worker", name).Info("[WORKER] stopping")
		return nil
	})
}

func instrumented(ctx context.Context, name string, pass passFunc) error {
	ctx, span := telemetry.StartPass(ctx, name)
	start := time.Now()
	err := pass(ctx)
	metrics.WorkerPassDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	telemetry.EndPass(span, err)
	return err
}
