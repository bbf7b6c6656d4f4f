package health

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are running.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// GCMaxPauseCheck fails when the most recent stop-the-world pause exceeded
// threshold.
func GCMaxPauseCheck(threshold time.Duration) CheckFunc {
	return func(_ context.Context) error {
		var stats debug.GCStats
		debug.ReadGCStats(&stats)
		if len(stats.Pause) > 0 && stats.Pause[0] > threshold {
			return errors.Errorf("GC pause %s exceeds threshold %s", stats.Pause[0], threshold)
		}
		return nil
	}
}

// ConditionCheck fails with msg while ok returns false.
func ConditionCheck(msg string, ok func() bool) CheckFunc {
	return func(_ context.Context) error {
		if !ok() {
			return errors.New(msg)
		}
		return nil
	}
}
