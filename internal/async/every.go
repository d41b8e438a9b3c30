// Package async contains scheduling and keyed-locking helpers for the
// background maintenance jobs.
package async

import (
	"context"
	"reflect"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "async")

// RunEvery runs the provided job periodically in a goroutine until the
// supplied context is cancelled.
func RunEvery(ctx context.Context, period time.Duration, job func()) {
	jobName := runtime.FuncForPC(reflect.ValueOf(job).Pointer()).Name()
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				job()
			case <-ctx.Done():
				log.WithField("job", jobName).Debug("Context closed, exiting job loop")
				return
			}
		}
	}()
}
