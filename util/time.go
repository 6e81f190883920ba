package util

import (
	"context"
	"time"

	"github.com/dreammarket/go-dreammarket/service/logger"
)

// Track logs the time it takes to execute a function
func Track(ctx context.Context, s string, startTime time.Time) {
	logger.For(ctx).Debugf("%s took %v", s, time.Since(startTime))
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
