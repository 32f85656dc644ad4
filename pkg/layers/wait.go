package layers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	ErrDeviceWaitTimeout = errors.New("timed out waiting for device node to appear")
)

const (
	// DefaultWaitTimeout bounds every synchronous wait for a device node;
	// exceeding it is a fatal, reported error, never a silent continuation
	DefaultWaitTimeout = 30 * time.Second

	waitTick = 100 * time.Millisecond
)

// WaitForPath polls until the given path exists, the timeout elapses or the
// context is cancelled. Device nodes and sysfs entries appear asynchronously
// after the kernel accepts a create or assemble, so every builder waits on
// its output before declaring success.
func WaitForPath(ctx context.Context, path string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(waitTick)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-deadline.C:
			return errors.Join(ErrDeviceWaitTimeout, fmt.Errorf("%s did not appear within %v", path, timeout))

		case <-ticker.C:
		}
	}
}
