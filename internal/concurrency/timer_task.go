package concurrency

import (
	"context"
	"time"
)

// TimerHandler is invoked once immediately on Start and then again on
// every tick of the configured interval, until the task is stopped.
type TimerHandler func(context.Context)

// TimerTask runs a TimerHandler on a recurring interval in its own
// goroutine. It drives the Worker's poll/claim/execute cycle (spec
// §4.5's "go to 1" loop): Start kicks the goroutine off, and Stop
// cancels it and waits for the in-flight handler call to return.
//
// Callers must not call Stop immediately after Start — that cancels
// the handler's context before it has had a chance to run past its
// first invocation. Stop is for shutdown, triggered by the caller's
// own context being done, not a second half of construction.
type TimerTask struct {
	cancel context.CancelFunc
	done   DoneChan
}

func (t *TimerTask) do(ctx context.Context, h TimerHandler, interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	h(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h(ctx)
		}
	}
}

// Start begins calling h once immediately and then on every interval,
// deriving a cancellable context from ctx. The goroutine exits once
// Stop is called or ctx is independently cancelled.
func (t *TimerTask) Start(ctx context.Context, h TimerHandler, interval time.Duration) {
	t.done = make(DoneChan)
	ctx, t.cancel = context.WithCancel(ctx)
	go t.do(ctx, h, interval)
}

// Stop cancels the running handler loop and returns a DoneChan that
// closes once the in-flight handler call (if any) has returned.
func (t *TimerTask) Stop() DoneChan {
	t.cancel()
	return t.done
}
