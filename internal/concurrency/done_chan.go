// Package concurrency holds the small shutdown-coordination primitives
// shared by the Worker's poll loop and the Supervisor's per-slot
// process-supervision loop: a closed-on-done channel, a cancellable
// recurring timer, and a panic-safe worker pool.
package concurrency

import "sync"

// DoneChan is closed exactly once, when whatever it represents has
// fully wound down. Callers block on it with a plain receive.
type DoneChan chan struct{}

func wrapWaitGroup(wg *sync.WaitGroup) DoneChan {
	ret := make(DoneChan)
	go func() {
		wg.Wait()
		close(ret)
	}()
	return ret
}
