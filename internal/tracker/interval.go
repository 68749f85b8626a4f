package tracker

import (
	"sync"
	"time"
)

// interval runs one periodic task at a time. start while running and halt
// while stopped are no-ops.
type interval struct {
	period time.Duration

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func newInterval(period time.Duration) *interval {
	return &interval{period: period}
}

// start launches fn every period. fn returns false to end the run on its own.
func (i *interval) start(fn func() bool) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stop != nil {
		return false
	}
	stop := make(chan struct{})
	i.stop = stop
	i.wg.Add(1)
	go i.run(stop, fn)
	return true
}

func (i *interval) run(stop chan struct{}, fn func() bool) {
	defer i.wg.Done()
	ticker := time.NewTicker(i.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			if !fn() {
				i.mu.Lock()
				if i.stop == stop {
					i.stop = nil
				}
				i.mu.Unlock()
				return
			}
		}
	}
}

// halt ends the current run. The task will not fire again, though a tick
// already executing may finish.
func (i *interval) halt() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stop == nil {
		return false
	}
	close(i.stop)
	i.stop = nil
	return true
}

func (i *interval) running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stop != nil
}

// wait blocks until every run has returned.
func (i *interval) wait() {
	i.wg.Wait()
}
