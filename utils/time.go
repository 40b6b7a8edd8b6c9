package utils

import "time"

// Timer triggers a callback per tick until stopped.
type Timer struct {
	done chan struct{}
}

// StartTimer create a timer trigger per millis, the returned
// Timer can stop the trigger and release it.
func StartTimer(millis int, f func(time.Time)) *Timer {
	timer := &Timer{done: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(time.Duration(millis) * time.Millisecond)
		for {
			select {
			case now := <-ticker.C:
				f(now)
			case <-timer.done:
				ticker.Stop()
				return
			}
		}
	}()
	return timer
}

// Stop release the timer. Stop twice panics.
func (timer *Timer) Stop() {
	close(timer.done)
}
