package broadcast

import (
	"context"
	"time"
)

// StepFunc runs one cycle of periodic work and receives the configured period.
type StepFunc func(step time.Duration)

// Loop drives a fixed-period callback, catching up missed cycles when the
// scheduler falls behind so the cadence stays stable under load.
type Loop struct {
	step     time.Duration
	stepFunc StepFunc
	ticker   *time.Ticker
	quit     chan struct{}
	done     chan struct{}
}

// NewLoop configures a loop firing the callback every interval.
func NewLoop(interval time.Duration, step StepFunc) *Loop {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	return &Loop{
		step:     interval,
		stepFunc: step,
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil {
		return
	}

	l.ticker = time.NewTicker(l.step)
	l.quit = make(chan struct{})
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		defer l.ticker.Stop()
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.quit:
				return
			case now := <-l.ticker.C:
				//1.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				for accumulator >= l.step {
					l.stepFunc(l.step)
					accumulator -= l.step
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the goroutine to exit. It works with or
// without the Start context having been cancelled first.
func (l *Loop) Stop() {
	if l == nil || l.done == nil {
		return
	}
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
	<-l.done
	l.done = nil
}

// StepDuration exposes the configured period for testing.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
