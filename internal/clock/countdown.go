// Package clock provides the countdown that drives a session's time budget.
package clock

import (
	"sync"
	"time"
)

// Ticker is the subset of time.Ticker the countdown relies on.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.Ticker.C }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

// Option configures a Countdown.
type Option func(*Countdown)

// WithTicker replaces the ticker factory (tests drive ticks by hand).
func WithTicker(newTicker func(time.Duration) Ticker) Option {
	return func(c *Countdown) { c.newTicker = newTicker }
}

// Countdown ticks once per second from a budget down to zero. Expiry fires once
// and stops the countdown. Once Cancel returns no callback starts: Cancel waits
// for a callback already running, so it must not be called from OnTick (calling
// it from OnExpire is fine).
type Countdown struct {
	newTicker func(time.Duration) Ticker

	mu         sync.Mutex
	onTick     func(remaining int)
	onExpire   func()
	remaining  int
	running    bool
	cancelled  bool
	expired    bool
	stop       chan struct{}
	delivering chan struct{}
}

func NewCountdown(opts ...Option) *Countdown {
	c := &Countdown{newTicker: NewRealTicker}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnTick registers the per-second callback. Must be called before Start.
func (c *Countdown) OnTick(fn func(remaining int)) {
	c.mu.Lock()
	c.onTick = fn
	c.mu.Unlock()
}

// OnExpire registers the callback fired once when the budget reaches zero.
func (c *Countdown) OnExpire(fn func()) {
	c.mu.Lock()
	c.onExpire = fn
	c.mu.Unlock()
}

// Start begins counting down totalSeconds. A second Start is a no-op.
func (c *Countdown) Start(totalSeconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.cancelled {
		return
	}
	c.running = true
	c.remaining = totalSeconds
	c.stop = make(chan struct{})

	if totalSeconds <= 0 {
		c.running = false
		c.cancelled = true
		c.expired = true
		if fn := c.onExpire; fn != nil {
			go fn()
		}
		return
	}

	go c.run(c.newTicker(time.Second), c.stop)
}

// Remaining returns the seconds left in the budget.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Cancel stops the countdown and waits for a tick callback in flight. Idempotent.
func (c *Countdown) Cancel() {
	c.mu.Lock()
	if !c.cancelled {
		c.cancelled = true
		c.running = false
		if c.stop != nil {
			close(c.stop)
		}
	}
	var wait chan struct{}
	if !c.expired {
		wait = c.delivering
	}
	c.mu.Unlock()

	if wait != nil {
		<-wait
	}
}

func (c *Countdown) run(ticker Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
		}

		c.mu.Lock()
		if c.cancelled {
			c.mu.Unlock()
			return
		}
		c.remaining--
		remaining := c.remaining
		onTick, onExpire := c.onTick, c.onExpire
		expired := remaining <= 0
		if expired {
			c.cancelled = true
			c.running = false
			c.expired = true
		}
		done := make(chan struct{})
		c.delivering = done
		c.mu.Unlock()

		if onTick != nil {
			onTick(remaining)
		}
		if expired && onExpire != nil {
			onExpire()
		}

		c.mu.Lock()
		c.delivering = nil
		c.mu.Unlock()
		close(done)
		if expired {
			return
		}
	}
}
