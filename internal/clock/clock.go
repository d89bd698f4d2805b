package clock

import "time"

// Clock abstracts time for schedulers so sweep timing is deterministic in
// tests. Production code injects System; tests inject a Fake.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks on C.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the real clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// NewTicker wraps time.NewTicker.
func (System) NewTicker(d time.Duration) Ticker {
	return systemTicker{ticker: time.NewTicker(d)}
}

type systemTicker struct {
	ticker *time.Ticker
}

func (t systemTicker) C() <-chan time.Time { return t.ticker.C }
func (t systemTicker) Stop()               { t.ticker.Stop() }
