package core

import "time"

/**
 * @brief Frame clock of the main loop. Tick marks the start of a frame, Since
 * measures the work done after that mark.
 */
type Clock struct {
	startTime time.Time
	lastTick  time.Duration
	elapsed   time.Duration
	running   bool
	now       func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Starts the clock. Resets elapsed time and the previous tick.
func (c *Clock) Start() {
	c.startTime = c.now()
	c.elapsed = 0
	c.lastTick = 0
	c.running = true
}

// Stops the clock. Does not reset elapsed time.
func (c *Clock) Stop() {
	c.running = false
}

// Tick returns the seconds since the previous tick, or since Start for the first one.
// A stopped clock reports zero.
func (c *Clock) Tick() float64 {
	if !c.running {
		return 0
	}
	c.elapsed = c.now().Sub(c.startTime)
	delta := c.elapsed - c.lastTick
	c.lastTick = c.elapsed
	return delta.Seconds()
}

// Since returns the seconds passed since the last tick without moving it.
func (c *Clock) Since() float64 {
	if !c.running {
		return 0
	}
	return (c.now().Sub(c.startTime) - c.lastTick).Seconds()
}

// Elapsed returns seconds since Start as of the last Tick.
func (c *Clock) Elapsed() float64 {
	return c.elapsed.Seconds()
}
