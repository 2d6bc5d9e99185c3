package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTime struct {
	t time.Time
}

func (f *fakeTime) now() time.Time {
	return f.t
}

func (f *fakeTime) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func TestClockTicksFrameDeltas(t *testing.T) {
	ft := &fakeTime{t: time.Unix(100, 0)}
	c := &Clock{now: ft.now}
	assert.Zero(t, c.Tick())

	c.Start()
	ft.advance(16 * time.Millisecond)
	assert.InDelta(t, 0.016, c.Tick(), 1e-9)

	ft.advance(4 * time.Millisecond)
	assert.InDelta(t, 0.004, c.Since(), 1e-9)
	ft.advance(30 * time.Millisecond)
	assert.InDelta(t, 0.034, c.Tick(), 1e-9)
	assert.InDelta(t, 0.050, c.Elapsed(), 1e-9)

	c.Stop()
	ft.advance(time.Second)
	assert.Zero(t, c.Tick())
	assert.InDelta(t, 0.050, c.Elapsed(), 1e-9)
}
