package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventSystemPostIsDeliveredOnDispatch(t *testing.T) {
	es := NewEventSystem()

	var got []string
	listener := &struct{}{}
	assert.True(t, es.Register(EVENT_CODE_ASSET_CHANGED, listener, func(code SystemEventCode, sender, l interface{}, data EventContext) bool {
		got = append(got, data.Path)
		return true
	}))
	assert.False(t, es.Register(EVENT_CODE_ASSET_CHANGED, listener, nil))

	es.Post(EVENT_CODE_ASSET_CHANGED, nil, EventContext{Path: "a.spv"})
	es.Post(EVENT_CODE_ASSET_CHANGED, nil, EventContext{Path: "b.spv"})
	assert.Empty(t, got)

	assert.Equal(t, 2, es.Dispatch())
	assert.Equal(t, []string{"a.spv", "b.spv"}, got)

	assert.True(t, es.Unregister(EVENT_CODE_ASSET_CHANGED, listener))
	assert.False(t, es.Fire(EVENT_CODE_ASSET_CHANGED, nil, EventContext{}))
}

func TestMetricsReportsOncePerSecond(t *testing.T) {
	m := NewMetrics()
	refreshed := 0
	for i := 0; i < 100; i++ {
		if m.Update(1.0 / 60.0) {
			refreshed++
		}
	}
	assert.Equal(t, 1, refreshed)
	assert.InDelta(t, 61, m.FPS(), 1)
	assert.InDelta(t, 1000.0/60.0, m.FrameTime(), 0.01)
	assert.Equal(t, uint64(100), m.TotalFrames())
}
