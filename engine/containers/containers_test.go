package containers

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingQueueBounded(t *testing.T) {
	q := NewRingQueue[int](2)
	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	assert.ErrorIs(t, q.Enqueue(3), ErrQueueFull)

	v, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, q.Enqueue(3))
	v, _ = q.Dequeue()
	assert.Equal(t, 2, v)
	v, _ = q.Peek()
	assert.Equal(t, 3, v)
}

func TestQueueGrowsAndKeepsOrder(t *testing.T) {
	q := NewQueue[int](2)
	// move the read cursor so growth has to unwrap
	require.NoError(t, q.Enqueue(-1))
	_, _ = q.Dequeue()

	for i := 0; i < 100; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	assert.Equal(t, 100, q.Len())
	for i := 0; i < 100; i++ {
		v, err := q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err := q.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestSlotMapGenerations(t *testing.T) {
	sm := NewSlotMap[string]()
	a := "a"
	h := sm.Insert(&a)
	assert.True(t, h.IsValid())
	assert.False(t, Handle{}.IsValid())

	v, ok := sm.Get(h)
	require.True(t, ok)
	assert.Equal(t, "a", *v)

	_, ok = sm.Remove(h)
	require.True(t, ok)
	_, ok = sm.Get(h)
	assert.False(t, ok, "stale handle must not resolve")

	b := "b"
	h2 := sm.Insert(&b)
	assert.Equal(t, h.Index, h2.Index, "slot is reused")
	assert.NotEqual(t, h.Generation, h2.Generation)
	assert.False(t, sm.SetState(h, LoadStateLoaded))
	assert.Equal(t, 1, sm.Len())
}

func TestSlotMapLoadState(t *testing.T) {
	sm := NewSlotMap[int]()
	v := 7
	h := sm.Insert(&v)

	state, ok := sm.State(h)
	require.True(t, ok)
	assert.Equal(t, LoadStateUnloaded, state)
	assert.False(t, sm.IsLoaded(h))

	assert.True(t, sm.SetState(h, LoadStateLoaded))
	assert.True(t, sm.IsLoaded(h))

	sm.Clear()
	assert.False(t, sm.IsLoaded(h))
	assert.Equal(t, 0, sm.Len())
}

func TestSlotMapReloadIgnoresEarlierEpoch(t *testing.T) {
	sm := NewSlotMap[int]()
	v := 3
	h := sm.Insert(&v)

	first, ok := sm.Epoch(h)
	require.True(t, ok)

	second, ok := sm.Reload(h)
	require.True(t, ok)
	assert.NotEqual(t, first, second)
	assert.False(t, sm.IsCurrent(h, first))
	assert.True(t, sm.IsCurrent(h, second))

	assert.False(t, sm.SetStateAt(h, first, LoadStateLoaded), "completion of the replaced load")
	assert.False(t, sm.IsLoaded(h))

	assert.True(t, sm.SetStateAt(h, second, LoadStateLoaded))
	assert.True(t, sm.IsLoaded(h))

	// SetState leaves the epoch alone
	assert.True(t, sm.SetState(h, LoadStateFailed))
	assert.True(t, sm.IsCurrent(h, second))

	sm.Remove(h)
	assert.False(t, sm.SetStateAt(h, second, LoadStateLoaded))
	h2 := sm.Insert(&v)
	epoch, ok := sm.Epoch(h2)
	require.True(t, ok)
	assert.Zero(t, epoch)
	assert.False(t, sm.IsLoaded(h2))
}

func TestSlotMapConcurrentReaders(t *testing.T) {
	sm := NewSlotMap[int]()
	handles := make([]Handle, 64)
	for i := range handles {
		v := i
		handles[i] = sm.Insert(&v)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, h := range handles {
				sm.SetState(h, LoadStateLoaded)
				_, _ = sm.Get(h)
			}
		}()
	}
	for _, h := range handles[:32] {
		sm.Remove(h)
	}
	wg.Wait()

	loaded := 0
	sm.Each(func(h Handle, v *int) {
		if sm.IsLoaded(h) {
			loaded++
		}
	})
	assert.Equal(t, 32, sm.Len())
	assert.LessOrEqual(t, loaded, 32)
}
