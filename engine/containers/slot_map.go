package containers

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type LoadState uint32

const (
	// The slot holds an object whose data is not yet usable by the renderer.
	LoadStateUnloaded LoadState = iota
	// The object's GPU upload has completed.
	LoadStateLoaded
	// Loading failed; the object stays unusable until it is reloaded.
	LoadStateFailed
)

func (s LoadState) String() string {
	switch s {
	case LoadStateUnloaded:
		return "unloaded"
	case LoadStateLoaded:
		return "loaded"
	case LoadStateFailed:
		return "failed"
	}
	return fmt.Sprintf("LoadState(%d)", uint32(s))
}

/**
 * @brief Generation-checked reference into a SlotMap. The zero Handle is never valid.
 */
type Handle struct {
	Index      uint32
	Generation uint32
}

func (h Handle) IsValid() bool {
	return h.Generation != 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.Index, h.Generation)
}

type slot[T any] struct {
	value      *T
	generation uint32
	occupied   bool
	// load epoch in the high 32 bits, LoadState in the low 32
	word atomic.Uint64
}

func packState(epoch uint32, state LoadState) uint64 {
	return uint64(epoch)<<32 | uint64(state)
}

func unpackState(word uint64) (uint32, LoadState) {
	return uint32(word >> 32), LoadState(uint32(word))
}

// resetState starts a new occupant at epoch 0. Jobs for an earlier occupant
// carry its generation and no longer resolve.
func (s *slot[T]) resetState() {
	s.word.Store(packState(0, LoadStateUnloaded))
}

/**
 * @brief Arena of objects addressed by Handle. A removed slot bumps its generation so
 * stale handles held by other goroutines stop resolving. Each slot carries an atomic
 * load state that can be read and written without taking the map lock, tagged with
 * a load epoch. Reload bumps the epoch, and a completion reported with an older
 * epoch no longer changes the state.
 */
type SlotMap[T any] struct {
	mu    sync.RWMutex
	slots []*slot[T]
	free  []uint32
	count int
}

func NewSlotMap[T any]() *SlotMap[T] {
	return &SlotMap[T]{}
}

// Insert stores value in the unloaded state.
func (sm *SlotMap[T]) Insert(value *T) Handle {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var idx uint32
	if n := len(sm.free); n > 0 {
		idx = sm.free[n-1]
		sm.free = sm.free[:n-1]
	} else {
		idx = uint32(len(sm.slots))
		sm.slots = append(sm.slots, &slot[T]{})
	}

	s := sm.slots[idx]
	s.generation++
	if s.generation == 0 {
		// wrapped around, zero is reserved for invalid handles
		s.generation = 1
	}
	s.value = value
	s.occupied = true
	s.resetState()
	sm.count++

	return Handle{Index: idx, Generation: s.generation}
}

func (sm *SlotMap[T]) lookup(h Handle) *slot[T] {
	if !h.IsValid() || int(h.Index) >= len(sm.slots) {
		return nil
	}
	s := sm.slots[h.Index]
	if !s.occupied || s.generation != h.Generation {
		return nil
	}
	return s
}

func (sm *SlotMap[T]) Get(h Handle) (*T, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s := sm.lookup(h)
	if s == nil {
		return nil, false
	}
	return s.value, true
}

func (sm *SlotMap[T]) Contains(h Handle) bool {
	_, ok := sm.Get(h)
	return ok
}

// Remove frees the slot and returns what it held.
func (sm *SlotMap[T]) Remove(h Handle) (*T, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s := sm.lookup(h)
	if s == nil {
		return nil, false
	}
	value := s.value
	s.value = nil
	s.occupied = false
	s.resetState()
	sm.free = append(sm.free, h.Index)
	sm.count--
	return value, true
}

// State returns false for stale handles.
func (sm *SlotMap[T]) State(h Handle) (LoadState, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s := sm.lookup(h)
	if s == nil {
		return LoadStateUnloaded, false
	}
	_, state := unpackState(s.word.Load())
	return state, true
}

// Epoch returns the load epoch jobs for h must report their completion with.
func (sm *SlotMap[T]) Epoch(h Handle) (uint32, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s := sm.lookup(h)
	if s == nil {
		return 0, false
	}
	epoch, _ := unpackState(s.word.Load())
	return epoch, true
}

// IsCurrent reports whether epoch is still the slot's latest load.
func (sm *SlotMap[T]) IsCurrent(h Handle, epoch uint32) bool {
	current, ok := sm.Epoch(h)
	return ok && current == epoch
}

func (sm *SlotMap[T]) IsLoaded(h Handle) bool {
	state, ok := sm.State(h)
	return ok && state == LoadStateLoaded
}

// SetState returns false when the handle no longer refers to a live slot.
func (sm *SlotMap[T]) SetState(h Handle, state LoadState) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s := sm.lookup(h)
	if s == nil {
		return false
	}
	for {
		old := s.word.Load()
		epoch, _ := unpackState(old)
		if s.word.CompareAndSwap(old, packState(epoch, state)) {
			return true
		}
	}
}

// SetStateAt changes the state only while epoch is the slot's latest load.
func (sm *SlotMap[T]) SetStateAt(h Handle, epoch uint32, state LoadState) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s := sm.lookup(h)
	if s == nil {
		return false
	}
	for {
		old := s.word.Load()
		current, _ := unpackState(old)
		if current != epoch {
			return false
		}
		if s.word.CompareAndSwap(old, packState(epoch, state)) {
			return true
		}
	}
}

/**
 * @brief Starts a new load of a live slot: the state drops to unloaded and the
 * epoch moves on, so completions of earlier loads are ignored.
 * @return The epoch the new load must report with.
 */
func (sm *SlotMap[T]) Reload(h Handle) (uint32, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s := sm.lookup(h)
	if s == nil {
		return 0, false
	}
	for {
		old := s.word.Load()
		epoch, _ := unpackState(old)
		if s.word.CompareAndSwap(old, packState(epoch+1, LoadStateUnloaded)) {
			return epoch + 1, true
		}
	}
}

// Each visits live slots in index order. fn must not call back into the map's writers.
func (sm *SlotMap[T]) Each(fn func(h Handle, value *T)) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for i, s := range sm.slots {
		if s.occupied {
			fn(Handle{Index: uint32(i), Generation: s.generation}, s.value)
		}
	}
}

func (sm *SlotMap[T]) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.count
}

// Clear invalidates every outstanding handle.
func (sm *SlotMap[T]) Clear() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.free = sm.free[:0]
	for i, s := range sm.slots {
		if s.occupied {
			s.value = nil
			s.occupied = false
			s.resetState()
		}
		sm.free = append(sm.free, uint32(i))
	}
	sm.count = 0
}
