package core

import "sync"

type EventContext struct {
	Path   string
	Width  uint32
	Height uint32
	Data   interface{}
}

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// Resized/resolution changed from the OS.
	/* Context usage:
	 * width = data.Width
	 * height = data.Height
	 */
	EVENT_CODE_RESIZED SystemEventCode = 0x02

	// A watched asset changed on disk.
	/* Context usage:
	 * path = data.Path
	 */
	EVENT_CODE_ASSET_CHANGED SystemEventCode = 0x03

	// Switch to another scene descriptor at the end of the frame.
	/* Context usage:
	 * path = data.Path
	 */
	EVENT_CODE_SCENE_SWITCH SystemEventCode = 0x04

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

// Should return true if handled.
type FnOnEvent func(code SystemEventCode, sender interface{}, listener interface{}, data EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

type postedEvent struct {
	code    SystemEventCode
	sender  interface{}
	context EventContext
}

/**
 * @brief Event dispatcher. Registration and Fire belong to the render thread;
 * Post may be called from any goroutine and is delivered on the next Dispatch.
 */
type EventSystem struct {
	registered map[SystemEventCode][]*registeredEvent

	mu     sync.Mutex
	posted []postedEvent
}

func NewEventSystem() *EventSystem {
	return &EventSystem{
		registered: make(map[SystemEventCode][]*registeredEvent),
	}
}

/**
 * Register to listen for when events are sent with the provided code. Events with duplicate
 * listener combos will not be registered again and will cause this to return false.
 * @param code The event code to listen for.
 * @param listener A listener instance. Can be nil.
 * @param onEvent The callback to be invoked when the event code is fired.
 * @returns true if the event is successfully registered; otherwise false.
 */
func (es *EventSystem) Register(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	for _, e := range es.registered[code] {
		if e.listener == listener {
			LogWarn("event code %d already has this listener registered", code)
			return false
		}
	}
	es.registered[code] = append(es.registered[code], &registeredEvent{
		listener: listener,
		callback: onEvent,
	})
	return true
}

// Unregister removes the listener for the code. Returns false if it was not registered.
func (es *EventSystem) Unregister(code SystemEventCode, listener interface{}) bool {
	events := es.registered[code]
	for i, e := range events {
		if e.listener == listener {
			es.registered[code] = append(events[:i], events[i+1:]...)
			return true
		}
	}
	return false
}

/**
 * Fires an event to listeners of the given code. If an event handler returns
 * true, the event is considered handled and is not passed on to any more listeners.
 * @returns true if handled, otherwise false.
 */
func (es *EventSystem) Fire(code SystemEventCode, sender interface{}, context EventContext) bool {
	for _, e := range es.registered[code] {
		if e.callback(code, sender, e.listener, context) {
			// Message has been handled, do not send to other listeners.
			return true
		}
	}
	return false
}

// Post queues an event from any goroutine.
func (es *EventSystem) Post(code SystemEventCode, sender interface{}, context EventContext) {
	es.mu.Lock()
	es.posted = append(es.posted, postedEvent{code: code, sender: sender, context: context})
	es.mu.Unlock()
}

// Dispatch fires every posted event in arrival order and returns how many were delivered.
func (es *EventSystem) Dispatch() int {
	es.mu.Lock()
	pending := es.posted
	es.posted = nil
	es.mu.Unlock()

	for _, p := range pending {
		es.Fire(p.code, p.sender, p.context)
	}
	return len(pending)
}

func (es *EventSystem) Shutdown() error {
	es.registered = make(map[SystemEventCode][]*registeredEvent)
	es.mu.Lock()
	es.posted = nil
	es.mu.Unlock()
	return nil
}
