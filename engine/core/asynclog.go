package core

import (
	"fmt"
	"sync"
	"time"
)

const DefaultAsyncLogCapacity = 256

type AsyncLogEntry struct {
	Time    time.Time
	Source  string
	Message string
}

func (e AsyncLogEntry) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Time.Format(time.RFC3339), e.Source, e.Message)
}

/**
 * @brief Thread-safe bounded log for errors raised off the render thread.
 * Once full, the oldest entry is overwritten.
 */
type AsyncLog struct {
	mu      sync.Mutex
	entries []AsyncLogEntry
	head    int
	count   int
	total   uint64
}

func NewAsyncLog(capacity int) *AsyncLog {
	if capacity <= 0 {
		capacity = DefaultAsyncLogCapacity
	}
	return &AsyncLog{
		entries: make([]AsyncLogEntry, capacity),
	}
}

// Errorf records the message and forwards it to the structured logger.
func (l *AsyncLog) Errorf(source, msg string, args ...interface{}) {
	text := fmt.Sprintf(msg, args...)
	LogError("%s: %s", source, text)

	l.mu.Lock()
	defer l.mu.Unlock()

	idx := (l.head + l.count) % len(l.entries)
	l.entries[idx] = AsyncLogEntry{Time: time.Now(), Source: source, Message: text}
	if l.count < len(l.entries) {
		l.count++
	} else {
		l.head = (l.head + 1) % len(l.entries)
	}
	l.total++
}

// Entries returns the retained entries, oldest first.
func (l *AsyncLog) Entries() []AsyncLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]AsyncLogEntry, 0, l.count)
	for i := 0; i < l.count; i++ {
		out = append(out, l.entries[(l.head+i)%len(l.entries)])
	}
	return out
}

// Total counts every entry ever recorded, including overwritten ones.
func (l *AsyncLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *AsyncLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = 0
	l.count = 0
}
