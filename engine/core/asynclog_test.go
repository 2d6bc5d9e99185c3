package core

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsyncLogKeepsNewestEntries(t *testing.T) {
	SetLogOutput(io.Discard)

	l := NewAsyncLog(3)
	for i := 0; i < 5; i++ {
		l.Errorf("test", "entry %d", i)
	}

	entries := l.Entries()
	assert.Len(t, entries, 3)
	assert.Equal(t, "entry 2", entries[0].Message)
	assert.Equal(t, "entry 4", entries[2].Message)
	assert.Equal(t, uint64(5), l.Total())

	l.Clear()
	assert.Empty(t, l.Entries())
}

func TestAsyncLogConcurrentWriters(t *testing.T) {
	SetLogOutput(io.Discard)

	l := NewAsyncLog(1024)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Errorf("worker", "failure %d", i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(400), l.Total())
	assert.Len(t, l.Entries(), 400)
}
