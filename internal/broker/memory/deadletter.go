package memory

import (
	"sync"
	"time"

	"evalbus/internal/broker"
)

// DeadLetter is a message that exhausted its deliveries.
type DeadLetter struct {
	Subscription string
	Message      *broker.Message
	Err          string
	At           time.Time
}

// deadLetterBuffer is a bounded, thread-safe ring of dead letters. When full,
// the oldest entries are dropped.
type deadLetterBuffer struct {
	mu       sync.Mutex
	entries  []DeadLetter
	head     int // next write position
	count    int
	capacity int
	dropped  int64
}

func newDeadLetterBuffer(capacity int) *deadLetterBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &deadLetterBuffer{
		entries:  make([]DeadLetter, capacity),
		capacity: capacity,
	}
}

func (b *deadLetterBuffer) enqueue(dl DeadLetter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.capacity {
		b.count--
		b.dropped++
	}
	b.entries[b.head] = dl
	b.head = (b.head + 1) % b.capacity
	b.count++
}

// snapshot returns the buffered entries, oldest first.
func (b *deadLetterBuffer) snapshot() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]DeadLetter, 0, b.count)
	tail := (b.head - b.count + b.capacity) % b.capacity
	for i := 0; i < b.count; i++ {
		out = append(out, b.entries[(tail+i)%b.capacity])
	}
	return out
}

func (b *deadLetterBuffer) droppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
