package logging

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Broadcaster fans captured log entries out to live subscribers, backing the
// websocket log tail. Slow subscribers drop entries rather than block logging.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan LogEntry
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan LogEntry)}
}

// Levels implements logrus.Hook.
func (b *Broadcaster) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements logrus.Hook.
func (b *Broadcaster) Fire(entry *log.Entry) error {
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	b.Publish(LogEntry{
		Timestamp: entry.Time,
		Level:     level,
		Message:   entry.Message,
		Fields:    fields,
	})
	return nil
}

// Publish delivers an entry to every subscriber that has buffer room.
func (b *Broadcaster) Publish(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function that must be called when the consumer goes away.
func (b *Broadcaster) Subscribe() (<-chan LogEntry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan LogEntry, 64)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// SubscriberCount reports the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// GlobalBroadcaster feeds the websocket log stream.
var GlobalBroadcaster = NewBroadcaster()
