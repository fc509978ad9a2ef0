package agent

import (
	"strings"
	"sync"

	"github.com/thobiasn/beacon/internal/board"
)

// Logbook keeps a short backlog of recent log lines per entity and fans new
// lines out through the hub. Docker tailers and reported workers both write
// here; the HTTP log server reads from it.
type Logbook struct {
	hub  *Hub
	size int

	mu    sync.Mutex
	rings map[string]*board.RingBuffer[string]
}

// NewLogbook creates a logbook that keeps size lines per entity. A size of
// zero keeps no backlog; lines are still published live.
func NewLogbook(hub *Hub, size int) *Logbook {
	return &Logbook{
		hub:   hub,
		size:  size,
		rings: make(map[string]*board.RingBuffer[string]),
	}
}

// Append records lines for name and publishes each one on LogTopic(name).
// Embedded newlines split a line in two; an SSE data field cannot hold them.
func (l *Logbook) Append(name string, lines ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	topic := LogTopic(name)
	for _, line := range lines {
		for _, part := range strings.Split(strings.TrimRight(line, "\r\n"), "\n") {
			part = strings.TrimSuffix(part, "\r")
			if l.size > 0 {
				r := l.rings[name]
				if r == nil {
					r = board.NewRingBuffer[string](l.size)
					l.rings[name] = r
				}
				r.Push(part)
			}
			l.hub.Publish(topic, part)
		}
	}
}

// Backlog returns the buffered lines for name, oldest first.
func (l *Logbook) Backlog(name string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.rings[name]; r != nil {
		return r.Data()
	}
	return nil
}

// Follow returns the current backlog and a live subscription, taken
// atomically so no line is both replayed and delivered, and none is lost
// in between. The caller must Unfollow.
func (l *Logbook) Follow(name string) ([]string, *subscriber, <-chan any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var backlog []string
	if r := l.rings[name]; r != nil {
		backlog = r.Data()
	}
	sub, ch := l.hub.Subscribe(LogTopic(name))
	return backlog, sub, ch
}

// Unfollow ends a subscription started by Follow.
func (l *Logbook) Unfollow(name string, sub *subscriber) {
	l.hub.Unsubscribe(LogTopic(name), sub)
}

// Forget drops the backlog of every entity not in keep.
func (l *Logbook) Forget(keep map[string]bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name := range l.rings {
		if !keep[name] {
			delete(l.rings, name)
		}
	}
}
