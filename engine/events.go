package engine

import (
	"fmt"
	"sync"
	"time"
)

const DefaultEventLogSize = 400

type Event struct {
	Time    time.Time
	Message string
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format(time.TimeOnly), e.Message)
}

// EventLog keeps the most recent events, newest first. This is what `show logs` prints.
type EventLog struct {
	lock   sync.Mutex
	events []Event
	size   int
	now    func() time.Time
}

func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{size: size, now: time.Now}
}

func (l *EventLog) Add(format string, args ...interface{}) {
	ev := Event{Time: l.now(), Message: fmt.Sprintf(format, args...)}
	l.lock.Lock()
	defer l.lock.Unlock()
	l.events = append([]Event{ev}, l.events...)
	if len(l.events) > l.size {
		l.events = l.events[:l.size]
	}
}

// Recent returns up to n events, newest first. n <= 0 returns everything.
func (l *EventLog) Recent(n int) []Event {
	l.lock.Lock()
	defer l.lock.Unlock()
	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]Event, n)
	copy(out, l.events[:n])
	return out
}

func (l *EventLog) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.events)
}

func (l *EventLog) Clear() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.events = nil
}
