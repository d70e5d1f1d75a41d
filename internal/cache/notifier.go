package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

// Op names a key mutation.
type Op string

const (
	// OpSet is emitted after a key is written.
	OpSet Op = "set"
	// OpDelete is emitted after an existing key is removed.
	OpDelete Op = "del"
)

// Change describes a mutation of one key.
type Change struct {
	Key       string
	Op        Op
	Timestamp time.Time
}

// Notifier fans key changes out to pattern subscribers. Patterns use
// path.Match glob syntax, e.g. "project:diagram:*".
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	stream chan Change
}

// NewNotifier constructs an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]map[int64]*changeSubscriber),
		bufferSize:  64,
	}
}

// Subscribe registers for changes on keys matching pattern until ctx ends or
// the returned cleanup is called. Slow subscribers miss changes rather than
// blocking writers.
func (n *Notifier) Subscribe(ctx context.Context, pattern string) (<-chan Change, func()) {
	if _, err := path.Match(pattern, ""); err != nil || pattern == "" {
		ch := make(chan Change)
		close(ch)
		return ch, func() {}
	}
	subscriber := &changeSubscriber{
		id:     n.nextSequence(),
		stream: make(chan Change, n.bufferSize),
	}
	n.registerSubscriber(pattern, subscriber)
	cleanup := func() {
		n.unregisterSubscriber(pattern, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers change to every subscriber whose pattern matches its key.
func (n *Notifier) Publish(change Change) {
	if change.Key == "" || change.Op == "" {
		return
	}
	n.mu.RLock()
	matched := make([]*changeSubscriber, 0)
	for pattern, subscribers := range n.subscribers {
		if ok, _ := path.Match(pattern, change.Key); !ok {
			continue
		}
		for _, subscriber := range subscribers {
			matched = append(matched, subscriber)
		}
	}
	n.mu.RUnlock()
	for _, subscriber := range matched {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

func (n *Notifier) nextSequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *Notifier) registerSubscriber(pattern string, subscriber *changeSubscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[pattern]; !ok {
		n.subscribers[pattern] = make(map[int64]*changeSubscriber)
	}
	n.subscribers[pattern][subscriber.id] = subscriber
}

func (n *Notifier) unregisterSubscriber(pattern string, subscriberID int64) {
	n.mu.Lock()
	subscribers := n.subscribers[pattern]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(n.subscribers, pattern)
		}
	}
	n.mu.Unlock()
}
