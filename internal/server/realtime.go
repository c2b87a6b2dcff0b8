package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/dispenser"
)

const (
	RealtimeEventStatusUpdate = "status_update"
	realtimeEventHeartbeat    = "heartbeat"
	defaultStreamBufferSize   = 16
)

// StatusDispatcher fans device status snapshots out to every dashboard stream.
// Publish never blocks. When a subscriber's buffer is full one pending snapshot
// is evicted, preferring one superseded within its own cycle, so the first and
// last snapshot of every cycle and the newest snapshot still arrive.
type StatusDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*statusSubscriber
	nextID      int64
	bufferSize  int
}

type statusSubscriber struct {
	id     int64
	mu     sync.Mutex
	stream chan dispenser.Status
}

func NewStatusDispatcher() *StatusDispatcher {
	return &StatusDispatcher{
		subscribers: make(map[int64]*statusSubscriber),
		bufferSize:  defaultStreamBufferSize,
	}
}

// Subscribe registers a stream that lives until ctx is done or cleanup is called.
func (d *StatusDispatcher) Subscribe(ctx context.Context) (<-chan dispenser.Status, func()) {
	subscriber := &statusSubscriber{
		stream: make(chan dispenser.Status, d.bufferSize),
	}
	d.registerSubscriber(subscriber)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *StatusDispatcher) Publish(status dispenser.Status) {
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*statusSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		subscriber.offer(status)
	}
}

// SubscriberCount reports the number of open streams.
func (d *StatusDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (s *statusSubscriber) offer(status dispenser.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.stream <- status:
		return
	default:
	}

	pending := make([]dispenser.Status, 0, cap(s.stream)+1)
	for drained := false; !drained; {
		select {
		case queued := <-s.stream:
			pending = append(pending, queued)
		default:
			drained = true
		}
	}
	pending = append(pending, status)
	if len(pending) > cap(s.stream) {
		pending = evictSnapshot(pending)
	}
	for _, queued := range pending {
		s.stream <- queued
	}
}

// evictSnapshot removes one snapshot, preferring one whose neighbours on both
// sides belong to the same cycle. Without such a snapshot the oldest goes.
func evictSnapshot(pending []dispenser.Status) []dispenser.Status {
	victim := 0
	for index := 1; index < len(pending)-1; index++ {
		cycle := pending[index].CycleStartTime
		if pending[index-1].CycleStartTime == cycle && pending[index+1].CycleStartTime == cycle {
			victim = index
			break
		}
	}
	return append(pending[:victim], pending[victim+1:]...)
}

func (d *StatusDispatcher) registerSubscriber(subscriber *statusSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *StatusDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
