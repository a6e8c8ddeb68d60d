package server

import (
	"context"
	"sync"
	"time"
)

const (
	// SyncEventChange notifies a device that another device of the same
	// account pushed accepted changes to the listed tables.
	SyncEventChange        = "sync-change"
	syncEventHeartbeat     = "heartbeat"
	syncEventSourceBackend = "pocketledger-backend"
)

// SyncMessage is delivered to every stream subscriber of the owning user.
type SyncMessage struct {
	UserID    string
	EventType string
	Tables    []string
	Timestamp time.Time
}

// SyncDispatcher fans push notifications out to per-user SSE subscribers.
// Slow subscribers are dropped rather than blocking the push path.
type SyncDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*syncSubscriber
	nextID      int64
	bufferSize  int
}

type syncSubscriber struct {
	id     int64
	stream chan SyncMessage
}

// NewSyncDispatcher constructs an empty dispatcher.
func NewSyncDispatcher() *SyncDispatcher {
	return &SyncDispatcher{
		subscribers: make(map[string]map[int64]*syncSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for the user and returns it along with a
// cleanup function. The subscription also ends when ctx is done.
func (d *SyncDispatcher) Subscribe(ctx context.Context, userID string) (<-chan SyncMessage, func()) {
	if userID == "" {
		ch := make(chan SyncMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &syncSubscriber{
		id:     d.nextSequence(),
		stream: make(chan SyncMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every live subscriber of its user.
func (d *SyncDispatcher) Publish(message SyncMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	// The read lock is held across the sends so a concurrent unregister
	// cannot close a stream mid-delivery; a full buffer drops the message.
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.UserID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *SyncDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *SyncDispatcher) registerSubscriber(userID string, subscriber *syncSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	userSubscribers, ok := d.subscribers[userID]
	if !ok {
		userSubscribers = make(map[int64]*syncSubscriber)
		d.subscribers[userID] = userSubscribers
	}
	userSubscribers[subscriber.id] = subscriber
}

func (d *SyncDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	userSubscribers, ok := d.subscribers[userID]
	if !ok {
		return
	}
	if subscriber, exists := userSubscribers[subscriberID]; exists {
		close(subscriber.stream)
		delete(userSubscribers, subscriberID)
	}
	if len(userSubscribers) == 0 {
		delete(d.subscribers, userID)
	}
}
