package server

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherDeliversToSubscriber(t *testing.T) {
	dispatcher := NewSyncDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.Publish(SyncMessage{
		UserID:    "user-1",
		EventType: SyncEventChange,
		Tables:    []string{"books"},
		Timestamp: time.Now(),
	})

	select {
	case message := <-stream:
		if message.EventType != SyncEventChange {
			t.Fatalf("unexpected event type %q", message.EventType)
		}
		if len(message.Tables) != 1 || message.Tables[0] != "books" {
			t.Fatalf("unexpected tables %v", message.Tables)
		}
	case <-time.After(time.Second):
		t.Fatalf("message never arrived")
	}
}

func TestDispatcherIsolatesUsers(t *testing.T) {
	dispatcher := NewSyncDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-a")
	defer cleanup()

	dispatcher.Publish(SyncMessage{
		UserID:    "user-b",
		EventType: SyncEventChange,
		Timestamp: time.Now(),
	})

	select {
	case message := <-stream:
		t.Fatalf("message for another user leaked: %+v", message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherClosesStreamOnContextCancel(t *testing.T) {
	dispatcher := NewSyncDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	cancel()

	select {
	case _, open := <-stream:
		if open {
			t.Fatalf("expected the stream to be closed, got a message")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream never closed after cancel")
	}
}

func TestDispatcherCleanupIsIdempotent(t *testing.T) {
	dispatcher := NewSyncDispatcher()
	ctx := context.Background()

	_, cleanup := dispatcher.Subscribe(ctx, "user-1")
	cleanup()
	cleanup()

	// A publish after cleanup must not panic on a closed stream.
	dispatcher.Publish(SyncMessage{
		UserID:    "user-1",
		EventType: SyncEventChange,
		Timestamp: time.Now(),
	})
}

func TestDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewSyncDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	for i := 0; i < dispatcher.bufferSize+8; i++ {
		dispatcher.Publish(SyncMessage{
			UserID:    "user-1",
			EventType: SyncEventChange,
			Timestamp: time.Now(),
		})
	}

	received := 0
	for {
		select {
		case <-stream:
			received++
		default:
			if received != dispatcher.bufferSize {
				t.Fatalf("expected %d buffered messages, got %d", dispatcher.bufferSize, received)
			}
			return
		}
	}
}

func TestDispatcherIgnoresAnonymousSubscriber(t *testing.T) {
	dispatcher := NewSyncDispatcher()

	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()

	if _, open := <-stream; open {
		t.Fatalf("anonymous subscription must return a closed stream")
	}
}
