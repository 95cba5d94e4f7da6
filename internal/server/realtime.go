package server

import (
	"context"
	"sync"
	"time"

	"github.com/CandorWorksLab/entwine/backend/internal/chat"
)

const (
	RealtimeEventMessage   = "message"
	realtimeEventHeartbeat = "heartbeat"
)

// RealtimeMessage is the event fanned out to open room streams after a chat
// message has been durably appended.
type RealtimeMessage struct {
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RealtimeDispatcher is the in-process publish/subscribe channel for room
// streams. Delivery is best effort: a subscriber whose buffer is full
// misses the event and recovers on the next full message list load.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for the room. The subscription is removed
// when the context ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, roomID string) (<-chan RealtimeMessage, func()) {
	if roomID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(roomID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(roomID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans the message out to every open stream of its room.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.RoomID == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.RoomID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishMessage adapts a stored chat message onto the dispatcher,
// satisfying the chat service's publisher boundary.
func (d *RealtimeDispatcher) PublishMessage(message chat.Message) {
	d.Publish(RealtimeMessage{
		RoomID:    message.RoomID,
		MessageID: message.ID,
		UserID:    message.UserID,
		Content:   message.Content,
		CreatedAt: message.CreatedAt,
	})
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(roomID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[roomID]; !ok {
		d.subscribers[roomID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[roomID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(roomID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[roomID]
	subscriber, ok := subscribers[subscriberID]
	if !ok {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, roomID)
	}
	// Closing under the write lock cannot race a Publish send, which
	// holds the read lock for its non-blocking sends.
	close(subscriber.stream)
}
