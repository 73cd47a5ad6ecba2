package statusapi

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/codefionn/agentpulse/internal/logger"
)

// Topics a stream can follow.
const (
	TopicStatus    = "status"
	TopicInstances = "instances"
)

// Message is one server-sent event.
type Message struct {
	Event string
	Data  []byte
}

// Subscription receives the messages of one topic until it is closed. C is
// closed when the subscriber unsubscribes, falls behind, or the hub shuts
// down.
type Subscription struct {
	ID    string
	Topic string
	C     <-chan Message

	send chan Message
	hub  *Hub
	once sync.Once
}

// Unsubscribe removes the subscription from its hub.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub maintains the active event streams and fans messages out to them
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	bufferSize int
	closed     bool
	log        *logger.Logger
}

// NewHub creates a new hub. Each subscriber buffers up to bufferSize
// messages before it is dropped.
func NewHub(bufferSize int, log *logger.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		subs:       make(map[string]*Subscription),
		bufferSize: bufferSize,
		log:        log,
	}
}

// Subscribe registers a new stream for topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	send := make(chan Message, h.bufferSize)
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		C:     send,
		send:  send,
		hub:   h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	h.subs[sub.ID] = sub
	h.log.Debug("stream %s subscribed to %s (total: %d)", sub.ID, topic, len(h.subs))
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.ID]; ok {
		delete(h.subs, sub.ID)
		h.log.Debug("stream %s unsubscribed (total: %d)", sub.ID, len(h.subs))
	}
	sub.close()
}

// Publish encodes v as JSON and sends it to every subscriber of topic.
// Subscribers whose buffer is full are dropped instead of blocking.
func (h *Hub) Publish(topic, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encoding %s event: %v", event, err)
		return
	}
	msg := Message{Event: event, Data: data}

	var slow []*Subscription
	h.mu.RLock()
	for _, sub := range h.subs {
		if sub.Topic != topic {
			continue
		}
		select {
		case sub.send <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.log.Warn("stream %s is not keeping up, closing it", sub.ID)
		h.remove(sub)
	}
}

// Count returns the number of active subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Shutdown closes every subscription; later subscriptions start closed.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		sub.close()
		delete(h.subs, id)
	}
}
