// Package websocket provides in-process room fan-out and a thin wrapper
// around gorilla/websocket connections. Subscribers join a room and receive
// every payload published to it through a bounded buffer.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultBufferSize is the per-subscriber outbound buffer.
const DefaultBufferSize = 64

// Subscription is a handle for one subscriber of one room. Its channel is
// closed when the subscriber is unsubscribed or evicted.
//
// An acknowledged subscription keeps counting a payload against its buffer
// after it leaves the channel, until the consumer confirms it with Ack. Its
// buffer then bounds what the remote peer has not yet read rather than what
// the local writer has not yet written. Payloads published by the
// subscription's own origin are not counted.
type Subscription struct {
	ID     string
	RoomID string

	mu          sync.Mutex
	send        chan []byte
	closed      bool
	evicted     bool
	acked       bool
	outstanding int
	queued      []bool
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan []byte {
	return s.send
}

// Evicted reports whether the hub dropped this subscriber for falling behind.
func (s *Subscription) Evicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Backlog returns the number of payloads waiting in the channel.
func (s *Subscription) Backlog() int {
	return len(s.send)
}

func (s *Subscription) Capacity() int {
	return cap(s.send)
}

// Sent must be called once for every payload received from C on an
// acknowledged subscription. It reports whether that payload awaits an Ack.
func (s *Subscription) Sent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queued) == 0 {
		return false
	}
	counted := s.queued[0]
	s.queued = s.queued[1:]
	return counted
}

// Ack releases n payloads previously reported by Sent.
func (s *Subscription) Ack(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstanding -= n
	if s.outstanding < 0 {
		s.outstanding = 0
	}
}

// deliver enqueues data without blocking. It returns false when the buffer
// was full and the subscription has just been evicted. Delivery to a closed
// subscription is silently dropped.
func (s *Subscription) deliver(data []byte, own bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	counted := s.acked && !own
	if counted && s.outstanding >= cap(s.send) {
		s.evictLocked()
		return false
	}
	select {
	case s.send <- data:
		if s.acked {
			s.queued = append(s.queued, counted)
			if counted {
				s.outstanding++
			}
		}
		return true
	default:
		s.evictLocked()
		return false
	}
}

func (s *Subscription) evictLocked() {
	s.closed = true
	s.evicted = true
	close(s.send)
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

type originKey struct{}

// WithOrigin marks payloads published with the returned context as coming
// from sub, so they are not counted against sub's own acknowledgements.
func WithOrigin(ctx context.Context, sub *Subscription) context.Context {
	if sub == nil {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, sub.ID)
}

func originFrom(ctx context.Context) string {
	id, _ := ctx.Value(originKey{}).(string)
	return id
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Rooms       int    `json:"rooms"`
	Subscribers int    `json:"subscribers"`
	Evictions   uint64 `json:"evictions"`
}

// Hub tracks subscriptions per room. The room table is guarded by an
// RWMutex that is never held while delivering to subscribers.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[*Subscription]struct{}
	bufferSize int
	evictions  atomic.Uint64
	logger     zerolog.Logger
}

// NewHub creates a hub whose subscriptions buffer bufferSize payloads.
func NewHub(bufferSize int, logger zerolog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		rooms:      make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Subscribe registers a new subscriber for roomID. Receiving from C is
// enough to free buffer space.
func (h *Hub) Subscribe(roomID string) *Subscription {
	return h.subscribe(roomID, false)
}

// SubscribeWithAck registers a subscriber whose payloads hold buffer space
// until released with Ack.
func (h *Hub) SubscribeWithAck(roomID string) *Subscription {
	return h.subscribe(roomID, true)
}

func (h *Hub) subscribe(roomID string, acked bool) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		RoomID: roomID,
		send:   make(chan []byte, h.bufferSize),
		acked:  acked,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Subscription]struct{})
	}
	h.rooms[roomID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub from its room and closes its channel. It is safe
// to call more than once and after eviction.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.remove(sub)
	sub.close()
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.rooms[sub.RoomID]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.rooms, sub.RoomID)
	}
}

// Publish marshals payload once and delivers it to every subscriber of
// roomID. Concurrent publishes to the same room must be serialized by the
// caller for subscribers to observe a single order. The origin set on ctx
// with WithOrigin, if any, is exempt from acknowledgement accounting.
func (h *Hub) Publish(ctx context.Context, roomID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	h.publish(originFrom(ctx), roomID, data)
	return nil
}

// PublishRaw delivers pre-encoded data and returns the number of
// subscribers that accepted it. Subscribers whose buffer is full are evicted.
func (h *Hub) PublishRaw(roomID string, data []byte) int {
	return h.publish("", roomID, data)
}

func (h *Hub) publish(origin, roomID string, data []byte) int {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.rooms[roomID]))
	for sub := range h.rooms[roomID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.deliver(data, origin != "" && sub.ID == origin) {
			delivered++
			continue
		}
		h.remove(sub)
		h.evictions.Add(1)
		h.logger.Warn().
			Str("room_id", roomID).
			Str("subscription_id", sub.ID).
			Msg("subscriber buffer full, evicting")
	}
	return delivered
}

// CloseAll unsubscribes every subscriber and returns how many there were.
// Subscribers observe a closed channel without the eviction flag.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	var subs []*Subscription
	for _, room := range h.rooms {
		for sub := range room {
			subs = append(subs, sub)
		}
	}
	h.rooms = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return len(subs)
}

// ClientCount returns the number of subscriptions across all rooms.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.rooms {
		n += len(subs)
	}
	return n
}

// RoomCount returns the number of subscribers of roomID.
func (h *Hub) RoomCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	rooms := len(h.rooms)
	subs := 0
	for _, s := range h.rooms {
		subs += len(s)
	}
	h.mu.RUnlock()
	return Stats{Rooms: rooms, Subscribers: subs, Evictions: h.evictions.Load()}
}
