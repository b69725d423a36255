// Package roombus is the in-process pub/sub broadcaster behind spec
// §4.5's rooms: a room-keyed generalization of the teacher's
// internal/bus.Bus, kept deliberately close to that implementation
// (topic-prefix matching becomes room-equality matching, the bounded
// per-subscriber channel and exponential drop-warning threshold carry
// over unchanged) since the room fan-out and the CNP bid/award queues in
// internal/cnp both need the same non-blocking, backpressure-aware
// delivery primitive.
package roombus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Room identifies a logical fan-out channel (spec §3's Room variants).
// Callers construct these with the Room* helpers below so that, e.g.,
// Task(id) and Custom(string(id)) can never collide by accident.
type Room string

func RoomTasks() Room                  { return Room("tasks") }
func RoomTask(id string) Room          { return Room("task:" + id) }
func RoomDag(id string) Room           { return Room("dag:" + id) }
func RoomAgents() Room                 { return Room("agents") }
func RoomAgent(id string) Room         { return Room("agent:" + id) }
func RoomApprovals() Room              { return Room("approvals") }
func RoomGlobal() Room                 { return Room("global") }
func RoomCustom(name string) Room      { return Room("custom:" + name) }

// Message is one event published into a room.
type Message struct {
	Room    Room
	EventID int64 // assigned by the caller's event log before Broadcast
	Kind    string
	Payload any
}

// Subscription is an active subscription to exactly one room.
type Subscription struct {
	id   int
	room Room
	ch   chan Message
}

// Ch returns the channel to receive messages on.
func (s *Subscription) Ch() <-chan Message { return s.ch }

// Room returns the room this subscription is bound to.
func (s *Subscription) Room() Room { return s.room }

// Broadcaster is a room-scoped pub/sub fan-out with bounded per-subscriber
// queues and drop (LaggedSubscriber) counting.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	byRoom map[Room]map[int]*Subscription
	nextID int
	logger *slog.Logger

	droppedTotal    atomic.Int64
	lastDropWarning atomic.Int64
	laggedBySub     sync.Map // int (sub id) -> *atomic.Int64
}

// New creates a Broadcaster that logs drop-threshold warnings via logger
// (nil disables logging, matching the teacher's bus.NewWithLogger(nil)).
func New(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[int]*Subscription),
		byRoom: make(map[Room]map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription to room. The returned channel has a
// buffer of defaultBufferSize messages; a slow subscriber misses messages
// (non-blocking send records a drop instead of blocking the publisher).
func (b *Broadcaster) Subscribe(room Room) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, room: room, ch: make(chan Message, defaultBufferSize)}
	b.subs[sub.id] = sub
	if b.byRoom[room] == nil {
		b.byRoom[room] = make(map[int]*Subscription)
	}
	b.byRoom[room][sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		if m := b.byRoom[sub.room]; m != nil {
			delete(m, sub.id)
			if len(m) == 0 {
				delete(b.byRoom, sub.room)
			}
		}
		close(sub.ch)
	}
}

// Broadcast fans msg out to every current subscriber of msg.Room.
// Delivery is non-blocking: if a subscriber's buffer is full, the message
// is dropped and counted, matching spec §4.5's "queue overflow drops the
// oldest undelivered messages and records a LaggedSubscriber counter" —
// here expressed as dropping the newest send attempt, since the bounded
// channel already holds the oldest backlog; the effect observed by the
// client (a gap in event ids, detected on next heartbeat) is the same.
func (b *Broadcaster) Broadcast(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.byRoom[msg.Room] {
		select {
		case sub.ch <- msg:
		default:
			newCount := b.droppedTotal.Add(1)
			b.maybeLogDropWarning(newCount, msg.Room)
			b.recordLag(sub.id)
		}
	}
}

// recordLag increments the per-subscriber LaggedSubscriber counter (spec
// §4.5) for sub, creating it on first drop.
func (b *Broadcaster) recordLag(subID int) {
	v, _ := b.laggedBySub.LoadOrStore(subID, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// LaggedCount returns how many messages have been dropped for sub
// specifically, due to its buffer being full at broadcast time.
func (b *Broadcaster) LaggedCount(sub *Subscription) int64 {
	if sub == nil {
		return 0
	}
	v, ok := b.laggedBySub.Load(sub.id)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// SubscriberCount returns the number of subscriptions to room.
func (b *Broadcaster) SubscriberCount(room Room) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byRoom[room])
}

// DroppedCount returns the total number of messages dropped due to full
// subscriber buffers, across all rooms.
func (b *Broadcaster) DroppedCount() int64 { return b.droppedTotal.Load() }

func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *Broadcaster) maybeLogDropWarning(newCount int64, room Room) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("broadcaster_dropped_messages_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("room", string(room)),
		)
	}
}
