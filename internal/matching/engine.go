// Package matching pairs anonymous users into two-party rooms and relays
// signaling between the two sides of a room.
//
// The Engine is the only owner of the waiting pool (Queue), the room
// registry (Registry) and the per-connection profiles. One mutex serializes
// every operation on them, so forming a match (removing the partner from the
// pool and writing both registry entries) is atomic with respect to any other
// request. Skip history lives in its own store with its own lock.
package matching

import (
	"log"
	"sync"
	"time"

	"github.com/duet/roulette/internal/metrics"
	"github.com/duet/roulette/internal/protocol"
)

// State is the per-connection session state.
type State int

const (
	StateUnknown State = iota // not connected
	StateIdle
	StateWaiting
	StateInRoom
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateInRoom:
		return "in_room"
	default:
		return "unknown"
	}
}

// Notifier delivers an encoded server message to one connection.
// ws.Server satisfies it. The Engine never calls it with a lock held, and
// calls for one handle are made one at a time in state order.
type Notifier interface {
	SendMessage(handle string, data []byte) error
}

// Event kinds published on the Engine's event channel.
const (
	EventConnected    = "connected"
	EventWaiting      = "waiting"
	EventIdle         = "idle"
	EventRoomCreated  = "room_created"
	EventRoomClosed   = "room_closed"
	EventDisconnected = "disconnected"
)

// Event describes a state change, for consumers that mirror or publish
// session state (Redis, NATS). Events are emitted in state order.
type Event struct {
	Kind    string
	Handle  string
	Partner string
	RoomID  string
	Tier    Tier
	Skip    bool
	At      time.Time
}

const eventBufferSize = 1024

// outbound is one message computed under the state lock.
type outbound struct {
	to   string
	kind string
	data []byte
}

// maxPending is the number of undelivered messages kept per recipient.
const maxPending = 256

// mailbox holds one recipient's undelivered messages in state order.
type mailbox struct {
	pending []outbound
}

// Engine is the session controller.
type Engine struct {
	mu       sync.Mutex // guards queue, rooms, profiles
	queue    *Queue
	rooms    *Registry
	profiles map[string]Profile // connected handles

	// Messages are queued per recipient while mu is held and sent by one
	// goroutine per non-empty mailbox, so a slow recipient only delays its
	// own messages. Lock order is mu, then outMu.
	outMu    sync.Mutex
	outbox   map[string]*mailbox // guarded by outMu
	notifier Notifier            // guarded by outMu
	sending  sync.WaitGroup

	skips  *SkipHistory
	events chan Event
	now    func() time.Time
}

// NewEngine creates an Engine that uses skips for skip history and notifier
// for outbound messages.
func NewEngine(skips *SkipHistory, notifier Notifier) *Engine {
	if skips == nil {
		skips = NewSkipHistory(DefaultSkipTimeout, DefaultSkipCap)
	}
	return &Engine{
		queue:    NewQueue(),
		rooms:    NewRegistry(),
		profiles: make(map[string]Profile),
		outbox:   make(map[string]*mailbox),
		skips:    skips,
		notifier: notifier,
		events:   make(chan Event, eventBufferSize),
		now:      time.Now,
	}
}

// SetNotifier replaces the outbound notifier. It supports wiring where the
// transport is built after the engine.
func (e *Engine) SetNotifier(n Notifier) {
	e.outMu.Lock()
	e.notifier = n
	e.outMu.Unlock()
}

// Events returns the channel of state-change events. Events are dropped
// when nobody drains it.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Skips returns the engine's skip history.
func (e *Engine) Skips() *SkipHistory {
	return e.skips
}

// Connect registers a new connection in the idle state.
func (e *Engine) Connect(handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.profiles[handle]; ok {
		return
	}
	e.profiles[handle] = Profile{}
	e.emit(Event{Kind: EventConnected, Handle: handle})
}

// FindMatch looks for a partner for handle. On success both sides receive
// match-found and the requester is the initiator; otherwise handle joins the
// pool and receives waiting-for-match. A handle that is still in a room
// leaves it first, as a non-skip departure.
func (e *Engine) FindMatch(handle string, profile Profile) {
	e.mu.Lock()
	if _, ok := e.profiles[handle]; !ok {
		e.mu.Unlock()
		log.Printf("[engine] find-match from unknown session=%s ignored", handle)
		return
	}

	var out []outbound
	if _, _, inRoom := e.rooms.Get(handle); inRoom {
		e.leaveLocked(handle, "", false, &out)
	}
	e.profiles[handle] = profile.Normalize()
	e.findMatchLocked(handle, &out)
	e.unlockAndDeliver(out)
}

// LeaveRoom ends handle's session. It always cancels a pending search. The
// room is destroyed when roomID is empty or names handle's current room; a
// stale roomID leaves the current room alone. With isSkip the partner is
// remembered as skipped and is put back into matching automatically;
// without it the partner receives partner-left.
func (e *Engine) LeaveRoom(handle, roomID string, isSkip bool) {
	e.mu.Lock()
	if _, ok := e.profiles[handle]; !ok {
		e.mu.Unlock()
		return
	}

	var out []outbound
	e.leaveLocked(handle, roomID, isSkip, &out)
	e.unlockAndDeliver(out)
}

// Disconnect runs the non-skip leave flow for handle and forgets it: the
// search is cancelled, the partner notified and the skip history dropped.
func (e *Engine) Disconnect(handle string) {
	e.mu.Lock()
	if _, ok := e.profiles[handle]; !ok {
		e.mu.Unlock()
		return
	}

	var out []outbound
	e.leaveLocked(handle, "", false, &out)
	e.queue.Remove(handle)
	e.skips.DropUser(handle)
	delete(e.profiles, handle)
	e.emit(Event{Kind: EventDisconnected, Handle: handle})
	e.updateGauges()
	e.unlockAndDeliver(out)

	log.Printf("[engine] session=%s disconnected", handle)
}

// Relay forwards payload as msgType to the partner of handle, but only when
// handle currently owns roomID. Invalid relays are dropped and logged; the
// sender is never told. It reports whether the message was relayed.
func (e *Engine) Relay(handle, msgType, roomID string, payload interface{}) bool {
	e.mu.Lock()
	if !e.rooms.Validate(handle, roomID) {
		e.mu.Unlock()
		metrics.RelayedTotal.WithLabelValues(msgType, "dropped").Inc()
		log.Printf("[engine] dropped %s from session=%s for room=%q: not a member", msgType, handle, roomID)
		return false
	}
	_, partner, _ := e.rooms.Get(handle)

	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		e.mu.Unlock()
		log.Printf("[engine] encode %s from session=%s: %v", msgType, handle, err)
		return false
	}

	e.unlockAndDeliver([]outbound{{to: partner, kind: msgType, data: data}})
	metrics.RelayedTotal.WithLabelValues(msgType, "relayed").Inc()
	return true
}

// Partner returns handle's partner if handle currently owns roomID.
func (e *Engine) Partner(handle, roomID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.rooms.Validate(handle, roomID) {
		return "", false
	}
	_, partner, _ := e.rooms.Get(handle)
	return partner, true
}

// State returns handle's current session state.
func (e *Engine) State(handle string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(handle)
}

// Room returns handle's room id and partner, if any.
func (e *Engine) Room(handle string) (roomID, partner string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rooms.Get(handle)
}

// Stats returns the pool size and the number of active rooms.
func (e *Engine) Stats() (waiting, rooms int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len(), e.rooms.Len()
}

func (e *Engine) stateLocked(handle string) State {
	if _, ok := e.profiles[handle]; !ok {
		return StateUnknown
	}
	if _, _, ok := e.rooms.Get(handle); ok {
		return StateInRoom
	}
	if e.queue.Contains(handle) {
		return StateWaiting
	}
	return StateIdle
}

// findMatchLocked runs one pool lookup for handle using its stored profile.
// handle must not be in a room. Caller must hold e.mu.
func (e *Engine) findMatchLocked(handle string, out *[]outbound) {
	e.queue.Remove(handle)

	c := Candidate{Handle: handle, Profile: e.profiles[handle], JoinedAt: e.now()}
	idx, match, tier, ok := e.queue.FindBestMatch(c, e.skips)
	if !ok {
		e.queue.Enqueue(c)
		e.push(out, handle, protocol.TypeWaitingForMatch, protocol.WaitingForMatchMsg{})
		e.emit(Event{Kind: EventWaiting, Handle: handle})
		e.updateGauges()
		log.Printf("[engine] session=%s waiting (pool=%d)", handle, e.queue.Len())
		return
	}

	if _, err := e.queue.RemoveAt(idx); err != nil {
		// FindBestMatch returned an index into the same pool under the same lock.
		log.Printf("[engine] BUG: %v", err)
		return
	}
	roomID := e.rooms.CreateRoom(handle, match.Handle)

	e.push(out, handle, protocol.TypeMatchFound, protocol.MatchFoundMsg{RoomID: roomID, IsInitiator: true})
	e.push(out, match.Handle, protocol.TypeMatchFound, protocol.MatchFoundMsg{RoomID: roomID, IsInitiator: false})
	e.emit(Event{Kind: EventRoomCreated, Handle: handle, Partner: match.Handle, RoomID: roomID, Tier: tier})

	metrics.MatchesTotal.WithLabelValues(tier.String()).Inc()
	metrics.MatchWait.Observe(e.now().Sub(match.JoinedAt).Seconds())
	e.updateGauges()
	log.Printf("[engine] matched %s with %s in %s (tier=%s)", handle, match.Handle, roomID, tier)
}

// leaveLocked is the shared leave path. Caller must hold e.mu.
func (e *Engine) leaveLocked(handle, roomID string, isSkip bool, out *[]outbound) {
	wasWaiting := e.queue.Remove(handle)

	current, partner, ok := e.rooms.Get(handle)
	if !ok {
		if wasWaiting {
			e.emit(Event{Kind: EventIdle, Handle: handle})
			e.updateGauges()
			log.Printf("[engine] session=%s cancelled search", handle)
		}
		return
	}
	if roomID != "" && roomID != current {
		log.Printf("[engine] leave-room from session=%s for stale room=%q (current=%s) ignored", handle, roomID, current)
		return
	}

	e.rooms.Destroy(handle)
	e.emit(Event{Kind: EventRoomClosed, Handle: handle, Partner: partner, RoomID: current, Skip: isSkip})
	e.updateGauges()
	log.Printf("[engine] session=%s left %s (skip=%v)", handle, current, isSkip)

	if _, known := e.profiles[partner]; !known {
		log.Printf("[engine] partner session=%s of %s already gone", partner, current)
		return
	}

	if isSkip {
		e.skips.Record(handle, partner)
		metrics.SkipsTotal.Inc()
		e.findMatchLocked(partner, out)
		return
	}
	e.push(out, partner, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})
}

// push encodes a server message and queues it for delivery.
func (e *Engine) push(out *[]outbound, to, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[engine] encode %s for session=%s: %v", msgType, to, err)
		return
	}
	*out = append(*out, outbound{to: to, kind: msgType, data: data})
}

// emit publishes an event without blocking. Caller must hold e.mu.
func (e *Engine) emit(ev Event) {
	ev.At = e.now()
	select {
	case e.events <- ev:
	default:
		log.Printf("[engine] event buffer full, dropped %s for session=%s", ev.Kind, ev.Handle)
	}
}

func (e *Engine) updateGauges() {
	metrics.WaitingPool.Set(float64(e.queue.Len()))
	metrics.ActiveRooms.Set(float64(e.rooms.Len()))
}

// unlockAndDeliver queues out for delivery and releases e.mu. Caller must
// hold e.mu.
func (e *Engine) unlockAndDeliver(out []outbound) {
	e.enqueue(out)
	e.mu.Unlock()
}

// enqueue appends out to the recipients' mailboxes and starts a sender for
// each mailbox that has none. Caller must hold e.mu.
func (e *Engine) enqueue(out []outbound) {
	if len(out) == 0 {
		return
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()

	for _, o := range out {
		box, running := e.outbox[o.to]
		if !running {
			box = &mailbox{}
			e.outbox[o.to] = box
		}
		if len(box.pending) >= maxPending {
			metrics.RelayedTotal.WithLabelValues(o.kind, "overflow").Inc()
			log.Printf("[engine] outbox full for session=%s, dropped %s", o.to, o.kind)
			continue
		}
		box.pending = append(box.pending, o)
		if !running {
			e.sending.Add(1)
			go e.deliver(o.to, box)
		}
	}
}

// deliver sends box's messages in order and retires the mailbox once it is
// empty.
func (e *Engine) deliver(to string, box *mailbox) {
	defer e.sending.Done()
	for {
		e.outMu.Lock()
		if len(box.pending) == 0 {
			delete(e.outbox, to)
			e.outMu.Unlock()
			return
		}
		o := box.pending[0]
		box.pending = box.pending[1:]
		n := e.notifier
		e.outMu.Unlock()

		if n == nil {
			continue
		}
		if err := n.SendMessage(o.to, o.data); err != nil {
			// The recipient may have dropped between the state change and the send.
			log.Printf("[engine] deliver %s to session=%s: %v", o.kind, o.to, err)
		}
	}
}
