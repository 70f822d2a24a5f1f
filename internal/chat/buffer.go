// Package chat holds the text-chat side of a room: message validation and a
// short in-memory history per room, kept so that an abuse report can carry
// the lines that led to it.
package chat

import (
	"sync"
	"time"
)

// DefaultBufferSize is the number of recent messages retained per room.
const DefaultBufferSize = 50

// BufferedMessage is one relayed chat line.
type BufferedMessage struct {
	From string    `json:"from"` // sender's connection handle
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// MessageBuffer stores the last N messages per room. It is goroutine-safe.
type MessageBuffer struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ringBuffer // roomID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of BufferedMessage.
type ringBuffer struct {
	items []BufferedMessage
	pos   int
	count int
}

// NewMessageBuffer creates a MessageBuffer keeping size messages per room.
func NewMessageBuffer(size int) *MessageBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &MessageBuffer{
		size:    size,
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the room's buffer, overwriting the oldest one
// when full.
func (mb *MessageBuffer) Add(roomID string, msg BufferedMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[roomID]
	if !ok {
		rb = &ringBuffer{items: make([]BufferedMessage, mb.size)}
		mb.buffers[roomID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % mb.size
	if rb.count < mb.size {
		rb.count++
	}
}

// Get returns the buffered messages of a room, oldest first. It returns an
// empty slice for unknown rooms.
func (mb *MessageBuffer) Get(roomID string) []BufferedMessage {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[roomID]
	if !ok {
		return []BufferedMessage{}
	}

	result := make([]BufferedMessage, rb.count)
	start := (rb.pos - rb.count + mb.size) % mb.size
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%mb.size]
	}
	return result
}

// Remove drops the buffer of a room (called when the room closes).
func (mb *MessageBuffer) Remove(roomID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.buffers, roomID)
}

// Len returns the number of rooms with a buffer.
func (mb *MessageBuffer) Len() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.buffers)
}
