// Package channel holds the shared message log every participant reads from
// and writes to. The log is the single synchronization point of the engine:
// append order defines the canonical total order of messages.
package channel

import (
	"strings"
	"sync"
	"time"
)

const DefaultMaxHistory = 1000

// SharedChannel is a bounded FIFO log of messages. When the log is full the
// oldest message is evicted in O(1). Reads return copy-on-read slices, so a
// snapshot stays stable while concurrent turns append.
type SharedChannel struct {
	mu    sync.RWMutex
	buf   []*Message
	head  int
	count int
}

// NewSharedChannel creates a channel keeping at most maxHistory messages.
// Non-positive values fall back to DefaultMaxHistory.
func NewSharedChannel(maxHistory int) *SharedChannel {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &SharedChannel{
		buf: make([]*Message, maxHistory),
	}
}

// AddMessage parses content for addressing, wraps it into a Message and
// appends it to the log.
func (c *SharedChannel) AddMessage(senderID, senderCallsign, content string, kind MessageKind) *Message {
	msg := NewMessage(senderID, senderCallsign, content, kind)
	c.Append(msg)
	return msg
}

// Append adds an already-built message, evicting the oldest entry when full.
// Used directly by snapshot restoration to preserve ids and timestamps.
func (c *SharedChannel) Append(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count < len(c.buf) {
		c.buf[(c.head+c.count)%len(c.buf)] = msg
		c.count++
		return
	}
	// Full: overwrite the head slot and advance it.
	c.buf[c.head] = msg
	c.head = (c.head + 1) % len(c.buf)
}

// Len returns the number of messages currently retained.
func (c *SharedChannel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// Capacity returns the maximum history length.
func (c *SharedChannel) Capacity() int {
	return len(c.buf)
}

// All returns every retained message in log order.
func (c *SharedChannel) All() []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slice(c.count)
}

// Recent returns the last n messages in log order.
func (c *SharedChannel) Recent(n int) []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n > c.count {
		n = c.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]*Message, n)
	start := c.count - n
	for i := 0; i < n; i++ {
		out[i] = c.buf[(c.head+start+i)%len(c.buf)]
	}
	return out
}

// MessagesSince returns all messages with a timestamp after t, in log order.
func (c *SharedChannel) MessagesSince(t time.Time) []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Message
	for i := 0; i < c.count; i++ {
		msg := c.buf[(c.head+i)%len(c.buf)]
		if msg.Timestamp.After(t) {
			out = append(out, msg)
		}
	}
	return out
}

// ContextWindow returns the last w messages relevant to callsign: sent by it,
// addressed to it, broadcast, or system. Order within the window preserves
// log order.
func (c *SharedChannel) ContextWindow(callsign string, w int) []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if w <= 0 {
		return nil
	}
	var out []*Message
	for i := c.count - 1; i >= 0 && len(out) < w; i-- {
		msg := c.buf[(c.head+i)%len(c.buf)]
		if msg.Kind == KindSystem ||
			msg.Meta.IsBroadcast ||
			msg.IsFrom(callsign) ||
			msg.IsAddressedTo(callsign) {
			out = append(out, msg)
		}
	}
	// Collected backwards, restore log order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Clear drops all messages.
func (c *SharedChannel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.buf {
		c.buf[i] = nil
	}
	c.head = 0
	c.count = 0
}

// FormatHistory renders the last n messages as a display transcript.
func (c *SharedChannel) FormatHistory(n int) string {
	recent := c.Recent(n)
	if len(recent) == 0 {
		return "No messages in channel."
	}
	lines := make([]string, 0, len(recent))
	for _, msg := range recent {
		lines = append(lines, msg.FormatForDisplay())
	}
	return strings.Join(lines, "\n")
}

func (c *SharedChannel) slice(n int) []*Message {
	out := make([]*Message, n)
	for i := 0; i < n; i++ {
		out[i] = c.buf[(c.head+i)%len(c.buf)]
	}
	return out
}
