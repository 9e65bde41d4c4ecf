// ABOUTME: Coalescer merging consecutive same-agent chunks into one message
// ABOUTME: Merged text is deterministic regardless of fragment boundaries

package event

import "strings"

// Merged is one display instruction produced by the Coalescer. When Replace
// is true the event updates the previously rendered display unit instead of
// starting a new one.
type Merged struct {
	Event   Event
	Replace bool
}

// Coalescer folds a stream of events into display units. Consecutive
// agent_message chunks from the same agent grow a single logical message;
// a boundary event or a chunk from a different agent starts a new unit.
// The coalescing key is "same speaker, uninterrupted run".
//
// The zero value is ready to use. Not safe for concurrent use.
type Coalescer struct {
	agent string
	buf   strings.Builder
	open  bool
}

// Apply folds ev and returns the display units to render, in order.
// Heartbeats pass through without touching the in-progress run; stream_end
// flushes it.
func (c *Coalescer) Apply(ev Event) []Merged {
	if ev.Type == TypeHeartbeat {
		return []Merged{{Event: ev}}
	}
	if ev.Type == TypeStreamEnd {
		c.Reset()
		return []Merged{{Event: ev}}
	}

	if ev.Type == TypeAgentMessage && ev.IsChunk {
		replace := c.open && c.agent == ev.Agent
		if !replace {
			c.Reset()
			c.agent = ev.Agent
			c.open = true
		}
		c.buf.WriteString(ev.Message)

		merged := ev
		merged.Message = c.buf.String()
		return []Merged{{Event: merged, Replace: replace}}
	}

	// Any other event closes the current run and stands alone.
	c.Reset()
	return []Merged{{Event: ev}}
}

// Message returns the agent and text of the in-progress logical message.
func (c *Coalescer) Message() (agent, text string, ok bool) {
	if !c.open {
		return "", "", false
	}
	return c.agent, c.buf.String(), true
}

// Reset discards the in-progress accumulator.
func (c *Coalescer) Reset() {
	c.agent = ""
	c.buf.Reset()
	c.open = false
}
