// ABOUTME: Wire-level event variants pushed from the pipeline to subscribers
// ABOUTME: One JSON object per event; readers must ignore unrecognized types

package event

import "time"

// Type tags an event variant on the wire.
type Type string

const (
	TypeAgentMessage Type = "agent_message"
	TypeCodeOutput   Type = "code_output"
	TypeQualityScore Type = "quality_score"
	TypeSystem       Type = "system"
	TypeError        Type = "error"
	TypeInputRequest Type = "input_request"
	TypeHeartbeat    Type = "heartbeat"
	TypeStreamEnd    Type = "stream_end"
)

// Event is one discrete unit of information pushed to a subscriber.
// Events are immutable once created; ordering within a session is
// delivery-significant (FIFO, no reordering).
type Event struct {
	Type      Type   `json:"type"`
	Agent     string `json:"agent,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	IsChunk   bool   `json:"is_chunk,omitempty"`

	// code_output fields
	Code       string `json:"code,omitempty"`
	Language   string `json:"language,omitempty"`
	Iteration  *int   `json:"iteration,omitempty"`
	FinalScore *int   `json:"final_score,omitempty"`

	// quality_score fields (Iteration is shared with code_output)
	Score *int `json:"score,omitempty"`

	// input_request fields
	Prompt string `json:"prompt,omitempty"`
}

// AgentMessage builds an agent_message event. Chunked messages are merged
// back into logical messages by the Coalescer.
func AgentMessage(agent, text string, chunk bool) Event {
	return Event{
		Type:      TypeAgentMessage,
		Agent:     agent,
		Message:   text,
		Timestamp: now(),
		IsChunk:   chunk,
	}
}

// CodeOutput builds the final code artifact event.
func CodeOutput(code, language string, iteration, finalScore int) Event {
	it, fs := iteration, finalScore
	return Event{
		Type:       TypeCodeOutput,
		Code:       code,
		Language:   language,
		Iteration:  &it,
		FinalScore: &fs,
		Timestamp:  now(),
	}
}

// QualityScore builds a quality_score event for one review iteration.
func QualityScore(score, iteration int) Event {
	sc, it := score, iteration
	return Event{
		Type:      TypeQualityScore,
		Score:     &sc,
		Iteration: &it,
		Timestamp: now(),
	}
}

// System builds a system notice event.
func System(text string) Event {
	return Event{Type: TypeSystem, Message: text, Timestamp: now()}
}

// Error builds a terminal error event.
func Error(text string) Event {
	return Event{Type: TypeError, Message: text}
}

// InputRequest builds the event announcing a parked input wait.
func InputRequest(prompt string) Event {
	return Event{Type: TypeInputRequest, Prompt: prompt, Timestamp: now()}
}

// Heartbeat builds the liveness signal emitted on an idle channel.
func Heartbeat() Event {
	return Event{Type: TypeHeartbeat}
}

// StreamEnd builds the closing event of a session stream.
func StreamEnd() Event {
	return Event{Type: TypeStreamEnd}
}

// IsBoundary reports whether the event interrupts an uninterrupted run of
// chunks from a single agent. Heartbeat and stream_end are transport
// signals, not conversational events, and never break a logical message.
func (e Event) IsBoundary() bool {
	switch e.Type {
	case TypeHeartbeat, TypeStreamEnd:
		return false
	case TypeAgentMessage:
		return !e.IsChunk
	default:
		return true
	}
}

func now() string {
	return time.Now().Format(time.RFC3339)
}
