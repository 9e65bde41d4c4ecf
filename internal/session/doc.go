// Package session provides per-task session lifecycle management.
//
// # Overview
//
// The session package sits between the HTTP handlers and the pipeline
// runner. Each generation task gets one Session holding its state machine,
// its bounded outbound event queue, and its input gate. The Registry is the
// only process-wide shared state; everything else is per-session.
//
// # Lifecycle
//
// Sessions move through a monotonic lifecycle:
//
//	created -> running -> completed | terminated | error
//
// with running able to detour through awaiting_input or awaiting_approval
// and back. Terminal states are final: once reached, Publish drops every
// event except the closing stream_end.
//
// # Event queue
//
// Each session owns a bounded FIFO of outbound events. Producers never
// block: when the queue is full the oldest event is dropped, so a slow or
// absent subscriber can never stall the pipeline. A dispatcher attaches as
// the queue's single consumer; reattaching after a reconnect replaces the
// previous consumer rather than adding a second one.
//
// # Input gate
//
// AwaitInput parks the pipeline until an external actor calls SubmitInput
// or the window elapses. Exactly one input_request event is emitted per
// wait, and the single-slot design rejects racing submissions.
package session
