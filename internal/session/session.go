// ABOUTME: Session state machine with per-session event queue and input gate
// ABOUTME: One pipeline task per session; dispatchers attach as sole consumer

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgelab/forge-gateway/internal/event"
)

// State is a session lifecycle phase. Transitions are monotonic except
// running ⇄ awaiting_*, which may repeat.
type State string

const (
	StateCreated          State = "created"
	StateRunning          State = "running"
	StateAwaitingInput    State = "awaiting_input"
	StateAwaitingApproval State = "awaiting_approval"
	StateCompleted        State = "completed"
	StateTerminated       State = "terminated"
	StateError            State = "error"
)

// Terminal reports whether the state admits no further events except the
// closing stream_end.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTerminated || s == StateError
}

// Awaiting reports whether the session is parked at the input gate.
func (s State) Awaiting() bool {
	return s == StateAwaitingInput || s == StateAwaitingApproval
}

var transitions = map[State][]State{
	StateCreated:          {StateRunning, StateTerminated, StateError},
	StateRunning:          {StateAwaitingInput, StateAwaitingApproval, StateCompleted, StateTerminated, StateError},
	StateAwaitingInput:    {StateRunning, StateTerminated, StateError},
	StateAwaitingApproval: {StateRunning, StateTerminated, StateError},
}

// Result is the final artifact of a completed session, set exactly once.
type Result struct {
	Code       string `json:"code"`
	Language   string `json:"language"`
	Iterations int    `json:"iterations"`
	FinalScore int    `json:"final_score"`
}

// Snapshot is a point-in-time view of session state for status reporting.
// Returning the terminal result here lets a subscriber that missed the final
// events across a reconnect recover them without replay.
type Snapshot struct {
	ID           string
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	Prompt       string
	Result       *Result
}

// Session is one client-initiated generation task with its own lifecycle,
// event stream, and input gate.
type Session struct {
	ID        string
	CreatedAt time.Time

	logger *slog.Logger
	queue  *eventQueue

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	result       *Result

	// Input gate: single-slot rendezvous between the parked pipeline task
	// and an external submitter. Non-nil only while a wait is outstanding.
	pendingInput chan string
	prompt       string

	// Pipeline cancellation, bound when the pipeline task starts.
	cancel context.CancelFunc

	// Single-consumer dispatcher tracking. A reattach replaces, not adds.
	consumerGen    int
	consumerCancel context.CancelFunc
}

func newSession(id string, queueSize int, logger *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		logger:       logger.With("session_id", id),
		queue:        newEventQueue(queueSize),
		state:        StateCreated,
		lastActivity: now,
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session to next, enforcing the lifecycle order.
func (s *Session) SetState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(next)
}

func (s *Session) setStateLocked(next State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			s.lastActivity = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errBadTransition, s.state, next)
}

// Touch refreshes the idle-eviction clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Publish queues ev for delivery. Once the session is terminal only the
// closing stream_end is accepted; everything else is dropped.
func (s *Session) Publish(ev event.Event) {
	s.mu.Lock()
	terminal := s.state.Terminal()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if terminal && ev.Type != event.TypeStreamEnd {
		return
	}
	s.queue.push(ev)
}

// Complete records the final artifact and moves the session to completed.
// The result is set exactly once.
func (s *Session) Complete(res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setStateLocked(StateCompleted); err != nil {
		return err
	}
	if s.result == nil {
		r := res
		s.result = &r
	}
	return nil
}

// Result returns the final artifact, or nil before completion.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil
	}
	r := *s.result
	return &r
}

// Snapshot returns a consistent view of the session for status reporting.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:           s.ID,
		State:        s.state,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Prompt:       s.prompt,
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	return snap
}

// AwaitInput parks the caller until an external actor submits input or the
// window elapses. Exactly one input_request event is emitted per wait. A
// second wait before the first resolves returns ErrInputPending, which the
// pipeline surfaces as a session-fatal fault.
func (s *Session) AwaitInput(ctx context.Context, prompt string, timeout time.Duration, approval bool) (string, error) {
	next := StateAwaitingInput
	if approval {
		next = StateAwaitingApproval
	}

	s.mu.Lock()
	if s.pendingInput != nil {
		s.mu.Unlock()
		return "", ErrInputPending
	}
	if err := s.setStateLocked(next); err != nil {
		s.mu.Unlock()
		return "", err
	}
	slot := make(chan string, 1)
	s.pendingInput = slot
	s.prompt = prompt
	s.mu.Unlock()

	s.queue.push(event.InputRequest(prompt))
	s.logger.Debug("pipeline parked for input", "state", next)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var payload string
	var err error
	select {
	case payload = <-slot:
	case <-timer.C:
		err = ErrInputTimeout
	case <-ctx.Done():
		err = ErrCancelled
	}

	s.mu.Lock()
	s.pendingInput = nil
	s.prompt = ""
	if err == nil && s.state.Awaiting() {
		if serr := s.setStateLocked(StateRunning); serr != nil {
			err = serr
		}
	}
	s.mu.Unlock()

	return payload, err
}

// SubmitInput delivers payload to a parked wait. Returns ErrInvalidState when
// the session is not awaiting input or the wait was already satisfied.
func (s *Session) SubmitInput(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()

	if s.pendingInput == nil || !s.state.Awaiting() {
		return ErrInvalidState
	}

	select {
	case s.pendingInput <- payload:
		// Consume the slot so a racing second submit is rejected.
		s.pendingInput = nil
		return nil
	default:
		return ErrInvalidState
	}
}

// Attach registers the calling dispatcher as the sole consumer of the event
// queue. Any previously attached dispatcher is cancelled: a reattach after
// disconnect replaces, not adds, a consumer. The returned release func only
// detaches the caller's own attachment.
func (s *Session) Attach(ctx context.Context) (context.Context, func()) {
	s.mu.Lock()
	if s.consumerCancel != nil {
		s.consumerCancel()
	}
	cctx, cancel := context.WithCancel(ctx)
	s.consumerGen++
	gen := s.consumerGen
	s.consumerCancel = cancel
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.consumerGen == gen {
			s.consumerCancel = nil
		}
		s.mu.Unlock()
		cancel()
	}
	return cctx, release
}

// NextEvent hands the attached dispatcher the next queued event in FIFO
// order, waiting up to wait for one to arrive.
func (s *Session) NextEvent(ctx context.Context, wait time.Duration) (event.Event, PopResult) {
	return s.queue.pop(ctx, wait)
}

// BindCancel stores the pipeline task's cancel func so disposal can
// cooperatively stop it.
func (s *Session) BindCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// DroppedEvents reports how many events were shed under backpressure.
func (s *Session) DroppedEvents() int {
	return s.queue.droppedCount()
}

func (s *Session) lastActivityBefore(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity.Before(cutoff)
}

// dispose cancels the pipeline task and current consumer, then closes the
// queue. Called by the registry; idempotent.
func (s *Session) dispose() {
	s.mu.Lock()
	cancel := s.cancel
	consumer := s.consumerCancel
	s.cancel = nil
	s.consumerCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if consumer != nil {
		consumer()
	}
	s.queue.close()
}
