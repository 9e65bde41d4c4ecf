// ABOUTME: End-to-end tests for the pipeline runner over a live session
// ABOUTME: Completion, approval, rejection, termination, and timeout paths

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelab/forge-gateway/internal/event"
	"github.com/forgelab/forge-gateway/internal/session"
)

func testRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	return NewRunner(NewScriptedTeam(DefaultPersonas()), opts, nil)
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	reg := session.NewRegistry(session.RegistryOptions{}, nil)
	t.Cleanup(reg.Close)
	return reg.Create()
}

// runAndCollect drives the runner and drains the session's queue until
// stream_end. onInput, when set, answers each input_request.
func runAndCollect(t *testing.T, r *Runner, sess *session.Session, req Request, onInput func(prompt string) string) []event.Event {
	t.Helper()
	require.NoError(t, req.Validate())

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(t.Context(), sess, req)
	}()

	var events []event.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out draining events, got %d so far", len(events))
		default:
		}

		ev, res := sess.NextEvent(t.Context(), 100*time.Millisecond)
		switch res {
		case session.PopClosed:
			t.Fatal("queue closed before stream_end")
		case session.PopTimeout:
			continue
		case session.PopEvent:
		}

		events = append(events, ev)
		if ev.Type == event.TypeInputRequest {
			require.NotNil(t, onInput, "unexpected input_request: %s", ev.Prompt)
			require.NoError(t, sess.SubmitInput(onInput(ev.Prompt)))
		}
		if ev.Type == event.TypeStreamEnd {
			<-done
			return events
		}
	}
}

func eventsOfType(events []event.Event, typ event.Type) []event.Event {
	var out []event.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunner_CompletesWithinIterationBudget(t *testing.T) {
	r := testRunner(t, Options{})
	sess := newTestSession(t)

	events := runAndCollect(t, r, sess, Request{
		Requirements:  "build a prime sieve",
		Language:      "python",
		MaxIterations: 2,
	}, nil)

	assert.Equal(t, session.StateCompleted, sess.State())

	scores := eventsOfType(events, event.TypeQualityScore)
	require.Len(t, scores, 2)
	assert.Equal(t, 1, *scores[0].Iteration)
	assert.Equal(t, 2, *scores[1].Iteration)
	assert.Less(t, *scores[0].Score, *scores[1].Score, "refinement should raise the score")

	outputs := eventsOfType(events, event.TypeCodeOutput)
	require.Len(t, outputs, 1)
	assert.Equal(t, "python", outputs[0].Language)
	assert.NotEmpty(t, outputs[0].Code)

	// The artifact must also be recoverable through the session result.
	res := sess.Result()
	require.NotNil(t, res)
	assert.Equal(t, outputs[0].Code, res.Code)
	assert.Equal(t, 2, res.Iterations)

	last := events[len(events)-1]
	assert.Equal(t, event.TypeStreamEnd, last.Type)
}

func TestRunner_ChunksReassembleDeterministically(t *testing.T) {
	r := testRunner(t, Options{})
	sess := newTestSession(t)

	events := runAndCollect(t, r, sess, Request{
		Requirements:  "build a prime sieve",
		Language:      "python",
		MaxIterations: 1,
	}, nil)

	var c event.Coalescer
	var messages []string
	for _, ev := range events {
		for _, m := range c.Apply(ev) {
			if m.Event.Type == event.TypeAgentMessage && !m.Replace {
				messages = append(messages, "")
			}
			if m.Event.Type == event.TypeAgentMessage {
				messages[len(messages)-1] = m.Event.Message
			}
		}
	}

	require.NotEmpty(t, messages)
	assert.Contains(t, messages[0], "Drafting an implementation.")
	assert.Contains(t, messages[0], "```python")
}

func TestRunner_ApprovalGateApprove(t *testing.T) {
	r := testRunner(t, Options{})
	sess := newTestSession(t)

	events := runAndCollect(t, r, sess, Request{
		Requirements:  "build a prime sieve",
		Language:      "python",
		MaxIterations: 3,
		Review:        true,
	}, func(prompt string) string {
		assert.Contains(t, prompt, "APPROVE")
		return "APPROVE"
	})

	assert.Equal(t, session.StateCompleted, sess.State())
	require.Len(t, eventsOfType(events, event.TypeInputRequest), 1)
	require.Len(t, eventsOfType(events, event.TypeCodeOutput), 1)
}

func TestRunner_ApprovalGateRejectThenApprove(t *testing.T) {
	r := testRunner(t, Options{})
	sess := newTestSession(t)

	gate := 0
	events := runAndCollect(t, r, sess, Request{
		Requirements:  "build a prime sieve",
		Language:      "python",
		MaxIterations: 3,
		Review:        true,
	}, func(string) string {
		gate++
		if gate == 1 {
			return "REJECT: needs input validation"
		}
		return "APPROVE"
	})

	assert.Equal(t, session.StateCompleted, sess.State())
	assert.Equal(t, 2, gate, "rejection should reopen the gate after revision")

	// The rejection consumed an extra scoring iteration.
	scores := eventsOfType(events, event.TypeQualityScore)
	assert.Equal(t, 3, *scores[len(scores)-1].Iteration)

	res := sess.Result()
	require.NotNil(t, res)
	assert.Equal(t, 3, res.Iterations)
}

func TestRunner_RejectWithExhaustedBudgetTerminates(t *testing.T) {
	r := testRunner(t, Options{})
	sess := newTestSession(t)

	events := runAndCollect(t, r, sess, Request{
		Requirements:  "build a prime sieve",
		Language:      "python",
		MaxIterations: 2,
		Review:        true,
	}, func(string) string {
		return "REJECT: still not good enough"
	})

	assert.Equal(t, session.StateTerminated, sess.State())
	assert.Empty(t, eventsOfType(events, event.TypeCodeOutput))
	assert.Nil(t, sess.Result())
}

func TestRunner_TerminateWhileAwaiting(t *testing.T) {
	// A threshold above the team's ceiling forces the interactive gate open.
	r := testRunner(t, Options{ScoreThreshold: 100})
	sess := newTestSession(t)

	events := runAndCollect(t, r, sess, Request{
		Requirements:  "build a prime sieve",
		Language:      "python",
		MaxIterations: 3,
		Interactive:   true,
	}, func(string) string {
		return "TERMINATE"
	})

	assert.Equal(t, session.StateTerminated, sess.State())

	// After the acknowledged termination the very next event is stream_end.
	var sawInput bool
	for _, ev := range events {
		if ev.Type == event.TypeInputRequest {
			sawInput = true
			continue
		}
		if sawInput {
			assert.Equal(t, event.TypeStreamEnd, ev.Type,
				"no events may follow a termination except stream_end, got %s", ev.Type)
		}
	}
	require.True(t, sawInput)
}

func TestRunner_InputTimeoutTerminates(t *testing.T) {
	r := testRunner(t, Options{ScoreThreshold: 100, InputTimeout: 50 * time.Millisecond})
	sess := newTestSession(t)

	req := Request{
		Requirements:  "build a prime sieve",
		Language:      "python",
		MaxIterations: 3,
		Interactive:   true,
	}
	require.NoError(t, req.Validate())

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(t.Context(), sess, req)
	}()

	var events []event.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stream_end")
		default:
		}
		ev, res := sess.NextEvent(t.Context(), 100*time.Millisecond)
		if res != session.PopEvent {
			continue
		}
		events = append(events, ev)
		if ev.Type == event.TypeStreamEnd {
			break
		}
	}
	<-done

	assert.Equal(t, session.StateTerminated, sess.State())

	systems := eventsOfType(events, event.TypeSystem)
	var sawTimeoutNote bool
	for _, ev := range systems {
		if ev.Message == "No input received within the allowed window; terminating session." {
			sawTimeoutNote = true
		}
	}
	assert.True(t, sawTimeoutNote, "timeout should be explained with a system event")
}

func TestRunner_InteractiveGuidanceFlowsIntoRefinement(t *testing.T) {
	r := testRunner(t, Options{ScoreThreshold: 100})
	sess := newTestSession(t)

	gates := 0
	events := runAndCollect(t, r, sess, Request{
		Requirements:  "build a prime sieve",
		Language:      "python",
		MaxIterations: 2,
		Interactive:   true,
	}, func(string) string {
		gates++
		return "add boundary checks"
	})

	// One gate per refinement round: iterations 1 -> 2 with budget 2.
	assert.Equal(t, 1, gates)
	assert.Equal(t, session.StateCompleted, sess.State())

	scores := eventsOfType(events, event.TypeQualityScore)
	require.Len(t, scores, 2)
}
