// ABOUTME: Pipeline runner driving one generation task per session
// ABOUTME: Generate/score/refine loop with human gates and termination handling

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgelab/forge-gateway/internal/event"
	"github.com/forgelab/forge-gateway/internal/session"
)

const (
	// TerminatePayload aborts a parked session when submitted as input.
	TerminatePayload = "TERMINATE"

	approvePayload      = "APPROVE"
	rejectPayloadPrefix = "REJECT:"
)

// errTerminated signals an operator- or timeout-driven stop. The session is
// already in the terminated state when this surfaces; only stream_end follows.
var errTerminated = errors.New("session terminated")

// Options tune the runner.
type Options struct {
	ScoreThreshold int
	InputTimeout   time.Duration
}

// Runner executes generation tasks against a Team. One Run call per session.
type Runner struct {
	team   Team
	opts   Options
	logger *slog.Logger
}

// NewRunner creates a runner. Pass nil logger for the default.
func NewRunner(team Team, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ScoreThreshold <= 0 {
		opts.ScoreThreshold = 85
	}
	if opts.InputTimeout <= 0 {
		opts.InputTimeout = 10 * time.Minute
	}
	return &Runner{
		team:   team,
		opts:   opts,
		logger: logger.With("component", "runner"),
	}
}

// Run drives one generation task to a terminal state. It owns the session's
// lifecycle from running onward and always closes the stream with stream_end
// unless the session was disposed out from under it.
func (r *Runner) Run(ctx context.Context, sess *session.Session, req Request) {
	logger := r.logger.With("session_id", sess.ID)

	if err := sess.SetState(session.StateRunning); err != nil {
		logger.Error("session not startable", "error", err)
		return
	}
	sess.Publish(event.System(fmt.Sprintf("Starting code generation for: %s", summarize(req.Requirements))))

	res, err := r.collaborate(ctx, sess, req)
	switch {
	case err == nil:
		if cerr := sess.Complete(res); cerr != nil {
			logger.Error("completing session", "error", cerr)
		}
		logger.Info("generation completed", "iterations", res.Iterations, "final_score", res.FinalScore)
		sess.Publish(event.StreamEnd())

	case errors.Is(err, errTerminated):
		logger.Info("generation terminated")
		sess.Publish(event.StreamEnd())

	case errors.Is(err, context.Canceled), errors.Is(err, session.ErrCancelled):
		// Disposal cancelled us; the queue is closed or closing, nothing to emit.
		logger.Info("generation cancelled")

	default:
		logger.Error("generation failed", "error", err)
		// Error event first: once the state is terminal the queue drops
		// everything except stream_end.
		sess.Publish(event.Error(err.Error()))
		if serr := sess.SetState(session.StateError); serr != nil {
			logger.Error("marking session errored", "error", serr)
		}
		sess.Publish(event.StreamEnd())
	}
}

// collaborate runs the generate → score → refine loop, then the optional
// approval gate, and produces the final artifact.
func (r *Runner) collaborate(ctx context.Context, sess *session.Session, req Request) (session.Result, error) {
	emit := func(agent, chunk string) {
		sess.Publish(event.AgentMessage(agent, chunk, true))
	}

	draft, err := r.team.Generate(ctx, req, emit)
	if err != nil {
		return session.Result{}, fmt.Errorf("generating draft: %w", err)
	}

	var iteration, score int
	scoreDraft := func() error {
		iteration++
		s, err := r.team.Check(ctx, req, draft, iteration, emit)
		if err != nil {
			return fmt.Errorf("scoring iteration %d: %w", iteration, err)
		}
		score = s
		sess.Publish(event.QualityScore(score, iteration))
		return nil
	}

	if err := scoreDraft(); err != nil {
		return session.Result{}, err
	}

	// Automatic refinement until the threshold is met or the iteration
	// budget runs out. Running out of budget is normal completion; the
	// artifact ships with its last score.
	for score < r.opts.ScoreThreshold && iteration < req.MaxIterations {
		var feedback string
		if req.Interactive {
			prompt := fmt.Sprintf("Iteration %d scored %d/100. Provide guidance for the next revision, or TERMINATE to stop.", iteration, score)
			feedback, err = r.awaitHuman(ctx, sess, prompt, false)
			if err != nil {
				return session.Result{}, err
			}
		}

		draft, err = r.team.Refine(ctx, req, draft, feedback, iteration, emit)
		if err != nil {
			return session.Result{}, fmt.Errorf("refining draft: %w", err)
		}
		if err := scoreDraft(); err != nil {
			return session.Result{}, err
		}
	}

	// Approval gate. A rejection consumes one iteration of budget; rejecting
	// with none left terminates the session.
	for req.Review {
		prompt := fmt.Sprintf("Final draft scored %d/100. Reply APPROVE to accept, or REJECT: <feedback> to request changes.", score)
		payload, err := r.awaitHuman(ctx, sess, prompt, true)
		if err != nil {
			return session.Result{}, err
		}

		if strings.EqualFold(strings.TrimSpace(payload), approvePayload) {
			break
		}

		if iteration >= req.MaxIterations {
			sess.Publish(event.System("Revision requested but iteration budget is exhausted; terminating session."))
			if serr := sess.SetState(session.StateTerminated); serr != nil {
				r.logger.Warn("terminating session", "session_id", sess.ID, "error", serr)
			}
			return session.Result{}, errTerminated
		}

		feedback := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(payload), rejectPayloadPrefix))
		sess.Publish(event.System("Revision requested by reviewer."))

		draft, err = r.team.Refine(ctx, req, draft, feedback, iteration, emit)
		if err != nil {
			return session.Result{}, fmt.Errorf("refining draft: %w", err)
		}
		if err := scoreDraft(); err != nil {
			return session.Result{}, err
		}
	}

	code, language, ok := ExtractCode(draft)
	if !ok {
		code = strings.TrimSpace(draft)
	}
	if language == "" {
		language = req.Language
	}

	sess.Publish(event.CodeOutput(code, language, iteration, score))
	sess.Publish(event.System("Task completed. Final code delivered."))

	return session.Result{
		Code:       code,
		Language:   language,
		Iterations: iteration,
		FinalScore: score,
	}, nil
}

// awaitHuman parks the pipeline at the session's input gate and interprets
// the control payloads. A timeout or a TERMINATE payload moves the session to
// terminated and returns errTerminated; TERMINATE deliberately emits no
// further conversational events so the next event on the wire is stream_end.
func (r *Runner) awaitHuman(ctx context.Context, sess *session.Session, prompt string, approval bool) (string, error) {
	payload, err := sess.AwaitInput(ctx, prompt, r.opts.InputTimeout, approval)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrInputTimeout):
		sess.Publish(event.System("No input received within the allowed window; terminating session."))
		if serr := sess.SetState(session.StateTerminated); serr != nil {
			r.logger.Warn("terminating timed-out session", "session_id", sess.ID, "error", serr)
		}
		return "", errTerminated
	default:
		return "", err
	}

	if strings.EqualFold(strings.TrimSpace(payload), TerminatePayload) {
		if serr := sess.SetState(session.StateTerminated); serr != nil {
			r.logger.Warn("terminating session", "session_id", sess.ID, "error", serr)
		}
		return "", errTerminated
	}
	return payload, nil
}
