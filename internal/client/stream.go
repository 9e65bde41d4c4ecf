// ABOUTME: SSE subscriber with capped exponential backoff reconnection
// ABOUTME: Parses data frames, filters unknown event types, detects stream end

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/forgelab/forge-gateway/internal/config"
	"github.com/forgelab/forge-gateway/internal/event"
	"github.com/forgelab/forge-gateway/internal/session"
)

// ErrRetriesExhausted is returned when the subscriber gives up reconnecting.
var ErrRetriesExhausted = errors.New("stream retries exhausted")

// ConnState describes the subscriber's connection phase, reported through
// StreamOptions.OnState.
type ConnState string

const (
	StateConnected ConnState = "connected"
	StateRetrying  ConnState = "retrying"
	StateFailed    ConnState = "failed"
)

// Handler receives each streamed event in arrival order.
type Handler func(ev event.Event)

// StreamOptions tune reconnection behavior.
type StreamOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// OnState, if set, observes connection phase changes.
	OnState func(state ConnState, attempt int)
}

// OptionsFromConfig maps the client config section onto StreamOptions.
func OptionsFromConfig(cfg config.ClientConfig) StreamOptions {
	return StreamOptions{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}
}

func (o *StreamOptions) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
}

// knownTypes is the set of event variants this client understands. Anything
// else on the wire is skipped so old clients survive new server versions.
var knownTypes = map[event.Type]bool{
	event.TypeAgentMessage: true,
	event.TypeCodeOutput:   true,
	event.TypeQualityScore: true,
	event.TypeSystem:       true,
	event.TypeError:        true,
	event.TypeInputRequest: true,
	event.TypeHeartbeat:    true,
	event.TypeStreamEnd:    true,
}

// Stream subscribes to a session's event feed and invokes handle for each
// event until the stream ends. Dropped connections are retried with doubling
// delays capped at MaxDelay; the attempt counter resets once a connection
// delivers a frame. Before each retry the session status is consulted: if the session
// already reached a terminal state the closing events were simply missed and
// the stream is treated as ended. An unknown or disposed session fails
// immediately without retrying.
func (c *Client) Stream(ctx context.Context, sessionID string, opts StreamOptions, handle Handler) error {
	opts.applyDefaults()

	notify := func(state ConnState, attempt int) {
		if opts.OnState != nil {
			opts.OnState(state, attempt)
		}
	}

	attempt := 0
	delay := opts.BaseDelay

	for {
		ended, err := c.streamOnce(ctx, sessionID, handle, func() {
			attempt = 0
			delay = opts.BaseDelay
			notify(StateConnected, 0)
		})
		if ended {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// An unknown or disposed session is fatal, not a transport drop;
		// retrying cannot bring it back.
		if errors.Is(err, session.ErrNotFound) {
			notify(StateFailed, attempt)
			return err
		}

		// A terminal session means the final events raced the disconnect;
		// there is nothing left to stream.
		st, serr := c.Status(ctx, sessionID)
		switch {
		case serr == nil && st.Terminal():
			return nil
		case errors.Is(serr, session.ErrNotFound):
			notify(StateFailed, attempt)
			return fmt.Errorf("session gone while streaming: %w", serr)
		}

		attempt++
		if attempt > opts.MaxRetries {
			notify(StateFailed, attempt)
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}

		notify(StateRetrying, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

// streamOnce runs a single SSE connection. onConnect fires after the server
// accepts the subscription. ended is true only when stream_end arrived.
func (c *Client) streamOnce(ctx context.Context, sessionID string, handle Handler, onConnect func()) (ended bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stream/"+sessionID, nil)
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The streaming connection must outlive the client's request timeout.
	streamc := &http.Client{Transport: c.httpc.Transport}
	resp, err := streamc.Do(req)
	if err != nil {
		return false, fmt.Errorf("connecting stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, apiError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// The connection only counts as established once a frame arrives;
	// a server that accepts and immediately drops must burn a retry.
	established := false

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if !established {
			established = true
			onConnect()
		}

		var ev event.Event
		if uerr := json.Unmarshal([]byte(data), &ev); uerr != nil {
			continue
		}
		if !knownTypes[ev.Type] {
			continue
		}

		handle(ev)
		if ev.Type == event.TypeStreamEnd {
			return true, nil
		}
	}

	if serr := scanner.Err(); serr != nil {
		return false, fmt.Errorf("reading stream: %w", serr)
	}
	return false, errors.New("stream closed before stream_end")
}
