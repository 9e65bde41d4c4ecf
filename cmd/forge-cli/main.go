// ABOUTME: Terminal client for forge-gateway generation sessions
// ABOUTME: Streams the event feed, coalesces chunks, and drives input gates

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/forgelab/forge-gateway/internal/client"
	"github.com/forgelab/forge-gateway/internal/config"
	"github.com/forgelab/forge-gateway/internal/event"
)

// getConfigPath returns the path to the gateway config file.
// Priority: FORGE_CONFIG env var > XDG_CONFIG_HOME/forge/gateway.yaml > ~/.config/forge/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FORGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "forge", "gateway.yaml")
}

// loadConfig reads the shared config file, falling back to defaults when none
// exists. The client section tunes reconnection behavior.
func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func main() {
	var (
		server      = flag.String("server", "http://localhost:8080", "gateway base URL")
		language    = flag.String("language", "python", "target language")
		contextNote = flag.String("context", "", "extra context for the generator")
		iterations  = flag.Int("iterations", 0, "max refinement iterations (0 = server default)")
		review      = flag.Bool("review", false, "require approval before final code")
		interactive = flag.Bool("interactive", false, "offer guidance between iterations")
	)
	flag.Parse()

	requirements := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if requirements == "" {
		fmt.Fprintln(os.Stderr, "Usage: forge-cli [flags] <requirements...>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, generateRequest{
		Requirements:  requirements,
		Language:      *language,
		Context:       *contextNote,
		MaxIterations: *iterations,
		Review:        *review,
		Interactive:   *interactive,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// generateRequest mirrors the gateway's generate body.
type generateRequest struct {
	Requirements  string `json:"requirements"`
	Language      string `json:"language"`
	Context       string `json:"context,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Review        bool   `json:"review,omitempty"`
	Interactive   bool   `json:"interactive,omitempty"`
}

func run(ctx context.Context, server string, req generateRequest) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c := client.New(server)

	start, err := c.StartGeneration(ctx, req)
	if err != nil {
		return fmt.Errorf("starting generation: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("session %s\n\n", start.SessionID)

	r := &renderer{
		client:    c,
		sessionID: start.SessionID,
		stdin:     bufio.NewReader(os.Stdin),
		agentColors: map[string]*color.Color{
			"code_generator":  color.New(color.FgCyan),
			"quality_checker": color.New(color.FgYellow),
			"code_optimizer":  color.New(color.FgMagenta),
		},
	}

	opts := client.OptionsFromConfig(cfg.Client)
	opts.OnState = func(state client.ConnState, attempt int) {
		if state == client.StateRetrying {
			gray.Printf("\n[reconnecting, attempt %d]\n", attempt)
		}
	}

	err = c.Stream(ctx, start.SessionID, opts, func(ev event.Event) {
		r.render(ctx, ev)
	})

	if errors.Is(err, client.ErrRetriesExhausted) {
		// The session may still have finished server-side.
		gray.Println("\n[stream lost; fetching final status]")
		return r.printFinalStatus(ctx)
	}
	return err
}

// renderer turns the event feed into terminal output. Chunk runs are drawn
// incrementally: each merged update prints only the text added since the
// previous one.
type renderer struct {
	client    *client.Client
	sessionID string
	stdin     *bufio.Reader

	coalescer   event.Coalescer
	agentColors map[string]*color.Color

	lastAgent string
	lastLen   int
}

func (r *renderer) render(ctx context.Context, ev event.Event) {
	for _, m := range r.coalescer.Apply(ev) {
		r.renderMerged(ctx, m)
	}
}

func (r *renderer) renderMerged(ctx context.Context, m event.Merged) {
	ev := m.Event

	switch ev.Type {
	case event.TypeHeartbeat:
		return

	case event.TypeAgentMessage:
		if !m.Replace {
			r.finishRun()
			r.agentColor(ev.Agent).Printf("%s: ", ev.Agent)
			r.lastAgent = ev.Agent
			r.lastLen = 0
		}
		fmt.Print(ev.Message[r.lastLen:])
		r.lastLen = len(ev.Message)

	case event.TypeQualityScore:
		r.finishRun()
		score, iter := 0, 0
		if ev.Score != nil {
			score = *ev.Score
		}
		if ev.Iteration != nil {
			iter = *ev.Iteration
		}
		color.New(color.FgYellow, color.Bold).Printf("── quality: %d/100 (iteration %d)\n", score, iter)

	case event.TypeCodeOutput:
		r.finishRun()
		color.New(color.FgGreen, color.Bold).Printf("── final code (%s)\n", ev.Language)
		fmt.Println(ev.Code)

	case event.TypeSystem:
		r.finishRun()
		color.New(color.FgHiBlack).Printf("[%s]\n", ev.Message)

	case event.TypeError:
		r.finishRun()
		color.New(color.FgRed, color.Bold).Printf("error: %s\n", ev.Message)

	case event.TypeInputRequest:
		r.finishRun()
		r.promptForInput(ctx, ev.Prompt)

	case event.TypeStreamEnd:
		r.finishRun()
		color.New(color.FgHiBlack).Println("[stream ended]")
	}
}

// finishRun terminates an in-progress chunk run with a newline.
func (r *renderer) finishRun() {
	if r.lastAgent != "" {
		fmt.Println()
		r.lastAgent = ""
		r.lastLen = 0
	}
}

func (r *renderer) agentColor(agent string) *color.Color {
	if c, ok := r.agentColors[agent]; ok {
		return c
	}
	return color.New(color.FgWhite)
}

func (r *renderer) promptForInput(ctx context.Context, prompt string) {
	color.New(color.FgCyan, color.Bold).Printf("\n%s\n> ", prompt)

	line, err := r.stdin.ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimSpace(line)

	if err := r.client.SubmitInput(ctx, r.sessionID, line); err != nil {
		fmt.Fprintf(os.Stderr, "submitting input: %v\n", err)
	}
}

// printFinalStatus reports the session outcome when the live stream is gone.
func (r *renderer) printFinalStatus(ctx context.Context) error {
	statusCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := r.client.Status(statusCtx, r.sessionID)
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}

	fmt.Printf("status: %s\n", st.Status)
	if st.Result != nil {
		color.New(color.FgGreen, color.Bold).Printf("── final code (%s, score %d)\n", st.Result.Language, st.Result.FinalScore)
		fmt.Println(st.Result.Code)
	}
	return nil
}
