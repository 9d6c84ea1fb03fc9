// Package claudecli drives the Claude Code CLI as a subprocess in
// stream-json mode: user messages go in as NDJSON on stdin, stream events
// come out as NDJSON on stdout. Permission prompts are routed to the local
// MCP approve tool, so sensitive tool calls block until a human decides.
package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/haasonsaas/tether/internal/runner"
	"github.com/haasonsaas/tether/pkg/models"
)

const (
	// approveToolName is the fully qualified MCP tool the CLI invokes for
	// permission prompts: mcp__<server>__<tool>.
	approveToolName = "mcp__permission__approve"

	// scanBufferSize bounds a single stdout line. Tool results can carry
	// large file contents.
	scanBufferSize = 1024 * 1024

	// stderrTailLimit caps how much stderr is kept for error reporting.
	stderrTailLimit = 4096
)

// Runtime executes agent turns via the Claude Code CLI.
type Runtime struct {
	bin     string
	gateURL string
	model   string
	logger  *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithModel sets a default model passed to the CLI when the session does not
// name one.
func WithModel(model string) Option {
	return func(r *Runtime) {
		r.model = model
	}
}

// NewRuntime creates a CLI-backed runtime. bin is the claude executable and
// gateURL is the local MCP permission server endpoint (e.g.
// http://127.0.0.1:3002/mcp).
func NewRuntime(bin, gateURL string, logger *slog.Logger, opts ...Option) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		bin:     bin,
		gateURL: gateURL,
		logger:  logger.With("component", "claudecli"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Query runs one agent turn. It blocks until the CLI process exits, the
// input channel closes, or ctx is cancelled. Cancellation kills the
// subprocess and returns ctx.Err().
func (r *Runtime) Query(ctx context.Context, req runner.QueryRequest, sink runner.EventSink) error {
	args, err := r.buildArgs(req)
	if err != nil {
		return fmt.Errorf("build claude args: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.bin, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open claude stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open claude stdout: %w", err)
	}
	stderr := &tailBuffer{limit: stderrTailLimit}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start claude: %w", err)
	}
	r.logger.Debug("claude started", "owner", req.Owner, "pid", cmd.Process.Pid,
		"resume", req.ConversationToken != "")

	go r.writeInput(ctx, stdin, req.Input)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		events, err := decodeLine(line)
		if err != nil {
			r.logger.Warn("undecodable stream line skipped", "owner", req.Owner, "error", err)
			continue
		}
		for _, e := range events {
			sink.Emit(ctx, e)
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return fmt.Errorf("claude exited: %w: %s", waitErr, stderr.String())
	}
	if scanErr != nil {
		return fmt.Errorf("read claude stream: %w", scanErr)
	}
	return nil
}

// writeInput streams user messages to the CLI as NDJSON and closes stdin
// when the input channel closes, which signals end of turn input.
func (r *Runtime) writeInput(ctx context.Context, stdin io.WriteCloser, input <-chan string) {
	defer stdin.Close()
	enc := json.NewEncoder(stdin)
	for {
		select {
		case msg, ok := <-input:
			if !ok {
				return
			}
			if err := enc.Encode(userMessage(msg)); err != nil {
				r.logger.Warn("stdin write failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildArgs assembles the CLI invocation for one turn.
func (r *Runtime) buildArgs(req runner.QueryRequest) ([]string, error) {
	mcpConfig, err := json.Marshal(map[string]any{
		"mcpServers": map[string]any{
			"permission": map[string]any{
				"type": "http",
				"url":  r.gateURL,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--mcp-config", string(mcpConfig),
		"--permission-prompt-tool", approveToolName,
		"--allowedTools", approveToolName,
	}
	if req.ConversationToken != "" {
		args = append(args, "--resume", req.ConversationToken)
	}
	if mode := req.PermissionMode; mode != "" && mode != models.PermissionDefault {
		args = append(args, "--permission-mode", string(mode))
	}
	model := req.Model
	if model == "" {
		model = r.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args, nil
}

// userMessage builds one stream-json input record.
func userMessage(text string) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	data  []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if len(b.data) > b.limit {
		b.data = b.data[len(b.data)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return strings.TrimSpace(string(b.data))
}
