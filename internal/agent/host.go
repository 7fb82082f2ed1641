// Package agent hosts AI agent CLI sessions and parses their output streams.
// A session is a long-lived child process attached to a pseudo-terminal,
// speaking NDJSON ("stream-json") on both directions.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

// Chunk is one line of raw child output. Terminal is set on the final chunk
// after the child exits, carrying its exit code.
type Chunk struct {
	Line     string
	Terminal bool
	ExitCode int
}

// Health reports whether the child is alive.
type Health struct {
	Alive    bool
	ExitCode int
}

// Session is a live agent process. Sends and output reads are each
// single-caller: the engine drives one exchange at a time.
type Session interface {
	Send(ctx context.Context, content string) error
	Output() <-chan Chunk
	Close() error
	Kill() error
	Health() Health
}

// Command describes how to launch an agent CLI.
type Command struct {
	Binary       string
	Model        string
	SystemPrompt string
	Dir          string
	ExtraArgs    []string
}

// args builds the CLI invocation for a long-lived stream-json session.
func (c Command) args() []string {
	args := []string{
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if c.SystemPrompt != "" {
		args = append(args, "--system-prompt", c.SystemPrompt)
	}
	return append(args, c.ExtraArgs...)
}

// Host runs one agent CLI child on a pseudo-terminal.
type Host struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	ptmx     *os.File
	out      chan Chunk
	waitOnce sync.Once
	waitErr  error
	exitCode int
	exited   bool
}

// Spawn launches the agent CLI in the given working tree. The returned host
// owns the child until Close or Kill.
func Spawn(command Command) (*Host, error) {
	binary := command.Binary
	if binary == "" {
		binary = "claude"
	}
	cmd := exec.Command(binary, command.args()...)
	cmd.Dir = command.Dir
	cmd.Env = filteredEnv(os.Environ())

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, core.ErrTransientAgent(core.CodeSessionDead,
			fmt.Sprintf("spawning %s: %v", binary, err))
	}

	h := &Host{
		cmd:  cmd,
		ptmx: ptmx,
		out:  make(chan Chunk, 64),
	}
	go h.readLoop()
	return h, nil
}

// filteredEnv strips CLAUDE* variables so a nested agent invocation starts
// from a clean slate.
func filteredEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDE") {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}

// readLoop streams child output line by line. Lines are bounded so a runaway
// child cannot exhaust memory; overly long lines are split, which the parser
// tolerates for passthrough text.
func (h *Host) readLoop() {
	defer close(h.out)

	reader := bufio.NewReaderSize(h.ptmx, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			h.out <- Chunk{Line: strings.TrimRight(line, "\r\n")}
		}
		if err != nil {
			break
		}
	}

	code := h.reap()
	h.out <- Chunk{Terminal: true, ExitCode: code}
}

// reap waits for the child exactly once and records its exit code.
func (h *Host) reap() int {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		h.mu.Lock()
		h.exited = true
		h.exitCode = h.cmd.ProcessState.ExitCode()
		h.mu.Unlock()
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Send writes a user message frame to the child's standard input.
func (h *Host) Send(ctx context.Context, content string) error {
	if !h.Health().Alive {
		return core.ErrTransientAgent(core.CodeSessionDead, "agent process has exited")
	}

	frame, err := EncodeUserMessage(content)
	if err != nil {
		return fmt.Errorf("encoding message frame: %w", err)
	}

	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := h.ptmx.Write(frame)
		done <- result{err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return core.ErrTransientAgent(core.CodeSessionDead,
				fmt.Sprintf("writing to agent: %v", r.err))
		}
		return nil
	}
}

// Output returns the stream of raw output chunks. The channel closes after
// the terminal chunk once the child exits.
func (h *Host) Output() <-chan Chunk {
	return h.out
}

// Health reports child liveness.
func (h *Host) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return Health{Alive: false, ExitCode: h.exitCode}
	}
	return Health{Alive: true}
}

// Close terminates the child gracefully, escalating to SIGKILL after a grace
// period. The child is reaped before the handle is released.
func (h *Host) Close() error {
	if h.Health().Alive && h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)

		deadline := time.After(5 * time.Second)
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
	wait:
		for {
			select {
			case <-deadline:
				_ = h.cmd.Process.Kill()
				break wait
			case <-tick.C:
				if !h.Health().Alive {
					break wait
				}
			}
		}
	}
	err := h.ptmx.Close()
	h.reap()
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Kill forcibly terminates the child and reaps it.
func (h *Host) Kill() error {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	_ = h.ptmx.Close()
	h.reap()
	return nil
}

// EncodeUserMessage renders the stream-json user frame for one message.
func EncodeUserMessage(content string) ([]byte, error) {
	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
