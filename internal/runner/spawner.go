// Package runner implements the agent runner pool: bounded per-workflow
// concurrency, worktree provisioning, context assembly, the stagnation
// monitor, and the post-completion PR cycle hook. Agents are external
// processes; the pool only spawns and supervises them.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cawdev/caw/internal/contextpack"
)

// AgentEventKind discriminates spawner events.
type AgentEventKind string

const (
	// EventProgress carries a turn count and state fingerprint.
	EventProgress AgentEventKind = "progress"
	// EventResult terminates the stream with the agent's outcome.
	EventResult AgentEventKind = "result"
)

// AgentEvent is one observation from a running agent. Progress events
// feed the stagnation monitor; the final Result event carries the
// outcome or error.
type AgentEvent struct {
	Kind        AgentEventKind
	Turns       int
	Fingerprint string
	Outcome     string
	Artifacts   map[string]any
	Err         error
}

// SpawnRequest is everything an agent invocation needs.
type SpawnRequest struct {
	WorkflowID    string
	TaskID        string
	AgentID       string
	WorkspacePath string
	Context       *contextpack.Pack
	SpawnerConfig map[string]any
}

// AgentSpawner launches an external agent and streams its events. The
// channel is closed after the Result event. Cancelling ctx terminates
// the child.
type AgentSpawner interface {
	Run(ctx context.Context, req SpawnRequest) (<-chan AgentEvent, error)
}

// Compile-time check that ExecSpawner implements AgentSpawner.
var _ AgentSpawner = (*ExecSpawner)(nil)

// ExecSpawner runs the configured external command with the context
// pack on stdin and parses one JSON event per stdout line.
type ExecSpawner struct {
	Command string
	Args    []string
}

// NewExecSpawner creates an ExecSpawner for the given command line.
func NewExecSpawner(command string, args ...string) *ExecSpawner {
	return &ExecSpawner{Command: command, Args: args}
}

// wireEvent is the line format emitted by the agent process.
type wireEvent struct {
	Kind        string         `json:"kind"`
	Turns       int            `json:"turns"`
	Fingerprint string         `json:"fingerprint"`
	Outcome     string         `json:"outcome"`
	Artifacts   map[string]any `json:"artifacts"`
	Error       string         `json:"error"`
}

// Run starts the agent process. Events stream until the process exits;
// a missing Result event is synthesized from the exit status.
func (s *ExecSpawner) Run(ctx context.Context, req SpawnRequest) (<-chan AgentEvent, error) {
	payload, err := json.Marshal(req.Context)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	args := append([]string{}, s.Args...)
	args = append(args, "--workflow", req.WorkflowID, "--task", req.TaskID)
	//nolint:gosec // G204: command comes from user configuration
	cmd := exec.CommandContext(ctx, s.Command, args...)
	cmd.Dir = req.WorkspacePath
	cmd.Stdin = strings.NewReader(string(payload))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn agent: %w", err)
	}

	events := make(chan AgentEvent, 16)
	go func() {
		defer close(events)

		sawResult := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var we wireEvent
			if err := json.Unmarshal(scanner.Bytes(), &we); err != nil {
				continue
			}
			ev := AgentEvent{
				Turns:       we.Turns,
				Fingerprint: we.Fingerprint,
				Outcome:     we.Outcome,
				Artifacts:   we.Artifacts,
			}
			if we.Kind == string(EventResult) {
				ev.Kind = EventResult
				if we.Error != "" {
					ev.Err = fmt.Errorf("%s", we.Error)
				}
				sawResult = true
			} else {
				ev.Kind = EventProgress
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
			if sawResult {
				break
			}
		}

		err := cmd.Wait()
		if !sawResult {
			ev := AgentEvent{Kind: EventResult}
			if err != nil {
				ev.Err = fmt.Errorf("agent exited: %w", err)
			} else {
				ev.Err = fmt.Errorf("agent exited without a result")
			}
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
	}()
	return events, nil
}
