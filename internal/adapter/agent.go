package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/forgeline/director/internal/store/model"
	"github.com/pkg/errors"
)

const agentWaitDelay = 5 * time.Second

// AgentAdapter runs the autonomous agent as a child process: the job payload goes to stdin
// and the result is read from stdout. The agent runs in its own process group and cancelling
// the context kills the whole group.
type AgentAdapter struct {
	name    string
	command []string
	workdir string
}

func NewAgentAdapter(name string, command []string, workdir string) *AgentAdapter {
	return &AgentAdapter{name: name, command: command, workdir: workdir}
}

func (a *AgentAdapter) Name() string {
	return a.name
}

func (a *AgentAdapter) Interruptible() bool {
	return true
}

func (a *AgentAdapter) Execute(ctx context.Context, jobType model.JobType, payload json.RawMessage) (json.RawMessage, error) {
	if jobType != model.JobTypeAgentRun {
		return nil, NewErrUnsupportedJobType(a.name, jobType)
	}
	if len(a.command) == 0 {
		return nil, errors.New("agent command is not configured")
	}

	cmd := exec.CommandContext(ctx, a.command[0], a.command[1:]...)
	cmd.Dir = a.workdir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = agentWaitDelay
	killProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "agent interrupted")
		}
		return nil, errors.Wrapf(err, "agent exited: %s", tail(stderr.String(), 500))
	}

	return agentResult(stdout.Bytes())
}

// Ping only checks that the agent binary can be found; starting the agent is too expensive
// for a probe.
func (a *AgentAdapter) Ping(_ context.Context) error {
	if len(a.command) == 0 {
		return errors.New("agent command is not configured")
	}
	if _, err := exec.LookPath(a.command[0]); err != nil {
		return errors.Wrapf(err, "locating agent command %q", a.command[0])
	}
	return nil
}

// agentResult accepts stdout that is a JSON document, or takes the last line that is a JSON
// object. Anything else is returned as plain output.
func agentResult(stdout []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(stdout)
	if json.Valid(trimmed) && len(trimmed) > 0 {
		return json.RawMessage(trimmed), nil
	}

	var last []byte
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) > 0 && line[0] == '{' && json.Valid(line) {
			last = append(last[:0], line...)
		}
	}
	if last != nil {
		return json.RawMessage(last), nil
	}

	data, err := json.Marshal(map[string]string{"output": string(trimmed)})
	if err != nil {
		return nil, errors.Wrap(err, "encoding agent output")
	}
	return data, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
