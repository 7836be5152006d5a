package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/cuemby/seedhost/pkg/lines"
	"github.com/rs/zerolog"
)

// Process is a running event feed subprocess
type Process interface {
	// Stdout is the newline-delimited JSON event feed
	Stdout() io.Reader

	// Signal delivers sig to the subprocess
	Signal(sig os.Signal) error

	// Wait blocks until the subprocess exits and releases its resources
	Wait() error
}

// Spawner starts the event feed subprocess for a user's node container
type Spawner interface {
	Spawn(ctx context.Context, userKey, containerRef string) (Process, error)
}

// ExecSpawner runs the event feed as a local command
type ExecSpawner struct {
	// Argv builds the command line for a user and container
	Argv   func(userKey, containerRef string) []string
	Env    []string
	Logger zerolog.Logger
}

// Spawn starts the command. The subprocess is not bound to ctx: it outlives
// the request that caused it to start and is stopped by the multiplexer.
func (e *ExecSpawner) Spawn(ctx context.Context, userKey, containerRef string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv := e.Argv(userKey, containerRef)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty event command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), e.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	logger := e.Logger.With().Str("user_id", userKey).Str("container", containerRef).Logger()
	stderr := lines.NewSplitter(func(line string) {
		logger.Debug().Str("stderr", line).Msg("event feed output")
	})
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}
