package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/example/ttsworkerd/internal/protocol"
)

// childProcess owns the one OS process a Worker is allowed, per spec.md
// §3's invariant "at most one child process per Worker". It is spawned
// with a long lifetime (unlike the teacher's one-shot cliSynthesizer) and
// torn down cooperatively: terminate, then kill, on a grace-period
// escalation.
type childProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames *protocol.FrameReader

	mu       sync.Mutex
	stdinErr error

	stderrLines chan string
	exited      chan struct{}
	exitErr     error
}

// spawnOptions configures the child's argv and environment.
type spawnOptions struct {
	executablePath string
	args           []string
	modelName      string
	cacheDir       string
}

func spawnChild(ctx context.Context, opts spawnOptions) (*childProcess, error) {
	exe := opts.executablePath
	if exe == "" {
		exe = "tts-synth-worker"
	}

	cmd := exec.Command(exe, opts.args...)
	cmd.Env = append(cmd.Environ(),
		fmt.Sprintf("MODEL_NAME=%s", opts.modelName),
		fmt.Sprintf("CACHE_DIR=%s", opts.cacheDir),
		"PYTHONUNBUFFERED=1",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker process stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker process stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker process stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker process: %w", err)
	}

	cp := &childProcess{
		cmd:         cmd,
		stdin:       stdin,
		frames:      protocol.NewFrameReader(stdout),
		stderrLines: make(chan string, 64),
		exited:      make(chan struct{}),
	}

	go cp.pumpStderr(stderr)
	go cp.awaitExit()

	return cp, nil
}

func (c *childProcess) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		select {
		case c.stderrLines <- scanner.Text():
		default:
			// Drop this line when the buffer is full rather than block the pump;
			// stderr is opaque log output, not control signal.
		}
	}
}

func (c *childProcess) awaitExit() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.exitErr = err
	c.mu.Unlock()
	close(c.exited)
}

// write frames one already-encoded, newline-terminated message to the
// child's stdin.
func (c *childProcess) write(frame []byte) error {
	_, err := c.stdin.Write(frame)
	return err
}

// nextFrame blocks for the next newline-terminated line from stdout.
func (c *childProcess) nextFrame() ([]byte, error) {
	return c.frames.Next()
}

// done is closed once the child process has exited.
func (c *childProcess) done() <-chan struct{} {
	return c.exited
}

func (c *childProcess) exitError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// shutdown gives the child termGrace to exit on its own (the caller has
// already sent the protocol-level shutdown frame), then escalates: SIGTERM,
// then SIGKILL after a further killGrace, per spec.md §4.2's SHUTTING_DOWN
// state.
func (c *childProcess) shutdown(termGrace, killGrace time.Duration) {
	select {
	case <-c.exited:
		return
	case <-time.After(termGrace):
	}

	select {
	case <-c.exited:
		return
	default:
		_ = c.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-c.exited:
		return
	case <-time.After(killGrace):
		_ = c.cmd.Process.Kill()
	}
}
