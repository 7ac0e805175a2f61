// Package subprocess runs engine CLI processes and streams their stdout
// line by line. Processes get their own process group so cancellation can
// take down the whole tree, not just the direct child.
package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"agentd/internal/logging"
)

const (
	// maxLineBytes bounds a single stdout line. Engine CLIs emit one JSON
	// object per line; aggregated command output can make those lines large.
	maxLineBytes = 4 * 1024 * 1024

	// stderrTailBytes is how much trailing stderr is kept for diagnostics.
	stderrTailBytes = 8 * 1024

	// termGrace is how long a process gets between SIGTERM and SIGKILL.
	termGrace = 5 * time.Second
)

// ErrTimeout reports that the process exceeded its configured deadline.
var ErrTimeout = errors.New("subprocess timed out")

// ExitError reports a process that exited nonzero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("process exited with code %d", e.Code)
	}
	return fmt.Sprintf("process exited with code %d: %s", e.Code, e.Stderr)
}

// Config describes one process invocation.
type Config struct {
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
	// Timeout is the hard deadline for the whole run; 0 means no deadline.
	Timeout time.Duration
}

// LineHandler receives each stdout line with the trailing newline stripped.
type LineHandler func(line string)

// Runner executes processes. The zero value is unusable; use NewRunner.
type Runner struct {
	logger logging.Logger
}

// NewRunner builds a Runner.
func NewRunner(logger logging.Logger) *Runner {
	return &Runner{logger: logging.OrNop(logger)}
}

// Run starts the process and blocks until it exits, invoking onLine for
// every stdout line. Cancelling ctx terminates the process group and Run
// returns ctx.Err(). A timeout returns an error wrapping ErrTimeout, and a
// nonzero exit returns an *ExitError carrying the stderr tail.
func (r *Runner) Run(ctx context.Context, cfg Config, onLine LineHandler) error {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	r.logger.Debug("started %s pid=%d dir=%s", cfg.Command, cmd.Process.Pid, cfg.WorkingDir)

	runCtx := ctx
	var cancel context.CancelFunc
	var timedOut func() bool
	if cfg.Timeout > 0 {
		var deadlineCtx context.Context
		deadlineCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		runCtx = deadlineCtx
		timedOut = func() bool { return errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) }
		defer cancel()
	}

	done := make(chan struct{})
	var killOnce sync.Once
	go func() {
		select {
		case <-runCtx.Done():
			killOnce.Do(func() { r.terminate(cmd) })
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	close(done)

	switch {
	case timedOut != nil && timedOut():
		r.logger.Warn("%s exceeded %s deadline", cfg.Command, cfg.Timeout)
		return fmt.Errorf("%w after %s", ErrTimeout, cfg.Timeout)
	case ctx.Err() != nil:
		return ctx.Err()
	}

	if scanErr != nil {
		return fmt.Errorf("read stdout: %w", scanErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return waitErr
	}
	return nil
}

// terminate signals the process group with SIGTERM, escalating to SIGKILL
// after a grace period.
func (r *Runner) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		// Group may already be gone; fall back to the direct child.
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	r.logger.Debug("sent SIGTERM to pgid %d", -pgid)

	time.AfterFunc(termGrace, func() {
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	})
}

// tailBuffer is an io.Writer keeping only the newest max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
