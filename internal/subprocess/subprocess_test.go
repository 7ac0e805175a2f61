package subprocess

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func TestRunStreamsStdoutLines(t *testing.T) {
	r := NewRunner(nil)
	var got lineCollector

	err := r.Run(context.Background(), Config{
		Command: "sh",
		Args:    []string{"-c", `printf 'one\ntwo\nthree\n'`},
	}, got.add)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, got.snapshot())
}

func TestRunReturnsExitErrorWithStderrTail(t *testing.T) {
	r := NewRunner(nil)

	err := r.Run(context.Background(), Config{
		Command: "sh",
		Args:    []string{"-c", `echo boom >&2; exit 3`},
	}, nil)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Stderr, "boom")
}

func TestRunCancellationKillsProcess(t *testing.T) {
	r := NewRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, Config{
			Command: "sh",
			Args:    []string{"-c", "sleep 30"},
		}, nil)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not terminate after cancellation")
	}
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner(nil)

	start := time.Now()
	err := r.Run(context.Background(), Config{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 200 * time.Millisecond,
	}, nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunUnknownCommand(t *testing.T) {
	r := NewRunner(nil)
	err := r.Run(context.Background(), Config{Command: "definitely-not-a-binary-xyz"}, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestRunRespectsWorkingDir(t *testing.T) {
	r := NewRunner(nil)
	dir := t.TempDir()
	var got lineCollector

	err := r.Run(context.Background(), Config{
		Command:    "pwd",
		WorkingDir: dir,
	}, got.add)
	require.NoError(t, err)
	lines := got.snapshot()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], dir)
}

func TestTailBufferKeepsNewestBytes(t *testing.T) {
	b := newTailBuffer(8)
	_, err := b.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", b.String())
}
