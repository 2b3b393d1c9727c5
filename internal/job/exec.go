package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Result holds the captured output of one process execution.
type Result struct {
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
}

// ExitError reports a process that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// Execute runs the job's process to completion, capturing output.
// A non-nil Result is returned whenever the process was started.
func Execute(ctx context.Context, j Job) (*Result, error) {
	cmd := exec.CommandContext(ctx, j.command, j.args...)
	if j.dir != "" {
		cmd.Dir = j.dir
	}
	if len(j.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range j.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	combined := &lockedBuffer{}
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = io.MultiWriter(&stderr, combined)

	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Code: res.ExitCode}
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("failed to run %s: %w", j.command, err)
	}
}

// lockedBuffer serialises writes from the stdout and stderr copiers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
