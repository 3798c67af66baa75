// Package procexec is the one-shot process-execution helper shared by
// the Signal Runner and Action Runner: spawn a trusted script, feed it
// a JSON payload on stdin, capture stdout, and enforce a wall-clock
// timeout with a terminate-then-kill grace period. Grounded on
// goadesign-goa-ai's stdio MCP caller (features/mcp/runtime/stdiocaller.go),
// simplified from a persistent session to a single request/response.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// killGrace is how long a timed-out process is given to exit after
// its context is canceled before a hard kill, closing the gap named
// in the concurrency model's "terminate signal then, after a grace
// period, a kill signal" requirement.
const killGrace = 200 * time.Millisecond

// Result is the outcome of running one script.
type Result struct {
	Stdout   []byte
	ExitCode int
	TimedOut bool
	Err      error
}

// Run executes command with args, writing payload to its stdin and
// capturing stdout, bounded by timeout. On timeout the process is
// canceled and, if still alive after killGrace, killed; Result.TimedOut
// is set and Err is context.DeadlineExceeded.
func Run(ctx context.Context, command string, args []string, payload []byte, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace
	cmd.Stdin = bytes.NewReader(payload)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Stdout: stdout.Bytes(), TimedOut: true, Err: context.DeadlineExceeded}
	}

	res := Result{Stdout: stdout.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		res.Err = err
	}
	return res
}
