package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/golang/glog"
)

// ErrFlashTimeout indicates the tool ran past its configured bound
// and was terminated by the supervisor.
var ErrFlashTimeout = errors.New("flash timed out")

// waitDelay is the grace given to a terminated tool to release its
// pipes before the process group is killed outright.
const waitDelay = 5 * time.Second

// Result captures the outcome of one subordinate tool invocation.
// The exit code and captured output are the sole success signal.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Diagnostic returns the tail of the captured output, suitable for a
// terminal job state.
func (r *Result) Diagnostic() string {
	lines := strings.Split(strings.TrimSpace(r.Output), "\n")
	if len(lines) > 4 {
		lines = lines[len(lines)-4:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Flash invokes the flashing tool against a port as a subordinate
// process and blocks until it finishes, fails, times out, or the
// context is cancelled. Cancellation terminates the child; Flash does
// not return until process teardown completes, so the caller can
// safely release the port afterwards.
//
// A non-zero exit is reported in Result, not as an error: invocation
// errors mean the tool could not be run or was cut short.
func (b *Backend) Flash(ctx context.Context, imagePath, port string) (*Result, error) {
	timeout := b.Timeout
	if timeout == 0 {
		timeout = DefaultFlashTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := b.args(imagePath, port)
	if args == nil {
		return nil, fmt.Errorf("no invocation template for backend %q", b.Kind)
	}
	glog.Infof("exec %s %s", b.Tool, strings.Join(args, " "))

	var output bytes.Buffer
	cmd := exec.CommandContext(runCtx, b.Tool, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		ExitCode: -1,
		Output:   output.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		glog.Errorf("%s timed out after %s on %s", b.Kind, res.Duration, port)
		return res, fmt.Errorf("%w after %s", ErrFlashTimeout, timeout)
	case ctx.Err() != nil:
		return res, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Tool ran and failed; the exit code in Result carries it.
			glog.V(1).Infof("%s exited %d on %s", b.Kind, res.ExitCode, port)
			return res, nil
		}
		return res, fmt.Errorf("invoke %s: %w", b.Kind, err)
	}
	glog.V(1).Infof("%s finished on %s in %s", b.Kind, port, res.Duration)
	return res, nil
}
