package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/sanworks/fwupdate/pkg/backend"
	"github.com/sanworks/fwupdate/pkg/device"
	"github.com/sanworks/fwupdate/pkg/firmware"
	"github.com/sanworks/fwupdate/pkg/update/report"
)

// Flasher is what the supervisor needs from a flashing backend.
// *backend.Backend is the production implementation; tests substitute
// fakes.
type Flasher interface {
	Label() string
	NeedsBootloaderEntry() bool
	EnterBootloader(ctx context.Context, port string) error
	Flash(ctx context.Context, imagePath, port string) (*backend.Result, error)
	// Confirmation returns the post-flash confirmation window, or
	// zero when confirmation is unsupported for this backend.
	Confirmation() time.Duration
}

// SelectFunc maps a hardware family to its Flasher.
type SelectFunc func(device.Family) (Flasher, error)

// ConfirmFunc checks that a device re-enumerated after flashing.
type ConfirmFunc func(ctx context.Context, dev device.Device) error

// Bootloader entry defaults. Entry is flaky by nature of USB
// re-enumeration, so it is the one step that gets retried.
const (
	DefaultEntryRetries = 3
	DefaultEntryBackoff = 500 * time.Millisecond
)

// Supervisor drives update jobs through their state machine:
//
//	Pending -> Preparing -> Flashing -> Verifying -> Succeeded
//
// with Failed reachable from every non-terminal state and Cancelled
// on explicit cancellation. Each job runs on its own goroutine;
// status queries and cancellation never block on the running tool.
type Supervisor struct {
	Locks  *PortLocks
	Select SelectFunc

	// EntryRetries and EntryBackoff bound the reset-to-bootloader
	// step. Zero values take the defaults.
	EntryRetries int
	EntryBackoff time.Duration

	// Confirm is the optional post-flash re-enumeration check. When
	// nil, or when the backend reports no confirmation window, the
	// Verifying step trusts the backend's success signal.
	Confirm ConfirmFunc

	// Reporter receives every state transition. Defaults to the log
	// reporter.
	Reporter report.Reporter

	// Results archives terminal outcomes when set.
	Results *ResultLog

	host string
}

// NewSupervisor creates a Supervisor around a lock table and backend
// selection.
func NewSupervisor(locks *PortLocks, sel SelectFunc) *Supervisor {
	return &Supervisor{
		Locks:  locks,
		Select: sel,
		host:   report.HostID(),
	}
}

func (s *Supervisor) reporter() report.Reporter {
	if s.Reporter != nil {
		return s.Reporter
	}
	return report.Log()
}

// Start validates the (device, firmware) pair, takes the port lock
// and launches the job. Family mismatch and unsupported families are
// rejected before any lock is acquired and before any subordinate
// process exists.
func (s *Supervisor) Start(ctx context.Context, dev device.Device, img *firmware.Image) (*Job, error) {
	if img == nil {
		return nil, errors.New("no firmware image selected")
	}
	if dev.Family != img.Family {
		return nil, fmt.Errorf("%w: device is %s, firmware is %s",
			ErrFamilyMismatch, dev.Family, img.Family)
	}
	flasher, err := s.Select(dev.Family)
	if err != nil {
		return nil, err
	}

	job := newJob(dev, img, s.reporter())
	if err := s.Locks.Acquire(dev.Port, job.ID); err != nil {
		return nil, err
	}
	glog.Infof("%s: loading %s v%s onto %s (%s) via %s",
		job.ID, img.Name, img.Version, dev.Port, dev.Family, flasher.Label())
	job.reporter.Report(job.event(StatePending, ""))

	jobCtx, cancel := context.WithCancel(ctx)
	job.cancel = cancel
	go func() {
		defer cancel()
		s.run(jobCtx, job, flasher)
	}()
	return job, nil
}

// run drives the job to a terminal state. The port lock is released
// before the terminal state becomes observable, so once Done fires a
// retry load on the same port cannot race into ErrPortBusy.
func (s *Supervisor) run(ctx context.Context, job *Job, flasher Flasher) {
	out := s.execute(ctx, job, flasher)
	s.Locks.Release(job.Device.Port)
	job.setState(out.state, out.err, out.diag)
	s.archive(job)
}

// outcome is the terminal result of one job execution.
type outcome struct {
	state State
	err   error
	diag  string
}

// execute walks the non-terminal states and returns the terminal one.
func (s *Supervisor) execute(ctx context.Context, job *Job, flasher Flasher) outcome {
	// Preparing: reset the board into its bootloader where the
	// family requires it.
	job.setState(StatePreparing, nil, "")
	if flasher.NeedsBootloaderEntry() {
		if err := s.enterBootloader(ctx, job.Device.Port, flasher); err != nil {
			if ctx.Err() != nil {
				return outcome{StateCancelled, ErrCancelled, "cancelled before flashing"}
			}
			return outcome{StateFailed, err, err.Error()}
		}
	}
	if ctx.Err() != nil {
		return outcome{StateCancelled, ErrCancelled, "cancelled before flashing"}
	}

	// Flashing: the only minutes-scale step. Flash returns only
	// after the subordinate process is fully torn down, so releasing
	// the port afterwards is always safe.
	job.setState(StateFlashing, nil, "")
	res, err := flasher.Flash(ctx, job.Image.Path, job.Device.Port)

	switch {
	case ctx.Err() != nil:
		// An interrupted write can leave the device unbootable;
		// say so instead of silently cancelling.
		return outcome{StateCancelled, ErrCancelled,
			"cancelled during flash; the device may hold a partial image"}
	case err != nil:
		berr := &BackendError{Backend: backend.Kind(flasher.Label()), Err: err}
		if res != nil {
			berr.ExitCode = res.ExitCode
			berr.Diagnostic = res.Diagnostic()
		}
		return outcome{StateFailed, berr, berr.Error()}
	case res.ExitCode != 0:
		berr := &BackendError{
			Backend:    backend.Kind(flasher.Label()),
			ExitCode:   res.ExitCode,
			Diagnostic: res.Diagnostic(),
		}
		return outcome{StateFailed, berr, berr.Diagnostic}
	}

	// Verifying: optional re-enumeration check within a bounded
	// window. Skipped where unsupported; the backend's own success
	// signal is then authoritative.
	job.setState(StateVerifying, nil, "")
	if window := flasher.Confirmation(); window > 0 && s.Confirm != nil {
		confirmCtx, cancel := context.WithTimeout(ctx, window)
		err := s.Confirm(confirmCtx, job.Device)
		cancel()
		if ctx.Err() != nil {
			return outcome{StateCancelled, ErrCancelled, "cancelled during verification"}
		}
		if err != nil {
			cerr := &ConfirmError{Port: job.Device.Port, Err: err}
			return outcome{StateFailed, cerr, cerr.Error()}
		}
	}

	return outcome{StateSucceeded, nil, "firmware loaded"}
}

func (s *Supervisor) enterBootloader(ctx context.Context, port string, flasher Flasher) error {
	retries := s.EntryRetries
	if retries <= 0 {
		retries = DefaultEntryRetries
	}
	backoff := s.EntryBackoff
	if backoff <= 0 {
		backoff = DefaultEntryBackoff
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = flasher.EnterBootloader(ctx, port); lastErr == nil {
			return nil
		}
		glog.Warningf("bootloader entry attempt %d/%d on %s: %v",
			attempt, retries, port, lastErr)
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return &BootloaderEntryError{Port: port, Attempts: retries, Err: lastErr}
}

func (s *Supervisor) archive(job *Job) {
	if s.Results != nil {
		s.Results.Add(job.result(s.host))
	}
}
