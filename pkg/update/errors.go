package update

import (
	"errors"
	"fmt"

	"github.com/sanworks/fwupdate/pkg/backend"
)

var (
	// ErrPortBusy indicates another job already holds the target port.
	// Reported immediately, never queued.
	ErrPortBusy = errors.New("port busy")
	// ErrFamilyMismatch indicates the device and firmware families
	// differ. Checked before any port lock is acquired.
	ErrFamilyMismatch = errors.New("device and firmware families do not match")
	// ErrCancelled indicates the job was cancelled by the caller.
	ErrCancelled = errors.New("cancelled")
	// ErrUnknownJob indicates no job exists for the given handle.
	ErrUnknownJob = errors.New("unknown job")
)

// BootloaderEntryError indicates the device could not be put into
// bootloader mode within the retry budget.
type BootloaderEntryError struct {
	Port     string
	Attempts int
	Err      error
}

// Error implements error.
func (e *BootloaderEntryError) Error() string {
	return fmt.Sprintf("bootloader entry failed on %s after %d attempt(s): %v",
		e.Port, e.Attempts, e.Err)
}

// Unwrap supports errors.Is/As.
func (e *BootloaderEntryError) Unwrap() error { return e.Err }

// BackendError indicates the flashing tool failed, carrying its
// captured diagnostic output. Backend failures are never auto-retried:
// repeated writes to a partially flashed device can worsen its state.
type BackendError struct {
	Backend    backend.Kind
	ExitCode   int
	Diagnostic string
	Err        error
}

// Error implements error.
func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Backend, e.Err)
	}
	if e.Diagnostic != "" {
		return fmt.Sprintf("%s exited %d: %s", e.Backend, e.ExitCode, e.Diagnostic)
	}
	return fmt.Sprintf("%s exited %d", e.Backend, e.ExitCode)
}

// Unwrap supports errors.Is/As.
func (e *BackendError) Unwrap() error { return e.Err }

// ConfirmError indicates the device did not re-enumerate as expected
// after a flash the backend reported as successful.
type ConfirmError struct {
	Port string
	Err  error
}

// Error implements error.
func (e *ConfirmError) Error() string {
	return fmt.Sprintf("post-flash confirmation failed on %s: %v", e.Port, e.Err)
}

// Unwrap supports errors.Is/As.
func (e *ConfirmError) Unwrap() error { return e.Err }
