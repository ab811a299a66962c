package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sanworks/fwupdate/pkg/backend"
	"github.com/sanworks/fwupdate/pkg/device"
	"github.com/sanworks/fwupdate/pkg/firmware"
	"github.com/sanworks/fwupdate/pkg/update/report"
)

// fakeFlasher scripts backend behavior for supervisor tests.
type fakeFlasher struct {
	label      string
	needsEntry bool
	entryErr   error
	entryCalls int32
	confirm    time.Duration

	// flash defaults to immediate success.
	flash func(ctx context.Context, imagePath, port string) (*backend.Result, error)
}

func (f *fakeFlasher) Label() string {
	if f.label == "" {
		return "fake"
	}
	return f.label
}

func (f *fakeFlasher) NeedsBootloaderEntry() bool { return f.needsEntry }

func (f *fakeFlasher) EnterBootloader(ctx context.Context, port string) error {
	atomic.AddInt32(&f.entryCalls, 1)
	return f.entryErr
}

func (f *fakeFlasher) Flash(ctx context.Context, imagePath, port string) (*backend.Result, error) {
	if f.flash != nil {
		return f.flash(ctx, imagePath, port)
	}
	return &backend.Result{ExitCode: 0, Output: "ok"}, nil
}

func (f *fakeFlasher) Confirmation() time.Duration { return f.confirm }

// stateRecorder captures reported transitions in order.
type stateRecorder struct {
	lock   sync.Mutex
	states []string
}

func (r *stateRecorder) Report(ev report.Event) {
	r.lock.Lock()
	r.states = append(r.states, ev.State)
	r.lock.Unlock()
}

func (r *stateRecorder) States() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]string, len(r.states))
	copy(out, r.states)
	return out
}

func bpodDevice(port string) device.Device {
	return device.Device{Port: port, Family: device.FamilyBpod}
}

func bpodImage() *firmware.Image {
	return &firmware.Image{
		Family:  device.FamilyBpod,
		Name:    "Bpod StateMachine",
		Version: firmware.Version{Major: 23},
		Path:    "/fw/Bpod_StateMachine_v23.0.hex",
	}
}

func newTestSupervisor(f *fakeFlasher) (*Supervisor, *stateRecorder) {
	rec := &stateRecorder{}
	sup := NewSupervisor(NewPortLocks(), func(fam device.Family) (Flasher, error) {
		if fam == device.FamilyUnknown {
			return nil, fmt.Errorf("%w: %s", backend.ErrUnsupportedFamily, fam)
		}
		return f, nil
	})
	sup.Reporter = rec
	sup.EntryBackoff = time.Millisecond
	sup.Results = NewResultLog(8)
	return sup, rec
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish; state %s", job.ID, job.State())
	}
}

func TestJobSucceeds(t *testing.T) {
	sup, rec := newTestSupervisor(&fakeFlasher{})
	job, err := sup.Start(context.Background(), bpodDevice("COM5"), bpodImage())
	require.NoError(t, err)
	waitDone(t, job)

	require.Equal(t, StateSucceeded, job.State())
	require.NoError(t, job.Err())
	require.Equal(t,
		[]string{"Pending", "Preparing", "Flashing", "Verifying", "Succeeded"},
		rec.States())

	_, held := sup.Locks.Holder("COM5")
	require.False(t, held)

	results := sup.Results.Results()
	require.Len(t, results, 1)
	require.Equal(t, "Succeeded", results[0].Outcome)
	require.Equal(t, "COM5", results[0].Port)
}

func TestJobBackendFailure(t *testing.T) {
	f := &fakeFlasher{
		flash: func(ctx context.Context, imagePath, port string) (*backend.Result, error) {
			return &backend.Result{ExitCode: 1, Output: "write failed"}, nil
		},
	}
	sup, _ := newTestSupervisor(f)
	job, err := sup.Start(context.Background(), bpodDevice("COM5"), bpodImage())
	require.NoError(t, err)
	waitDone(t, job)

	require.Equal(t, StateFailed, job.State())
	var berr *BackendError
	require.ErrorAs(t, job.Err(), &berr)
	require.Equal(t, 1, berr.ExitCode)
	require.Contains(t, berr.Diagnostic, "write failed")

	// The port lock is released, so a retry load is immediately
	// possible.
	retry, err := sup.Start(context.Background(), bpodDevice("COM5"), bpodImage())
	require.NoError(t, err)
	waitDone(t, retry)
}

func TestJobFlashTimeout(t *testing.T) {
	f := &fakeFlasher{
		flash: func(ctx context.Context, imagePath, port string) (*backend.Result, error) {
			return &backend.Result{ExitCode: -1}, fmt.Errorf("%w after 1ms", backend.ErrFlashTimeout)
		},
	}
	sup, _ := newTestSupervisor(f)
	job, err := sup.Start(context.Background(), bpodDevice("COM5"), bpodImage())
	require.NoError(t, err)
	waitDone(t, job)

	require.Equal(t, StateFailed, job.State())
	require.ErrorIs(t, job.Err(), backend.ErrFlashTimeout)
}

func TestFamilyMismatchRejectedBeforeLock(t *testing.T) {
	sup, rec := newTestSupervisor(&fakeFlasher{})
	dev := device.Device{Port: "COM5", Family: device.FamilyPulsePal}
	_, err := sup.Start(context.Background(), dev, bpodImage())
	require.ErrorIs(t, err, ErrFamilyMismatch)

	_, held := sup.Locks.Holder("COM5")
	require.False(t, held)
	require.Empty(t, rec.States())
}

func TestUnsupportedFamilyRejected(t *testing.T) {
	f := &fakeFlasher{
		flash: func(ctx context.Context, imagePath, port string) (*backend.Result, error) {
			t.Fatal("no subordinate process may be started")
			return nil, nil
		},
	}
	sup, _ := newTestSupervisor(f)
	dev := device.Device{Port: "COM5", Family: device.FamilyUnknown}
	img := bpodImage()
	img.Family = device.FamilyUnknown
	_, err := sup.Start(context.Background(), dev, img)
	require.ErrorIs(t, err, backend.ErrUnsupportedFamily)
}

func TestPortBusy(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFlasher{
		flash: func(ctx context.Context, imagePath, port string) (*backend.Result, error) {
			<-release
			return &backend.Result{ExitCode: 0}, nil
		},
	}
	sup, _ := newTestSupervisor(f)

	first, err := sup.Start(context.Background(), bpodDevice("COM5"), bpodImage())
	require.NoError(t, err)

	// Same port: exactly one job progresses, the other fails fast.
	_, err = sup.Start(context.Background(), bpodDevice("COM5"), bpodImage())
	require.ErrorIs(t, err, ErrPortBusy)

	// A different port is independent.
	other, err := sup.Start(context.Background(), bpodDevice("COM6"), bpodImage())
	require.NoError(t, err)

	close(release)
	waitDone(t, first)
	waitDone(t, other)
	require.Equal(t, StateSucceeded, first.State())
	require.Equal(t, StateSucceeded, other.State())
}

func TestCancelDuringFlash(t *testing.T) {
	flashing := make(chan struct{})
	f := &fakeFlasher{
		flash: func(ctx context.Context, imagePath, port string) (*backend.Result, error) {
			close(flashing)
			<-ctx.Done()
			// Emulates subordinate process teardown after the
			// termination signal.
			return &backend.Result{ExitCode: -1}, ctx.Err()
		},
	}
	sup, rec := newTestSupervisor(f)
	job, err := sup.Start(context.Background(), bpodDevice("COM5"), bpodImage())
	require.NoError(t, err)

	<-flashing
	job.Cancel()
	waitDone(t, job)

	require.Equal(t, StateCancelled, job.State())
	require.ErrorIs(t, job.Err(), ErrCancelled)
	require.Contains(t, job.Diagnostic(), "partial image")
	require.Contains(t, rec.States(), "Cancelled")

	_, held := sup.Locks.Holder("COM5")
	require.False(t, held)
}

func TestBootloaderEntryRetries(t *testing.T) {
	f := &fakeFlasher{
		needsEntry: true,
		entryErr:   errors.New("port did not re-enumerate"),
	}
	sup, _ := newTestSupervisor(f)
	sup.EntryRetries = 3

	job, err := sup.Start(context.Background(), bpodDevice("COM5"), bpodImage())
	require.NoError(t, err)
	waitDone(t, job)

	require.Equal(t, StateFailed, job.State())
	var berr *BootloaderEntryError
	require.ErrorAs(t, job.Err(), &berr)
	require.Equal(t, 3, berr.Attempts)
	require.Equal(t, int32(3), atomic.LoadInt32(&f.entryCalls))
}

func TestBootloaderEntryEventualSuccess(t *testing.T) {
	var calls int32
	f := &fakeFlasher{needsEntry: true}
	sup, _ := newTestSupervisor(f)
	sup.EntryRetries = 3
	// Entry succeeds on the third attempt.
	flaky := &flakyEntryFlasher{fakeFlasher: f, succeedAt: 3, calls: &calls}
	sup.Select = func(device.Family) (Flasher, error) { return flaky, nil }

	job, err := sup.Start(context.Background(), bpodDevice("COM5"), bpodImage())
	require.NoError(t, err)
	waitDone(t, job)
	require.Equal(t, StateSucceeded, job.State())
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

type flakyEntryFlasher struct {
	*fakeFlasher
	succeedAt int32
	calls     *int32
}

func (f *flakyEntryFlasher) EnterBootloader(ctx context.Context, port string) error {
	n := atomic.AddInt32(f.calls, 1)
	if n >= f.succeedAt {
		return nil
	}
	return errors.New("device not in bootloader mode")
}

func TestConfirmFailure(t *testing.T) {
	f := &fakeFlasher{confirm: 50 * time.Millisecond}
	sup, _ := newTestSupervisor(f)
	sup.Confirm = func(ctx context.Context, dev device.Device) error {
		return errors.New("device did not re-enumerate")
	}

	job, err := sup.Start(context.Background(), bpodDevice("COM5"), bpodImage())
	require.NoError(t, err)
	waitDone(t, job)

	require.Equal(t, StateFailed, job.State())
	var cerr *ConfirmError
	require.ErrorAs(t, job.Err(), &cerr)
}

func TestConfirmSkippedWhenUnsupported(t *testing.T) {
	f := &fakeFlasher{} // zero confirm window
	sup, _ := newTestSupervisor(f)
	sup.Confirm = func(ctx context.Context, dev device.Device) error {
		t.Fatal("confirmation must be skipped")
		return nil
	}
	job, err := sup.Start(context.Background(), bpodDevice("COM5"), bpodImage())
	require.NoError(t, err)
	waitDone(t, job)
	require.Equal(t, StateSucceeded, job.State())
}

func TestNoImageRejected(t *testing.T) {
	sup, _ := newTestSupervisor(&fakeFlasher{})
	_, err := sup.Start(context.Background(), bpodDevice("COM5"), nil)
	require.Error(t, err)
}
