package update

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/sanworks/fwupdate/pkg/backend"
	"github.com/sanworks/fwupdate/pkg/device"
	"github.com/sanworks/fwupdate/pkg/firmware"
)

// Orchestrator is the caller-facing surface: it sequences
// scan -> select -> flash -> report, delegating all I/O to the
// scanner, the catalog, the selector and the supervisor.
type Orchestrator struct {
	Scanner    *device.Scanner
	Catalog    *firmware.Catalog
	Supervisor *Supervisor

	jobs jobTable
}

// reenumerateInterval paces the post-flash re-enumeration poll.
const reenumerateInterval = 500 * time.Millisecond

// New creates an Orchestrator and wires the supervisor's post-flash
// confirmation to the scanner.
func New(scanner *device.Scanner, catalog *firmware.Catalog, selector *backend.Selector) *Orchestrator {
	locks := NewPortLocks()
	sup := NewSupervisor(locks, func(f device.Family) (Flasher, error) {
		b, err := selector.Select(f)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	sup.Results = NewResultLog(64)
	o := &Orchestrator{
		Scanner:    scanner,
		Catalog:    catalog,
		Supervisor: sup,
	}
	sup.Confirm = o.confirmReenumeration
	return o
}

// AvailableDevices scans for candidate devices. Devices whose port is
// currently held by a running job are reported as updating.
func (o *Orchestrator) AvailableDevices(ctx context.Context) ([]device.Device, error) {
	devices, err := o.Scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if _, held := o.Supervisor.Locks.Holder(devices[i].Port); held {
			devices[i].State = device.StateUpdating
		}
	}
	return devices, nil
}

// AvailableFirmware lists the catalog images for a family, newest
// first.
func (o *Orchestrator) AvailableFirmware(family device.Family) []*firmware.Image {
	return o.Catalog.List(family)
}

// Load starts an update job for the (device, firmware) pair and
// returns its handle.
func (o *Orchestrator) Load(ctx context.Context, dev device.Device, img *firmware.Image) (*Job, error) {
	job, err := o.Supervisor.Start(ctx, dev, img)
	if err != nil {
		return nil, err
	}
	o.jobs.add(job)
	return job, nil
}

// Cancel requests cancellation of a job by handle.
func (o *Orchestrator) Cancel(jobID string) error {
	job, ok := o.jobs.get(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	job.Cancel()
	return nil
}

// Status returns the state of a job by handle.
func (o *Orchestrator) Status(jobID string) (State, error) {
	job, ok := o.jobs.get(jobID)
	if !ok {
		return StateFailed, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return job.State(), nil
}

// Job returns a job by handle.
func (o *Orchestrator) Job(jobID string) (*Job, bool) {
	return o.jobs.get(jobID)
}

// Jobs returns all known jobs, oldest first.
func (o *Orchestrator) Jobs() []*Job {
	return o.jobs.list()
}

// Results returns the archived outcomes of finished jobs.
func (o *Orchestrator) Results() []Result {
	return o.Supervisor.Results.Results()
}

// confirmReenumeration polls the scanner until the flashed device
// shows up again, matching by serial number when one is known and by
// port otherwise. The window is bounded by the caller's context.
func (o *Orchestrator) confirmReenumeration(ctx context.Context, dev device.Device) error {
	for {
		devices, err := o.Scanner.Scan(ctx)
		if err == nil {
			for _, d := range devices {
				if dev.SerialNumber != "" && d.SerialNumber == dev.SerialNumber {
					return nil
				}
				if dev.SerialNumber == "" && d.Port == dev.Port {
					return nil
				}
			}
		} else if ctx.Err() == nil {
			glog.V(1).Infof("confirmation scan: %v", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("device did not re-enumerate: %w", ctx.Err())
		case <-time.After(reenumerateInterval):
		}
	}
}

// jobTable tracks jobs by handle.
type jobTable struct {
	lock sync.Mutex
	jobs map[string]*Job
}

func (t *jobTable) add(job *Job) {
	t.lock.Lock()
	if t.jobs == nil {
		t.jobs = make(map[string]*Job)
	}
	t.jobs[job.ID] = job
	t.lock.Unlock()
}

func (t *jobTable) get(id string) (*Job, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	job, ok := t.jobs[id]
	return job, ok
}

func (t *jobTable) list() []*Job {
	t.lock.Lock()
	defer t.lock.Unlock()
	out := make([]*Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt().Before(out[j].StartedAt()) })
	return out
}
