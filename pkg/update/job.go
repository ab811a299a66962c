package update

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanworks/fwupdate/pkg/device"
	"github.com/sanworks/fwupdate/pkg/firmware"
	"github.com/sanworks/fwupdate/pkg/update/report"
)

// State is the lifecycle state of an update job.
type State int

// Job states. Succeeded, Failed and Cancelled are terminal.
const (
	StatePending State = iota
	StatePreparing
	StateFlashing
	StateVerifying
	StateSucceeded
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	"Pending", "Preparing", "Flashing", "Verifying",
	"Succeeded", "Failed", "Cancelled",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether the state ends the job.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

var jobSeq uint64

func nextJobID() string {
	return fmt.Sprintf("job-%d", atomic.AddUint64(&jobSeq, 1))
}

// Job is one supervised attempt to write a firmware image to a device.
// It is owned exclusively by the supervisor for its lifetime; callers
// observe it through State, Err, Done and Cancel.
type Job struct {
	ID     string
	Device device.Device
	Image  *firmware.Image

	reporter report.Reporter

	lock       sync.Mutex
	state      State
	err        error
	diagnostic string
	startedAt  time.Time
	finishedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newJob(dev device.Device, img *firmware.Image, reporter report.Reporter) *Job {
	return &Job{
		ID:        nextJobID(),
		Device:    dev,
		Image:     img,
		reporter:  reporter,
		state:     StatePending,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.state
}

// Err returns the terminal error, or nil.
func (j *Job) Err() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.err
}

// Diagnostic returns the human readable outcome description.
func (j *Job) Diagnostic() string {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.diagnostic
}

// StartedAt returns when the job was created.
func (j *Job) StartedAt() time.Time { return j.startedAt }

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel requests cooperative cancellation. The running tool (if any)
// is terminated; the job reports Cancelled only after teardown.
func (j *Job) Cancel() {
	if j.cancel != nil {
		j.cancel()
	}
}

// setState advances the job and reports the transition. Transitions
// out of a terminal state are ignored.
func (j *Job) setState(state State, err error, diagnostic string) {
	j.lock.Lock()
	if j.state.Terminal() {
		j.lock.Unlock()
		return
	}
	j.state = state
	if state.Terminal() {
		j.err = err
		j.diagnostic = diagnostic
		j.finishedAt = time.Now()
	}
	j.lock.Unlock()

	if j.reporter != nil {
		j.reporter.Report(j.event(state, diagnostic))
	}
	if state.Terminal() {
		close(j.done)
	}
}

func (j *Job) event(state State, diagnostic string) report.Event {
	ev := report.Event{
		JobID:      j.ID,
		Port:       j.Device.Port,
		Family:     string(j.Device.Family),
		State:      state.String(),
		Diagnostic: diagnostic,
		Time:       time.Now(),
	}
	if j.Image != nil {
		ev.Image = j.Image.Name
		ev.Version = j.Image.Version.String()
	}
	return ev
}

// Result is the archived record of a finished job.
type Result struct {
	JobID      string        `json:"jobID"`
	Host       string        `json:"host"`
	Port       string        `json:"port"`
	Family     device.Family `json:"family"`
	Image      string        `json:"image"`
	Version    string        `json:"version"`
	State      State         `json:"-"`
	Outcome    string        `json:"outcome"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

func (j *Job) result(host string) Result {
	j.lock.Lock()
	defer j.lock.Unlock()
	res := Result{
		JobID:      j.ID,
		Host:       host,
		Port:       j.Device.Port,
		Family:     j.Device.Family,
		State:      j.state,
		Outcome:    j.state.String(),
		Diagnostic: j.diagnostic,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
	if j.Image != nil {
		res.Image = j.Image.Name
		res.Version = j.Image.Version.String()
	}
	return res
}

// ResultLog archives terminal job results, newest first, bounded.
type ResultLog struct {
	lock    sync.Mutex
	max     int
	entries []Result
}

// NewResultLog creates a log keeping at most max entries.
func NewResultLog(max int) *ResultLog {
	if max <= 0 {
		max = 64
	}
	return &ResultLog{max: max}
}

// Add archives one result.
func (l *ResultLog) Add(res Result) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.entries = append([]Result{res}, l.entries...)
	if len(l.entries) > l.max {
		l.entries = l.entries[:l.max]
	}
}

// Results returns the archived results, newest first.
func (l *ResultLog) Results() []Result {
	l.lock.Lock()
	defer l.lock.Unlock()
	out := make([]Result, len(l.entries))
	copy(out, l.entries)
	return out
}
