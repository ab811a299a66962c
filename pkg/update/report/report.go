// Package report delivers update job state changes to interested
// observers: the local log by default, and optionally a remote
// monitor over MQTT.
package report

import (
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"
)

// Event is one job state change.
type Event struct {
	JobID      string    `json:"jobID"`
	Host       string    `json:"host"`
	Port       string    `json:"port"`
	Family     string    `json:"family"`
	Image      string    `json:"image,omitempty"`
	Version    string    `json:"version,omitempty"`
	State      string    `json:"state"`
	Diagnostic string    `json:"diagnostic,omitempty"`
	Time       time.Time `json:"time"`
}

// Reporter consumes job state changes. Implementations must not
// block the supervisor; slow delivery is the reporter's problem.
type Reporter interface {
	Report(Event)
}

// ReportFunc is the func form of Reporter.
type ReportFunc func(Event)

// Report implements Reporter.
func (f ReportFunc) Report(ev Event) { f(ev) }

// Log reports events through glog. It is the default reporter.
func Log() Reporter {
	return ReportFunc(func(ev Event) {
		if ev.Diagnostic != "" {
			glog.Infof("job %s [%s %s] %s: %s", ev.JobID, ev.Family, ev.Port, ev.State, ev.Diagnostic)
			return
		}
		glog.Infof("job %s [%s %s] %s", ev.JobID, ev.Family, ev.Port, ev.State)
	})
}

// Multi fans one event out to several reporters.
func Multi(reporters ...Reporter) Reporter {
	return ReportFunc(func(ev Event) {
		for _, r := range reporters {
			r.Report(ev)
		}
	})
}

// HostID identifies the machine running the updater, for attributing
// published results. Falls back to "unknown" when the platform does
// not expose a machine ID.
func HostID() string {
	id, err := machineid.ID()
	if err != nil {
		glog.Warningf("machine id unavailable: %v", err)
		return "unknown"
	}
	return id
}
