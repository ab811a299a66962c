// Package sh provides the interactive shell front end over the update
// orchestrator: scanning, firmware listing, load, status and cancel.
package sh

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/sanworks/fwupdate/pkg/backend"
	"github.com/sanworks/fwupdate/pkg/device"
	"github.com/sanworks/fwupdate/pkg/firmware"
	"github.com/sanworks/fwupdate/pkg/update"
)

// Shell provides an ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool

	Shell    *ishell.Shell
	Orc      *update.Orchestrator
	Selector *backend.Selector

	devices []device.Device
	lastJob string
}

const shellKey = "$shell"

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&ScanCmd,
		&FirmwareCmd,
		&LoadCmd,
		&StatusCmd,
		&CancelCmd,
		&JobsCmd,
		&ResultsCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// New creates a new shell around an orchestrator.
func New(orc *update.Orchestrator, sel *backend.Selector) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:    ishell.New(),
		Orc:      orc,
		Selector: sel,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt("fwupdate > ")
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// Banner prints the startup sanity check: tool availability and
// detected devices.
func (s *Shell) Banner() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready := true
	for _, b := range s.Selector.Backends() {
		if v := b.ToolVersion(ctx); v != "" {
			s.Shell.Printf("Using %s version %s from %s\n", b.Kind, v, b.Tool)
		} else {
			s.Shell.Printf("WARNING: %s NOT FOUND.\n", b.Kind)
			ready = false
		}
	}

	devices, err := s.Orc.AvailableDevices(ctx)
	if err != nil {
		s.Shell.Printf("WARNING: DEVICE SCAN FAILED: %v\n", err)
		ready = false
	} else if len(devices) == 0 {
		s.Shell.Println("WARNING: NO SERIAL DEVICES DETECTED.")
		ready = false
	} else {
		plural := "s"
		if len(devices) == 1 {
			plural = ""
		}
		s.Shell.Printf("Detected %d serial device%s\n", len(devices), plural)
	}
	s.devices = devices

	if ready {
		s.Shell.Println("\nREADY TO LOAD!")
	} else {
		s.Shell.Println("\nNOT READY TO LOAD!")
	}
}

// Rescan refreshes the cached device list.
func (s *Shell) Rescan() ([]device.Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	devices, err := s.Orc.AvailableDevices(ctx)
	if err != nil {
		return nil, err
	}
	s.devices = devices
	return devices, nil
}

// DeviceByPort resolves a port string against the cached scan,
// rescanning when the cache is cold.
func (s *Shell) DeviceByPort(port string) (*device.Device, error) {
	if len(s.devices) == 0 {
		if _, err := s.Rescan(); err != nil {
			return nil, err
		}
	}
	for i := range s.devices {
		if s.devices[i].Port == port {
			return &s.devices[i], nil
		}
	}
	return nil, fmt.Errorf("no device on port %q; try scan", port)
}

// SelectDevice asks for a device choice in interactive mode.
func (s *Shell) SelectDevice() (*device.Device, error) {
	devices, err := s.Rescan()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices detected")
	}
	if len(devices) > 1 && !s.Interactive {
		return nil, fmt.Errorf("more than 1 device detected in non-interactive mode")
	}
	if len(devices) == 1 {
		return &devices[0], nil
	}
	items := make([]string, len(devices))
	for n, d := range devices {
		items[n] = d.Label()
	}
	index := s.Shell.MultiChoice(items, "Which device to load?")
	return &devices[index], nil
}

// SelectImage resolves a firmware image for a device, by version when
// given, newest otherwise.
func (s *Shell) SelectImage(dev *device.Device, version string) (*firmware.Image, error) {
	if version != "" {
		v, err := firmware.ParseVersion(version)
		if err != nil {
			return nil, err
		}
		return s.Orc.Catalog.Get(dev.Family, v)
	}
	images := s.Orc.AvailableFirmware(dev.Family)
	if len(images) == 0 {
		return nil, fmt.Errorf("no firmware available for family %s", dev.Family)
	}
	return images[0], nil
}

func (s *Shell) printJSON(c *ishell.Context, v interface{}) {
	out, err := json.Marshal(v)
	if err != nil {
		c.Err(err)
		return
	}
	c.Println(string(out))
}

var (
	// ScanCmd re-enumerates candidate devices.
	ScanCmd = ishell.Cmd{
		Name:    "scan",
		Aliases: []string{"rescan", "s"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			devices, err := s.Rescan()
			if err != nil {
				c.Err(err)
				return
			}
			if s.OutputJSON {
				if devices == nil {
					devices = []device.Device{}
				}
				s.printJSON(c, devices)
				return
			}
			if len(devices) == 0 {
				c.Println("No devices found")
				return
			}
			for _, d := range devices {
				line := d.Label()
				if d.State == device.StateUpdating {
					line += "  [updating]"
				}
				c.Println(line)
			}
		},
	}

	// FirmwareCmd lists catalog images.
	FirmwareCmd = ishell.Cmd{
		Name:    "firmware",
		Aliases: []string{"fw"},
		Help:    "[FAMILY]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			families := s.Orc.Catalog.Families()
			if len(c.Args) > 0 {
				families = []device.Family{device.Family(c.Args[0])}
			}
			var images []*firmware.Image
			for _, f := range families {
				images = append(images, s.Orc.AvailableFirmware(f)...)
			}
			if s.OutputJSON {
				if images == nil {
					images = []*firmware.Image{}
				}
				s.printJSON(c, images)
				return
			}
			if len(images) == 0 {
				c.Println("No firmware found")
				return
			}
			for _, img := range images {
				c.Printf("%s v%s (%s, %s)\n", img.Name, img.Version, img.Family, img.Loader)
			}
		},
	}

	// LoadCmd starts an update job.
	LoadCmd = ishell.Cmd{
		Name: "load",
		Help: "[PORT [VERSION]]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			var dev *device.Device
			var err error
			if len(c.Args) >= 1 {
				dev, err = s.DeviceByPort(c.Args[0])
			} else {
				dev, err = s.SelectDevice()
			}
			if err != nil {
				c.Err(err)
				return
			}
			var version string
			if len(c.Args) >= 2 {
				version = c.Args[1]
			}
			img, err := s.SelectImage(dev, version)
			if err != nil {
				c.Err(err)
				return
			}
			job, err := s.Orc.Load(context.Background(), *dev, img)
			if err != nil {
				c.Err(err)
				return
			}
			s.lastJob = job.ID
			if s.OutputJSON {
				s.printJSON(c, map[string]string{"jobID": job.ID, "state": job.State().String()})
				return
			}
			c.Printf("%s: loading %s v%s to %s\n", job.ID, img.Name, img.Version, dev.Port)
		},
	}

	// StatusCmd queries a job state.
	StatusCmd = ishell.Cmd{
		Name: "status",
		Help: "[JOB]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			id := s.lastJob
			if len(c.Args) >= 1 {
				id = c.Args[0]
			}
			if id == "" {
				c.Err(fmt.Errorf("no job started yet"))
				return
			}
			job, ok := s.Orc.Job(id)
			if !ok {
				c.Err(fmt.Errorf("unknown job %q", id))
				return
			}
			if s.OutputJSON {
				s.printJSON(c, map[string]string{
					"jobID":      job.ID,
					"state":      job.State().String(),
					"diagnostic": job.Diagnostic(),
				})
				return
			}
			c.Printf("%s: %s\n", job.ID, job.State())
			if diag := job.Diagnostic(); diag != "" {
				c.Println(diag)
			}
		},
	}

	// CancelCmd cancels a job.
	CancelCmd = ishell.Cmd{
		Name: "cancel",
		Help: "[JOB]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			id := s.lastJob
			if len(c.Args) >= 1 {
				id = c.Args[0]
			}
			if id == "" {
				c.Err(fmt.Errorf("no job started yet"))
				return
			}
			if err := s.Orc.Cancel(id); err != nil {
				c.Err(err)
				return
			}
			c.Printf("%s: cancellation requested\n", id)
		},
	}

	// JobsCmd lists all jobs.
	JobsCmd = ishell.Cmd{
		Name: "jobs",
		Help: "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			jobs := s.Orc.Jobs()
			if len(jobs) == 0 {
				c.Println("No jobs")
				return
			}
			for _, job := range jobs {
				c.Printf("%s  %-10s  %s -> %s\n", job.ID, job.State(), job.Image.Name, job.Device.Port)
			}
		},
	}

	// ResultsCmd lists archived outcomes.
	ResultsCmd = ishell.Cmd{
		Name: "results",
		Help: "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			results := s.Orc.Results()
			if s.OutputJSON {
				s.printJSON(c, results)
				return
			}
			if len(results) == 0 {
				c.Println("No results")
				return
			}
			for _, r := range results {
				line := fmt.Sprintf("%s  %-10s  %s v%s -> %s", r.JobID, r.Outcome, r.Image, r.Version, r.Port)
				if r.Diagnostic != "" {
					line += "  (" + r.Diagnostic + ")"
				}
				c.Println(line)
			}
		},
	}
)

// Run runs the shell, evaluating args when given.
func (s *Shell) Run(args ...string) error {
	if len(args) > 0 {
		return s.Shell.Process(args...)
	}
	if !s.Interactive {
		return fmt.Errorf("command expected")
	}
	s.Banner()
	s.Shell.Run()
	return nil
}
