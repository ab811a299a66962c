package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"

	"github.com/sanworks/fwupdate/pkg/device"
)

// Kind names an external flashing tool.
type Kind string

// Supported backends.
const (
	KindTycmd  Kind = "tycmd"  // Teensy-class boards
	KindBossac Kind = "bossac" // Arduino/Adafruit/Sparkfun-class boards
)

// ErrUnsupportedFamily indicates no backend is registered for a
// hardware family. It is always surfaced to the caller, never skipped.
var ErrUnsupportedFamily = errors.New("unsupported family")

// DefaultFlashTimeout bounds one tool invocation. Device updates can
// take minutes; the bound exists so a hung tool never wedges a job.
const DefaultFlashTimeout = 5 * time.Minute

// Backend is the static invocation contract of one flashing tool.
type Backend struct {
	Kind Kind

	// Tool is the resolved executable path.
	Tool string

	// Timeout is the hard bound on one flash invocation. Zero means
	// DefaultFlashTimeout.
	Timeout time.Duration

	// EntersBootloader reports whether the target board needs an
	// explicit reset-to-bootloader step before invoking the tool.
	// tycmd performs the reset itself; bossac does not.
	EntersBootloader bool

	// ConfirmWindow bounds the optional post-flash re-enumeration
	// check. Zero means confirmation is unsupported and the tool's
	// own success signal is authoritative.
	ConfirmWindow time.Duration
}

// Label implements update.Flasher.
func (b *Backend) Label() string { return string(b.Kind) }

// NeedsBootloaderEntry implements update.Flasher.
func (b *Backend) NeedsBootloaderEntry() bool { return b.EntersBootloader }

// Confirmation implements update.Flasher.
func (b *Backend) Confirmation() time.Duration { return b.ConfirmWindow }

// args builds the tool command line for one image and port.
func (b *Backend) args(imagePath, port string) []string {
	switch b.Kind {
	case KindBossac:
		return []string{"-i", "-d", "-U=true", "-e", "-w", "-v", "-b", imagePath, "-R"}
	case KindTycmd:
		board := port
		if !isDigits(port) {
			// A port path is addressed as "@<port>"; a bare board
			// number (RawHID device) is passed through.
			board = "@" + port
		}
		return []string{"upload", imagePath, "--board", board}
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// openPort is stubbed in tests.
var openPort = serial.Open

// EnterBootloader puts the target board into bootloader mode.
// For Arduino-class boards this is the 1200 baud touch: opening the
// port at 1200 baud and closing it makes the board reset into its SAM
// bootloader and re-enumerate. Flaky by nature; the supervisor retries.
func (b *Backend) EnterBootloader(ctx context.Context, port string) error {
	if !b.EntersBootloader {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	glog.V(1).Infof("touching %s at 1200 baud", port)
	p, err := openPort(port, &serial.Mode{BaudRate: 1200})
	if err != nil {
		return fmt.Errorf("touch %s: %w", port, err)
	}
	p.SetDTR(false)
	if err := p.Close(); err != nil {
		return fmt.Errorf("touch %s: %w", port, err)
	}
	return nil
}

// ToolVersion reports the tool's self-declared version, or "" when it
// cannot be determined. Used by the startup sanity check.
func (b *Backend) ToolVersion(ctx context.Context) string {
	switch b.Kind {
	case KindBossac:
		// bossac prints its version inside --help output.
		out, _ := exec.CommandContext(ctx, b.Tool, "--help").Output()
		for _, line := range strings.Split(string(out), "\n") {
			if i := strings.Index(line, " Version "); i >= 0 {
				return strings.TrimSpace(line[i+len(" Version "):])
			}
		}
	case KindTycmd:
		out, _ := exec.CommandContext(ctx, b.Tool, "--version").Output()
		fields := strings.Fields(string(out))
		if len(fields) > 0 {
			return fields[len(fields)-1]
		}
	}
	return ""
}

// Selector maps a hardware family to its flashing backend.
// The mapping is static configuration, built once at startup.
type Selector struct {
	backends map[device.Family]*Backend
}

// NewSelector creates an empty Selector.
func NewSelector() *Selector {
	return &Selector{backends: make(map[device.Family]*Backend)}
}

// Register binds families to a backend.
func (s *Selector) Register(b *Backend, families ...device.Family) *Selector {
	for _, f := range families {
		s.backends[f] = b
	}
	return s
}

// Select returns the backend for a family, or ErrUnsupportedFamily.
func (s *Selector) Select(family device.Family) (*Backend, error) {
	b, ok := s.backends[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, family)
	}
	return b, nil
}

// Backends returns the distinct registered backends.
func (s *Selector) Backends() []*Backend {
	seen := make(map[Kind]bool)
	var out []*Backend
	for _, b := range s.backends {
		if !seen[b.Kind] {
			seen[b.Kind] = true
			out = append(out, b)
		}
	}
	return out
}

// DefaultSelector wires the standard family-to-backend mapping:
// Teensy-class (Bpod and modules) to tycmd, Arduino-class (Pulse Pal)
// to bossac. Tool paths are resolved from PATH when empty.
func DefaultSelector(tycmdPath, bossacPath string) *Selector {
	tycmd := &Backend{
		Kind:          KindTycmd,
		Tool:          resolveTool(KindTycmd, tycmdPath),
		ConfirmWindow: 10 * time.Second,
	}
	bossac := &Backend{
		Kind:             KindBossac,
		Tool:             resolveTool(KindBossac, bossacPath),
		EntersBootloader: true,
	}
	return NewSelector().
		Register(tycmd, device.FamilyBpod, device.FamilyBpodModule).
		Register(bossac, device.FamilyPulsePal)
}

func resolveTool(kind Kind, path string) string {
	if path != "" {
		return path
	}
	resolved, err := exec.LookPath(string(kind))
	if err != nil {
		glog.Warningf("%s not found on PATH", kind)
		return string(kind)
	}
	return resolved
}
