package backend

import (
	"context"
	"os/exec"
	"strings"

	"github.com/golang/glog"

	"github.com/sanworks/fwupdate/pkg/device"
)

// rawHIDMarker tags tycmd list entries for Teensies still running the
// factory RawHID firmware. They expose no serial port but can be
// flashed by board number.
const rawHIDMarker = "(Teensyduino RawHID)"

// TycmdLister discovers unprogrammed Teensy boards through
// "tycmd list". It implements device.RawHIDLister.
type TycmdLister struct {
	// Tool is the tycmd executable path.
	Tool string

	// run is stubbed in tests.
	run func(ctx context.Context, tool string, args ...string) ([]byte, error)
}

// NewTycmdLister creates a lister for the given tycmd path.
func NewTycmdLister(tool string) *TycmdLister {
	return &TycmdLister{Tool: tool}
}

// ListRawHID implements device.RawHIDLister.
func (l *TycmdLister) ListRawHID(ctx context.Context) ([]device.Device, error) {
	run := l.run
	if run == nil {
		run = func(ctx context.Context, tool string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, tool, args...).Output()
		}
	}
	out, err := run(ctx, l.Tool, "list")
	if err != nil {
		return nil, err
	}
	return ParseTycmdList(string(out)), nil
}

// ParseTycmdList extracts RawHID boards from tycmd list output.
// Relevant lines look like:
//
//	add 1234560-Teensy Teensy 3.2 (Teensyduino RawHID)
//
// The leading token after "add " is the board tag; its numeric prefix
// is the board number tycmd uploads accept directly.
func ParseTycmdList(out string) []device.Device {
	var devices []device.Device
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "add ") || !strings.Contains(line, rawHIDMarker) {
			continue
		}
		fields := strings.Fields(line[len("add "):])
		if len(fields) == 0 {
			continue
		}
		board := fields[0]
		if i := strings.IndexByte(board, '-'); i > 0 {
			board = board[:i]
		}
		desc := strings.TrimSpace(strings.Join(fields[1:], " "))
		glog.V(2).Infof("raw HID board %s: %s", board, desc)
		devices = append(devices, device.Device{
			Port:        board,
			Family:      device.FamilyBpod,
			Description: desc,
			State:       device.StateAvailable,
		})
	}
	return devices
}
