package device

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial/enumerator"
)

// Enumerator lists the serial-capable ports visible to the host.
type Enumerator interface {
	List() ([]*PortInfo, error)
}

// EnumerateFunc is the func form of Enumerator.
type EnumerateFunc func() ([]*PortInfo, error)

// List implements Enumerator.
func (f EnumerateFunc) List() ([]*PortInfo, error) {
	return f()
}

// SystemEnumerator enumerates ports through the OS.
func SystemEnumerator() Enumerator {
	return EnumerateFunc(func() ([]*PortInfo, error) {
		details, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return nil, err
		}
		infos := make([]*PortInfo, 0, len(details))
		for _, d := range details {
			infos = append(infos, &PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		return infos, nil
	})
}

// RawHIDLister reports boards that expose no serial port yet, such as
// Teensies still running the factory RawHID firmware. They are flashable
// but invisible to port enumeration.
type RawHIDLister interface {
	ListRawHID(ctx context.Context) ([]Device, error)
}

// DefaultProbeTimeout bounds the classification of a single port.
const DefaultProbeTimeout = 250 * time.Millisecond

// Scanner discovers candidate devices on serial ports.
// A scan is purely observational and safe to repeat; concurrent scan
// requests are serialized so the scanner never races with itself.
type Scanner struct {
	Enum     Enumerator
	Registry *Registry

	// ProbeTimeout bounds classification per port. Zero means
	// DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// RawHID is optional; when set, its devices are appended to the
	// scan results.
	RawHID RawHIDLister

	scanLock sync.Mutex
}

// NewScanner creates a Scanner with the default classifier registry.
func NewScanner() *Scanner {
	return &Scanner{
		Enum:     SystemEnumerator(),
		Registry: DefaultRegistry(),
	}
}

// Scan enumerates and classifies all candidate devices.
// USB-to-serial bridge chips (FTDI, Prolific) and non-USB UARTs are
// excluded: they are never update targets and probing them can disturb
// unrelated equipment.
func (s *Scanner) Scan(ctx context.Context) ([]Device, error) {
	s.scanLock.Lock()
	defer s.scanLock.Unlock()

	infos, err := s.Enum.List()
	if err != nil {
		return nil, err
	}

	probeTimeout := s.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = DefaultProbeTimeout
	}

	var devices []Device
	for _, info := range infos {
		if !info.IsUSB || info.VID == vidFTDI || info.VID == vidProlific {
			glog.V(3).Infof("skip %s (vid=%q usb=%v)", info.Name, info.VID, info.IsUSB)
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		family := s.Registry.Classify(probeCtx, info)
		cancel()
		devices = append(devices, Device{
			Port:         info.Name,
			Family:       family,
			SerialNumber: info.SerialNumber,
			Description:  describe(info, family),
			State:        StateAvailable,
		})
		if err := ctx.Err(); err != nil {
			return devices, err
		}
	}

	if s.RawHID != nil {
		raw, err := s.RawHID.ListRawHID(ctx)
		if err != nil {
			glog.Warningf("raw HID listing failed: %v", err)
		} else {
			devices = append(devices, raw...)
		}
	}

	sortDevices(devices)
	glog.V(1).Infof("scan found %d candidate device(s)", len(devices))
	return devices, nil
}

func describe(info *PortInfo, family Family) string {
	if family != FamilyUnknown {
		return string(family)
	}
	if info.Product != "" {
		return info.Product
	}
	return info.VID + ":" + info.PID
}

// sortDevices orders devices numerically by the digits in the port
// name, so COM10 sorts after COM5.
func sortDevices(devices []Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		return portOrdinal(devices[i].Port) < portOrdinal(devices[j].Port)
	})
}

func portOrdinal(port string) int {
	digits := make([]rune, 0, len(port))
	for _, r := range port {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(string(digits))
	return n
}
