package device

// Family identifies the hardware product line a device belongs to.
// It determines which firmware images apply and which flashing
// backend performs the update.
type Family string

// Known hardware families.
const (
	FamilyPulsePal   Family = "PulsePal"
	FamilyBpod       Family = "Bpod"
	FamilyBpodModule Family = "BpodModule"
	FamilyUnknown    Family = "Unknown"
)

// ConnState describes what a device is currently doing.
type ConnState int

// Connection states.
const (
	StateAvailable ConnState = iota
	StateUpdating
)

// String implements fmt.Stringer.
func (s ConnState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateUpdating:
		return "updating"
	}
	return "unknown"
}

// Device is one candidate device discovered on a serial port.
// Devices are re-derived on every scan and never cached across scans.
type Device struct {
	// Port is the OS port identifier (e.g. /dev/ttyACM0, COM5), or a
	// bare Teensy board number for RawHID devices not yet programmed.
	Port string `json:"port"`

	Family Family `json:"family"`

	// SerialNumber is the USB serial number when the port reports one.
	SerialNumber string `json:"serialNumber,omitempty"`

	// Description is a human readable label for display.
	Description string `json:"description,omitempty"`

	State ConnState `json:"-"`
}

// Label formats the device the way the port list presents it.
func (d Device) Label() string {
	s := d.Port + " -> " + d.Description
	if d.SerialNumber != "" {
		s += " (SN# " + d.SerialNumber + ")"
	}
	return s
}

// PortInfo is the enumeration metadata of one serial-capable port.
// It decouples classifiers from the host enumeration library.
type PortInfo struct {
	Name string
	// IsUSB reports whether the port is backed by a USB device.
	// Hardware UARTs are never update candidates.
	IsUSB bool
	// VID and PID are upper-case hex USB identifiers, e.g. "16C0".
	VID string
	PID string

	SerialNumber string
	Product      string
}
