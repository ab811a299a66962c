package device

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"
)

// USB vendor IDs the scanner cares about.
const (
	vidArduino  = "2341"
	vidTeensy   = "16C0"
	vidFTDI     = "0403"
	vidProlific = "067B"
)

// Classifier assigns a hardware family to an enumerated port.
// Classify returns false when the port does not belong to the
// classifier's hardware class, letting the registry try the next one.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, info *PortInfo) (Family, bool)
}

// Registry holds the registered classifiers in probe order.
// New hardware families are supported by registering a classifier,
// without touching the scanner loop.
type Registry struct {
	lock        sync.RWMutex
	classifiers []Classifier
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends classifiers to the probe order.
func (r *Registry) Register(cs ...Classifier) *Registry {
	r.lock.Lock()
	r.classifiers = append(r.classifiers, cs...)
	r.lock.Unlock()
	return r
}

// Classify runs classifiers in order and returns the first match,
// or FamilyUnknown when no classifier claims the port.
func (r *Registry) Classify(ctx context.Context, info *PortInfo) Family {
	r.lock.RLock()
	cs := r.classifiers
	r.lock.RUnlock()
	for _, c := range cs {
		if family, ok := c.Classify(ctx, info); ok {
			glog.V(2).Infof("classifier %s claimed %s as %s", c.Name(), info.Name, family)
			return family
		}
	}
	return FamilyUnknown
}

// DefaultRegistry returns a registry with the built-in classifiers.
func DefaultRegistry() *Registry {
	return NewRegistry().Register(
		&ArduinoClassifier{},
		&TeensyClassifier{Probe: serialHandshake},
	)
}

// ArduinoClassifier claims Arduino-class boards (SAM bootloader).
// Pulse Pal runs on an Arduino Due.
type ArduinoClassifier struct{}

// Name implements Classifier.
func (c *ArduinoClassifier) Name() string { return "arduino" }

// Classify implements Classifier.
func (c *ArduinoClassifier) Classify(ctx context.Context, info *PortInfo) (Family, bool) {
	if info.VID != vidArduino {
		return FamilyUnknown, false
	}
	return FamilyPulsePal, true
}

// HandshakeProbe checks whether the device at a port answers a
// one-byte identification handshake within the context deadline.
type HandshakeProbe func(ctx context.Context, port string) bool

// TeensyClassifier claims Teensy-class boards: Bpod state machines
// and Bpod modules. The two share a vendor ID; a Bpod console answers
// the handshake probe, modules and unprogrammed boards do not.
type TeensyClassifier struct {
	// Probe distinguishes Bpod from BpodModule. When nil, every
	// Teensy-class port is reported as Bpod.
	Probe HandshakeProbe
}

// Name implements Classifier.
func (c *TeensyClassifier) Name() string { return "teensy" }

// Classify implements Classifier.
func (c *TeensyClassifier) Classify(ctx context.Context, info *PortInfo) (Family, bool) {
	if info.VID != vidTeensy {
		return FamilyUnknown, false
	}
	if strings.Contains(strings.ToLower(info.Product), "module") {
		return FamilyBpodModule, true
	}
	if c.Probe != nil && !c.Probe(ctx, info.Name) {
		return FamilyBpodModule, true
	}
	return FamilyBpod, true
}

// Bpod console handshake bytes.
const (
	handshakeRequest = '6'
	handshakeReply   = '5'
)

// serialHandshake opens the port and performs the Bpod handshake.
// The read deadline is derived from the context so a mute or wedged
// port costs at most the scanner's probe budget.
func serialHandshake(ctx context.Context, port string) bool {
	p, err := serial.Open(port, &serial.Mode{BaudRate: 115200})
	if err != nil {
		glog.V(2).Infof("probe open %s: %v", port, err)
		return false
	}
	defer p.Close()

	timeout := 250 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return false
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		glog.V(2).Infof("probe deadline %s: %v", port, err)
		return false
	}
	if _, err := p.Write([]byte{handshakeRequest}); err != nil {
		return false
	}
	buf := make([]byte, 1)
	n, err := p.Read(buf)
	return err == nil && n == 1 && buf[0] == handshakeReply
}
