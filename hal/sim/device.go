package sim

import (
	"sync"

	"github.com/ardnew/softuhci/hal"
)

// Handshake is a function's response to a transaction.
type Handshake uint8

// Handshakes. Timeout stands for no response at all.
const (
	ACK Handshake = iota
	NAK
	Stall
	Timeout
	Babble
)

// String returns the handshake name.
func (h Handshake) String() string {
	switch h {
	case ACK:
		return "ACK"
	case NAK:
		return "NAK"
	case Stall:
		return "STALL"
	case Timeout:
		return "timeout"
	case Babble:
		return "babble"
	default:
		return "unknown"
	}
}

// Function is a USB function attached downstream of the controller.
// Methods are called from inside the frame walk and must not block.
type Function interface {
	// Address returns the function's current bus address.
	Address() uint8

	// Setup receives a SETUP packet on endpoint ep.
	Setup(ep uint8, pkt []byte) Handshake

	// In returns up to max bytes for an IN token.
	In(ep uint8, toggle uint8, max int) ([]byte, Handshake)

	// Out receives an OUT data packet.
	Out(ep uint8, toggle uint8, data []byte) Handshake
}

// Attach connects fn to the bus.
func (c *Controller) Attach(fn Function) {
	c.mu.Lock()
	c.functions = append(c.functions, fn)
	c.portsc[(len(c.functions)-1)%2] |= 0x0001 // current connect status
	c.mu.Unlock()
}

// Detach removes fn from the bus. Transactions addressed to it time out.
func (c *Controller) Detach(fn Function) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.functions {
		if f == fn {
			c.functions = append(c.functions[:i], c.functions[i+1:]...)
			return
		}
	}
}

func (c *Controller) function(addr uint8) Function {
	for _, f := range c.functions {
		if f.Address() == addr {
			return f
		}
	}
	return nil
}

// Standard requests the Device answers.
const (
	reqClearFeature     = 0x01
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09

	descDevice        = 0x01
	descConfiguration = 0x02
	descString        = 0x03

	featureEndpointHalt = 0x00
)

// Device is a scriptable USB function: control requests on endpoint 0,
// interrupt IN report queues, bulk streams and per-endpoint halt.
type Device struct {
	mu sync.Mutex

	address      uint8
	pending      int // address to apply after the status stage, or -1
	config       uint8
	device       []byte
	configs      []byte
	strings      map[uint8][]byte
	unresponsive bool

	// control transfer in progress
	setup  hal.SetupPacket
	ctlIn  []byte
	ctlOut []byte

	reports map[uint8][][]byte
	bulkIn  map[uint8][]byte
	bulkOut map[uint8][]byte
	halted  map[uint8]bool
	inLimit map[uint8]int
}

// NewDevice returns an unaddressed device presenting the given device and
// configuration descriptors.
func NewDevice(device, config []byte) *Device {
	return &Device{
		pending: -1,
		device:  device,
		configs: config,
		strings: make(map[uint8][]byte),
		reports: make(map[uint8][][]byte),
		bulkIn:  make(map[uint8][]byte),
		bulkOut: make(map[uint8][]byte),
		halted:  make(map[uint8]bool),
		inLimit: make(map[uint8]int),
	}
}

// SetAddress assigns an address directly, bypassing enumeration.
func (d *Device) SetAddress(addr uint8) *Device {
	d.mu.Lock()
	d.address = addr
	d.mu.Unlock()
	return d
}

// SetString registers a string descriptor.
func (d *Device) SetString(index uint8, desc []byte) {
	d.mu.Lock()
	d.strings[index] = desc
	d.mu.Unlock()
}

// Configuration returns the active configuration value.
func (d *Device) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// QueueReport queues an interrupt IN report on ep. Without queued reports
// the endpoint NAKs.
func (d *Device) QueueReport(ep uint8, report []byte) {
	d.mu.Lock()
	d.reports[ep] = append(d.reports[ep], append([]byte(nil), report...))
	d.mu.Unlock()
}

// PendingReports returns the number of reports not yet read from ep.
func (d *Device) PendingReports(ep uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reports[ep])
}

// SetBulkIn sets the data a bulk IN endpoint streams out.
func (d *Device) SetBulkIn(ep uint8, data []byte) {
	d.mu.Lock()
	d.bulkIn[ep] = append([]byte(nil), data...)
	d.mu.Unlock()
}

// LimitIn caps every IN packet on ep at n bytes, producing short packets.
func (d *Device) LimitIn(ep uint8, n int) {
	d.mu.Lock()
	d.inLimit[ep] = n
	d.mu.Unlock()
}

// BulkOut returns everything received on a bulk OUT endpoint.
func (d *Device) BulkOut(ep uint8) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.bulkOut[ep]...)
}

// Halt stalls ep until the host clears the halt feature.
func (d *Device) Halt(ep uint8) {
	d.mu.Lock()
	d.halted[ep] = true
	d.mu.Unlock()
}

// Halted reports whether ep is halted.
func (d *Device) Halted(ep uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted[ep]
}

// Unresponsive makes the device ignore every token.
func (d *Device) Unresponsive(v bool) {
	d.mu.Lock()
	d.unresponsive = v
	d.mu.Unlock()
}

// Address implements Function.
func (d *Device) Address() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Setup implements Function.
func (d *Device) Setup(ep uint8, pkt []byte) Handshake {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unresponsive {
		return Timeout
	}
	if ep != 0 || !hal.ParseSetupPacket(pkt, &d.setup) {
		return Stall
	}
	d.ctlIn, d.ctlOut = nil, nil
	d.halted[0] = false

	s := &d.setup
	switch s.Request {
	case reqGetDescriptor:
		var desc []byte
		switch uint8(s.Value >> 8) {
		case descDevice:
			desc = d.device
		case descConfiguration:
			desc = d.configs
		case descString:
			desc = d.strings[uint8(s.Value)]
		}
		if desc == nil {
			d.halted[0] = true
			return ACK
		}
		d.ctlIn = desc[:min(len(desc), int(s.Length))]
	case reqGetConfiguration:
		d.ctlIn = []byte{d.config}
	case reqSetAddress:
		d.pending = int(s.Value & 0x7F)
	case reqSetConfiguration:
		d.config = uint8(s.Value)
	case reqClearFeature:
		if s.RequestType&0x1F == 0x02 && s.Value == featureEndpointHalt {
			d.halted[uint8(s.Index)&0x0F] = false
		}
	default:
		// Unsupported requests stall in the data or status stage.
		d.halted[0] = true
	}
	// SETUP is always acknowledged; errors surface in later stages.
	return ACK
}

// In implements Function.
func (d *Device) In(ep uint8, _ uint8, max int) ([]byte, Handshake) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unresponsive {
		return nil, Timeout
	}
	if d.halted[ep] {
		return nil, Stall
	}
	if ep == 0 {
		if d.setup.Direction() != hal.DirectionIn {
			// Status stage of an OUT or no-data request.
			d.finish()
			return nil, ACK
		}
		n := min(max, len(d.ctlIn))
		pkt := d.ctlIn[:n]
		d.ctlIn = d.ctlIn[n:]
		return pkt, ACK
	}

	limit := max
	if l, ok := d.inLimit[ep]; ok && l < limit {
		limit = l
	}
	if q := d.reports[ep]; len(q) > 0 {
		r := q[0]
		d.reports[ep] = q[1:]
		return r, ACK
	}
	if data, ok := d.bulkIn[ep]; ok && len(data) > 0 {
		n := min(limit, len(data))
		d.bulkIn[ep] = data[n:]
		return data[:n], ACK
	}
	return nil, NAK
}

// Out implements Function.
func (d *Device) Out(ep uint8, _ uint8, data []byte) Handshake {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unresponsive {
		return Timeout
	}
	if d.halted[ep] {
		return Stall
	}
	if ep == 0 {
		if len(data) == 0 {
			d.finish()
			return ACK
		}
		d.ctlOut = append(d.ctlOut, data...)
		return ACK
	}
	d.bulkOut[ep] = append(d.bulkOut[ep], data...)
	return ACK
}

// finish completes the status stage of a control transfer.
func (d *Device) finish() {
	if d.pending >= 0 {
		d.address = uint8(d.pending)
		d.pending = -1
	}
}
