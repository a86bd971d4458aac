package host

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softuhci/async"
	"github.com/ardnew/softuhci/desc"
	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Device is an enumerated device as seen from the host.
type Device struct {
	ctl     *Controller
	address uint8
	speed   hal.Speed

	descriptor DeviceDescriptor
	config     ConfigurationDescriptor
	interfaces []InterfaceDescriptor
	endpoints  []EndpointDescriptor

	// Data toggles keyed by endpoint address. An endpoint being polled
	// owns its toggle in its request until polling stops.
	toggles map[uint8]uint8
	polls   map[uint8]*async.Request
}

// Address returns the device address.
func (d *Device) Address() uint8 { return d.address }

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed { return d.speed }

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.descriptor }

// Configuration returns the active configuration descriptor.
func (d *Device) Configuration() ConfigurationDescriptor { return d.config }

// Interfaces returns the interfaces of the active configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []InterfaceDescriptor { return d.interfaces }

// Endpoints returns the endpoints of the active configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Endpoints() []EndpointDescriptor { return d.endpoints }

// Control returns the target of the device's default control pipe.
func (d *Device) Control() desc.Endpoint {
	mps := int(d.descriptor.MaxPacketSize0)
	if mps == 0 {
		mps = DefaultMaxPacket0
	}
	return desc.Endpoint{Device: d.address, MaxPacket: mps, Speed: d.speed}
}

// Endpoint returns the descriptor of the endpoint at address addr.
func (d *Device) Endpoint(addr uint8) *EndpointDescriptor {
	for i := range d.endpoints {
		if d.endpoints[i].EndpointAddress == addr {
			return &d.endpoints[i]
		}
	}
	return nil
}

// FindEndpoint returns the first endpoint of the given transfer type and
// direction.
func (d *Device) FindEndpoint(kind uint8, dir hal.Direction) *EndpointDescriptor {
	for i := range d.endpoints {
		if d.endpoints[i].TransferType() == kind && d.endpoints[i].Direction() == dir {
			return &d.endpoints[i]
		}
	}
	return nil
}

// parseConfiguration walks a full configuration descriptor.
func (d *Device) parseConfiguration(data []byte) error {
	if !ParseConfigurationDescriptor(data, &d.config) {
		return errors.Wrap(pkg.ErrProtocol, "malformed configuration descriptor")
	}
	total := min(int(d.config.TotalLength), len(data))

	d.interfaces = d.interfaces[:0]
	d.endpoints = d.endpoints[:0]
	var iface uint8
	for off := ConfigurationDescriptorSize; off+2 <= total; {
		n := int(data[off])
		if n < 2 || off+n > total {
			return errors.Wrapf(pkg.ErrProtocol, "descriptor of length %d at offset %d", n, off)
		}
		switch data[off+1] {
		case DescriptorTypeInterface:
			var id InterfaceDescriptor
			if ParseInterfaceDescriptor(data[off:off+n], &id) {
				d.interfaces = append(d.interfaces, id)
				iface = id.InterfaceNumber
			}
		case DescriptorTypeEndpoint:
			var ed EndpointDescriptor
			if ParseEndpointDescriptor(data[off:off+n], &ed) {
				ed.Interface = iface
				d.endpoints = append(d.endpoints, ed)
			}
		}
		off += n
	}
	return nil
}

// Transfer moves data on a bulk or interrupt endpoint, keeping the
// endpoint's data toggle across calls. A stall resets the toggle once the
// halt is cleared with ClearHalt.
func (d *Device) Transfer(ctx context.Context, addr uint8, data []byte) (int, error) {
	ep := d.Endpoint(addr)
	if ep == nil {
		return 0, errors.Wrapf(pkg.ErrNotFound, "endpoint %#02x on device %d", addr, d.address)
	}
	if d.polling(addr) {
		return 0, errors.Wrapf(pkg.ErrAlreadyRunning, "endpoint %#02x is being polled", addr)
	}
	req := DataRequest{
		Endpoint: ep.Target(d.address, d.speed),
		Dir:      ep.Direction(),
		Data:     data,
		Toggle:   d.toggles[addr],
	}

	var (
		res Result
		err error
	)
	switch {
	case ep.IsBulk():
		res, err = d.ctl.BulkTransfer(ctx, req)
	case ep.IsInterrupt():
		res, err = d.ctl.InterruptTransfer(ctx, req)
	default:
		return 0, errors.Wrapf(pkg.ErrNotSupported, "transfer type %d", ep.TransferType())
	}
	d.toggles[addr] = res.Toggle
	return res.Length, err
}

// polling reports whether a periodic request still owns endpoint addr.
// The toggle of a request that has ended is taken back.
func (d *Device) polling(addr uint8) bool {
	r := d.polls[addr]
	if r == nil {
		return false
	}
	if r.State() == async.StateArmed {
		return true
	}
	d.toggles[addr] = r.Toggle()
	delete(d.polls, addr)
	return false
}

// ClearHalt clears a stalled endpoint and resets its data toggle.
func (d *Device) ClearHalt(ctx context.Context, addr uint8) error {
	if err := d.ctl.ClearHalt(ctx, d.Control(), addr); err != nil {
		return err
	}
	d.toggles[addr] = 0
	return nil
}

// Poll starts polling interrupt IN endpoint addr at its descriptor
// interval, one max-packet report per poll. Polling continues from the
// endpoint's current toggle; StopPoll or Close hands the toggle back.
func (d *Device) Poll(addr uint8, cb async.Callback) (*async.Request, error) {
	ep := d.Endpoint(addr)
	if ep == nil || !ep.IsInterrupt() || ep.Direction() != hal.DirectionIn {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "endpoint %#02x is not interrupt IN", addr)
	}
	if d.polling(addr) {
		return nil, errors.Wrapf(pkg.ErrAlreadyRunning, "endpoint %#02x is being polled", addr)
	}
	r, err := d.ctl.SubmitPeriodic(async.Params{
		Endpoint: ep.Target(d.address, d.speed),
		Dir:      hal.DirectionIn,
		Length:   int(ep.MaxPacketSize),
		Toggle:   d.toggles[addr],
		Interval: max(int(ep.Interval), 1),
		Callback: cb,
		Context:  d,
	})
	if err != nil {
		return nil, err
	}
	d.polls[addr] = r
	return r, nil
}

// StopPoll stops polling endpoint addr and keeps the toggle the last
// report ended at.
func (d *Device) StopPoll(addr uint8) {
	if d.polls[addr] == nil {
		return
	}
	ep := d.Endpoint(addr)
	d.ctl.RemoveEndpoint(d.address, ep.Number())
	d.polling(addr)
}

// Close stops every periodic request on the device's endpoints.
func (d *Device) Close() {
	for addr := range d.polls {
		d.StopPoll(addr)
	}
	for _, ep := range d.endpoints {
		d.ctl.RemoveEndpoint(d.address, ep.Number())
	}
}
