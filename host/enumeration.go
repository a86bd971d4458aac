package host

import (
	"context"
	"time"
	"unicode/utf16"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softuhci/async"
	"github.com/ardnew/softuhci/desc"
	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/pkg"
	"github.com/ardnew/softuhci/tpl"
)

// setAddressRecovery is the time a device may take to switch to its new
// address after SET_ADDRESS.
const setAddressRecovery = 2 * time.Millisecond

func (c *Controller) control(ctx context.Context, ep desc.Endpoint, setup hal.SetupPacket, data []byte) (int, error) {
	res, err := c.ControlTransfer(ctx, ControlRequest{Endpoint: ep, Setup: setup, Data: data})
	return res.Length, err
}

// GetDescriptor reads descriptor (kind, index) into buf and returns its
// length.
func (c *Controller) GetDescriptor(ctx context.Context, ep desc.Endpoint, kind, index uint8, langID uint16, buf []byte) (int, error) {
	return c.control(ctx, ep, hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(kind)<<8 | uint16(index),
		Index:       langID,
		Length:      uint16(len(buf)),
	}, buf)
}

// SetAddress assigns addr to the device answering on ep.
func (c *Controller) SetAddress(ctx context.Context, ep desc.Endpoint, addr uint8) error {
	if addr == 0 || addr > MaxAddress {
		return errors.Wrapf(pkg.ErrInvalidParameter, "device address %d", addr)
	}
	_, err := c.control(ctx, ep, hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetAddress,
		Value:       uint16(addr),
	}, nil)
	return err
}

// SetConfiguration selects configuration value.
func (c *Controller) SetConfiguration(ctx context.Context, ep desc.Endpoint, value uint8) error {
	_, err := c.control(ctx, ep, hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}, nil)
	return err
}

// GetConfiguration returns the active configuration value.
func (c *Controller) GetConfiguration(ctx context.Context, ep desc.Endpoint) (uint8, error) {
	var buf [1]byte
	n, err := c.control(ctx, ep, hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetConfiguration,
		Length:      1,
	}, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, errors.Wrapf(pkg.ErrProtocol, "configuration value of %d bytes", n)
	}
	return buf[0], nil
}

// ClearHalt clears the halt feature of endpoint address addr. The
// endpoint's data toggle restarts at 0.
func (c *Controller) ClearHalt(ctx context.Context, ep desc.Endpoint, addr uint8) error {
	_, err := c.control(ctx, ep, hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(addr),
	}, nil)
	return err
}

// GetString reads string descriptor index in US English.
func (c *Controller) GetString(ctx context.Context, ep desc.Endpoint, index uint8) (string, error) {
	if index == 0 {
		return "", nil
	}
	buf := make([]byte, 255)
	n, err := c.GetDescriptor(ctx, ep, DescriptorTypeString, index, LangIDUSEnglish, buf)
	if err != nil {
		return "", err
	}
	if n < 2 || buf[1] != DescriptorTypeString {
		return "", errors.Wrapf(pkg.ErrProtocol, "string descriptor %d", index)
	}
	n = min(n, int(buf[0]))
	units := make([]uint16, 0, (n-2)/2)
	for i := 2; i+1 < n; i += 2 {
		units = append(units, uint16(buf[i])|uint16(buf[i+1])<<8)
	}
	return string(utf16.Decode(units)), nil
}

// Enumerate brings the device answering at address 0 to the configured
// state at address addr: it reads the control packet size, assigns the
// address, reads the device and configuration descriptors and selects the
// first configuration.
func (c *Controller) Enumerate(ctx context.Context, speed hal.Speed, addr uint8) (*Device, error) {
	c.log.Debug("starting enumeration",
		"address", addr,
		"speed", speed)

	d := &Device{
		ctl:     c,
		speed:   speed,
		toggles: make(map[uint8]uint8),
		polls:   make(map[uint8]*async.Request),
	}

	// The first eight bytes hold bMaxPacketSize0.
	var buf [MaxDescriptorSize]byte
	n, err := c.GetDescriptor(ctx, d.Control(), DescriptorTypeDevice, 0, 0, buf[:DefaultMaxPacket0])
	if err != nil {
		return nil, errors.Wrap(err, "read max packet size")
	}
	if n < DefaultMaxPacket0 {
		return nil, errors.Wrapf(pkg.ErrProtocol, "device descriptor prefix of %d bytes", n)
	}
	d.descriptor.MaxPacketSize0 = buf[7]

	if err := c.SetAddress(ctx, d.Control(), addr); err != nil {
		return nil, errors.Wrap(err, "set address")
	}
	c.stall(setAddressRecovery)
	d.address = addr

	n, err = c.GetDescriptor(ctx, d.Control(), DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return nil, errors.Wrap(err, "read device descriptor")
	}
	if !ParseDeviceDescriptor(buf[:n], &d.descriptor) {
		return nil, errors.Wrapf(pkg.ErrProtocol, "device descriptor of %d bytes", n)
	}

	n, err = c.GetDescriptor(ctx, d.Control(), DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return nil, errors.Wrap(err, "read configuration header")
	}
	var hdr ConfigurationDescriptor
	if !ParseConfigurationDescriptor(buf[:n], &hdr) {
		return nil, errors.Wrapf(pkg.ErrProtocol, "configuration header of %d bytes", n)
	}
	total := min(int(hdr.TotalLength), len(buf))
	n, err = c.GetDescriptor(ctx, d.Control(), DescriptorTypeConfiguration, 0, 0, buf[:total])
	if err != nil {
		return nil, errors.Wrap(err, "read configuration")
	}
	if err := d.parseConfiguration(buf[:n]); err != nil {
		return nil, err
	}

	if err := c.SetConfiguration(ctx, d.Control(), d.config.ConfigurationValue); err != nil {
		return nil, errors.Wrap(err, "set configuration")
	}

	c.log.Info("device enumerated",
		"address", addr,
		"vendor", d.descriptor.VendorID,
		"product", d.descriptor.ProductID,
		"interfaces", len(d.interfaces),
		"endpoints", len(d.endpoints))
	return d, nil
}

// stall busy-waits inside the critical section.
func (c *Controller) stall(d time.Duration) {
	defer c.section.Raise(tpl.Notify)()
	c.platform.Stall(d)
}
