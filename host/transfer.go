package host

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softuhci/desc"
	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/pkg"
	"github.com/ardnew/softuhci/tpl"
)

// pollPeriod is the busy-wait step of one-shot transfers, one frame.
const pollPeriod = time.Millisecond

// ControlRequest describes a control transfer. The data stage direction and
// length come from Setup; Data must hold at least Setup.Length bytes.
type ControlRequest struct {
	Endpoint desc.Endpoint
	Setup    hal.SetupPacket
	Data     []byte
	Timeout  time.Duration // Zero uses Config.TransferTimeout
}

// DataRequest describes a bulk or one-shot interrupt transfer.
type DataRequest struct {
	Endpoint desc.Endpoint
	Dir      hal.Direction
	Data     []byte
	Toggle   uint8         // Data toggle of the first packet
	Timeout  time.Duration // Zero uses Config.TransferTimeout
}

// Result is the outcome of a one-shot transfer.
type Result struct {
	// Length is the number of data bytes moved.
	Length int
	// Toggle is the data toggle the endpoint's next transfer starts with.
	Toggle uint8
	// Result holds the hardware error conditions observed.
	Result pkg.TransferResult
}

// mappings tracks the bus-master mappings of one transfer so they are torn
// down on every path.
type mappings struct {
	platform hal.Platform
	live     []hal.Mapping
}

func (m *mappings) add(buf []byte, dir hal.MapDirection) (uint32, error) {
	mp, err := m.platform.Map(buf, dir)
	if err != nil {
		return 0, errors.WithSecondaryError(errors.Wrap(pkg.ErrNoMemory, "map transfer buffer"), err)
	}
	m.live = append(m.live, mp)
	addr, ok := hal.Addr32(mp)
	if !ok {
		return 0, errors.Wrapf(pkg.ErrNoMemory, "transfer buffer mapped above 4 GiB at %#x", mp.DeviceAddress())
	}
	return addr, nil
}

// release unmaps in reverse order. Inbound data is visible once it returns.
func (m *mappings) release() error {
	var err error
	for i := len(m.live) - 1; i >= 0; i-- {
		if uerr := m.platform.Unmap(m.live[i]); uerr != nil {
			err = errors.CombineErrors(err, uerr)
		}
	}
	m.live = nil
	return err
}

func mapDirection(dir hal.Direction) hal.MapDirection {
	if dir == hal.DirectionIn {
		return hal.MapFromDevice
	}
	return hal.MapToDevice
}

// ControlTransfer runs a control transfer on the shared control queue and
// waits for it to finish.
func (c *Controller) ControlTransfer(ctx context.Context, req ControlRequest) (Result, error) {
	dir := req.Setup.Direction()
	n := int(req.Setup.Length)
	if n > len(req.Data) {
		return Result{}, errors.Wrapf(pkg.ErrInvalidParameter,
			"setup length %d exceeds %d-byte buffer", n, len(req.Data))
	}

	defer c.section.Raise(tpl.Notify)()
	if err := c.checkRunning(); err != nil {
		return Result{}, err
	}

	m := &mappings{platform: c.platform}
	defer func() { _ = m.release() }()

	var setup [hal.SetupPacketSize]byte
	req.Setup.MarshalTo(setup[:])
	setupAddr, err := m.add(setup[:], hal.MapToDevice)
	if err != nil {
		return Result{}, err
	}
	var dataAddr uint32
	if n > 0 {
		if dataAddr, err = m.add(req.Data[:n], mapDirection(dir)); err != nil {
			return Result{}, err
		}
	}

	chain, err := c.builder.BuildControl(desc.ControlRequest{
		Endpoint: req.Endpoint,
		Setup:    setupAddr,
		Dir:      dir,
		Data:     dataAddr,
		Length:   n,
	})
	if err != nil {
		return Result{}, err
	}

	res := c.execute(ctx, c.schedule.ControlQH(), chain, c.timeout(req.Timeout), true)
	if uerr := m.release(); uerr != nil {
		res.Result |= pkg.ResultSystem
	}
	out := Result{Length: res.Complete, Toggle: res.NextToggle, Result: res.Result}
	return out, c.transferError(ctx, "control", req.Endpoint, out.Result)
}

// BulkTransfer runs a bulk transfer on the shared bulk queue and waits for
// it to finish. Low speed devices have no bulk endpoints.
func (c *Controller) BulkTransfer(ctx context.Context, req DataRequest) (Result, error) {
	if req.Endpoint.Speed == hal.SpeedLow {
		return Result{Toggle: req.Toggle}, errors.Wrap(pkg.ErrInvalidParameter, "bulk transfer to a low speed device")
	}
	return c.dataTransfer(ctx, "bulk", c.schedule.BulkQH(), req)
}

// InterruptTransfer runs a single interrupt transfer on the sync interrupt
// queue and waits for it to finish.
func (c *Controller) InterruptTransfer(ctx context.Context, req DataRequest) (Result, error) {
	return c.dataTransfer(ctx, "interrupt", c.schedule.SyncIntQH(), req)
}

// IsochronousTransfer is not supported by this controller.
func (c *Controller) IsochronousTransfer(context.Context, DataRequest) (Result, error) {
	return Result{}, errors.Wrap(pkg.ErrNotSupported, "isochronous transfer")
}

func (c *Controller) dataTransfer(ctx context.Context, kind string, qh *desc.QH, req DataRequest) (Result, error) {
	if len(req.Data) == 0 {
		return Result{Toggle: req.Toggle}, errors.Wrapf(pkg.ErrInvalidParameter, "empty %s transfer", kind)
	}
	if req.Dir != hal.DirectionIn && req.Dir != hal.DirectionOut {
		return Result{Toggle: req.Toggle}, errors.Wrapf(pkg.ErrInvalidParameter, "%s transfer direction %s", kind, req.Dir)
	}

	defer c.section.Raise(tpl.Notify)()
	if err := c.checkRunning(); err != nil {
		return Result{Toggle: req.Toggle}, err
	}

	m := &mappings{platform: c.platform}
	defer func() { _ = m.release() }()

	addr, err := m.add(req.Data, mapDirection(req.Dir))
	if err != nil {
		return Result{Toggle: req.Toggle}, err
	}
	chain, _, err := c.builder.BuildData(desc.DataRequest{
		Endpoint: req.Endpoint,
		Dir:      req.Dir,
		Data:     addr,
		Length:   len(req.Data),
		Toggle:   req.Toggle,
	})
	if err != nil {
		return Result{Toggle: req.Toggle}, err
	}

	res := c.execute(ctx, qh, chain, c.timeout(req.Timeout), false)
	if uerr := m.release(); uerr != nil {
		res.Result |= pkg.ResultSystem
	}
	out := Result{Length: res.Complete, Toggle: res.NextToggle, Result: res.Result}
	return out, c.transferError(ctx, kind, req.Endpoint, out.Result)
}

func (c *Controller) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return c.cfg.TransferTimeout
}

// execute hangs chain under qh, polls it once per pollPeriod until it
// finishes, the timeout runs out or ctx is done, then takes it down and
// frees it. The section must be raised.
//
// A control transfer whose data stage ended short still owes its status
// stage; the QH is pointed at the status TD and polling continues.
func (c *Controller) execute(ctx context.Context, qh *desc.QH, chain *desc.Chain, timeout time.Duration, control bool) desc.Result {
	qh.LinkChain(chain)

	deadline := timeout
	res := c.wait(ctx, chain, &deadline)
	if control && res.Finished && res.Result == pkg.ResultOK && chain.Tail.Active() {
		status := &desc.Chain{Head: chain.Tail, Tail: chain.Tail, Count: 1}
		qh.LinkChain(status)
		st := c.wait(ctx, status, &deadline)
		res.Finished = st.Finished
		res.Result |= st.Result
	}

	qh.UnlinkChain()
	if !res.Finished {
		// The controller may still be working on a TD it fetched this
		// frame; let the frame end before the memory goes back.
		c.platform.Stall(pollPeriod)
	}
	if !c.schedule.Healthy() {
		res.Result |= pkg.ResultSystem
	}
	if res.Result != pkg.ResultOK {
		c.log.Debug("one-shot transfer failed",
			"device", chain.Head.Device(),
			"endpoint", chain.Head.Endpoint(),
			"result", res.Result)
	}
	c.builder.FreeChain(chain)
	return res
}

// wait polls chain until it finishes, *left runs out or ctx is done, and
// charges the time spent to *left.
func (c *Controller) wait(ctx context.Context, chain *desc.Chain, left *time.Duration) desc.Result {
	for {
		res := desc.Inspect(chain)
		if res.Finished || *left <= 0 || ctx.Err() != nil {
			return res
		}
		c.platform.Stall(pollPeriod)
		*left -= pollPeriod
	}
}

// transferError turns a result into the error returned to the caller.
func (c *Controller) transferError(ctx context.Context, kind string, ep desc.Endpoint, r pkg.TransferResult) error {
	if r == pkg.ResultOK {
		return nil
	}
	if r&pkg.ResultNotExecuted != 0 && ctx.Err() != nil {
		return errors.WithSecondaryError(
			errors.Wrapf(pkg.ErrCancelled, "%s transfer to %d.%d", kind, ep.Device, ep.Number), ctx.Err())
	}
	if r == pkg.ResultNotExecuted {
		// The deadline ran out before the controller reached the chain.
		return errors.Mark(
			errors.Wrapf(pkg.ErrNotExecuted, "%s transfer to %d.%d", kind, ep.Device, ep.Number), pkg.ErrTimeout)
	}
	return errors.Wrapf(r.Error(), "%s transfer to %d.%d: %s", kind, ep.Device, ep.Number, r)
}
