// Package sim implements a software UHCI host controller.
//
// [Controller] satisfies [hal.Platform], so the transfer engine runs on it
// unmodified. It decodes the frame list, queue heads and transfer
// descriptors from the same bus memory real silicon would read, using its
// own copy of the register and descriptor layout.
//
// Time is virtual. Each millisecond passed to [Controller.Stall] or each
// frame passed to [Controller.Advance] executes one frame: the entry at
// FRNUM is walked, queue heads are followed horizontally and their element
// chains executed against attached [Function] implementations.
//
// # Devices
//
// [Device] is a scriptable function answering standard requests on
// endpoint 0, queued interrupt reports, bulk streams and endpoint halt:
//
//	ctl := sim.New()
//	dev := sim.NewDevice(deviceDescriptor, configDescriptor).SetAddress(1)
//	ctl.Attach(dev)
//	dev.QueueReport(1, []byte{0x00, 0x04})
//
// # Faults
//
// Bus addresses are never reused. A schedule pointer into unmapped memory
// sets Host System Error and halts the controller, and [Controller.Faults]
// counts such accesses.
package sim
