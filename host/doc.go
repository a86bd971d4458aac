// Package host is the upper-layer face of one UHCI host controller.
//
// A [Controller] owns everything one controller instance needs: the DMA
// pool, the frame list with its queue heads, the periodic request list and
// the critical section guarding them. Nothing is shared between instances.
//
// # Transfers
//
// Control, bulk and one-shot interrupt transfers are synchronous. Each
// builds a TD chain, hangs it under the shared control, bulk or sync
// interrupt queue head and busy-waits one frame at a time until the chain
// finishes or the timeout runs out:
//
//	res, err := ctl.BulkTransfer(ctx, host.DataRequest{
//	    Endpoint: desc.Endpoint{Device: 2, Number: 2, MaxPacket: 64, Speed: hal.SpeedFull},
//	    Dir:      hal.DirectionIn,
//	    Data:     buf,
//	})
//
// Periodic interrupt IN transfers are re-armed by the tick. With a
// non-zero [Config.TickPeriod], Start runs the tick on its own goroutine;
// otherwise the platform's timer calls [Controller.Monitor].
//
// # Devices
//
// [Controller.Enumerate] walks a freshly reset device at address 0 to the
// configured state and returns a [Device], which keeps data toggles across
// transfers and can poll its interrupt endpoints:
//
//	dev, err := ctl.Enumerate(ctx, hal.SpeedFull, 1)
//	req, err := dev.Poll(0x81, func(r *async.Request, report []byte, err error) async.Action {
//	    ...
//	    return async.Keep
//	})
//
// Isochronous transfers are not supported.
package host
