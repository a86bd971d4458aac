package desc

import (
	"github.com/ardnew/softuhci/pkg"
)

// Result is the outcome of inspecting a chain.
type Result struct {
	// Finished is false while the controller still owns part of the chain.
	Finished bool
	// Complete is the number of data bytes moved, setup stage excluded.
	Complete int
	// NextToggle is the toggle following the last successfully executed TD,
	// or the chain's first toggle when none succeeded.
	NextToggle uint8
	// Result holds the error conditions observed.
	Result pkg.TransferResult
}

// Inspect walks c and reports how far the controller got. It stops at the
// first active TD, the first failed TD, or a short inbound packet.
func Inspect(c *Chain) Result {
	r := Result{Finished: true}
	if c == nil || c.Head == nil {
		return r
	}
	r.NextToggle = c.Head.Toggle()

	for td := c.Head; td != nil; td = td.next {
		status := td.Status()

		switch {
		case status&StatusStalled != 0:
			// The controller stalls a TD both on a STALL handshake and when
			// the retry count runs out; a non-zero count tells them apart.
			if status&StatusBabble != 0 {
				r.Result |= pkg.ResultBabble
			} else if td.ErrorCount() != 0 {
				r.Result |= pkg.ResultStall
			}
			if status&StatusCRC != 0 {
				r.Result |= pkg.ResultCRCTimeout
			}
			if status&StatusBuffer != 0 {
				r.Result |= pkg.ResultBuffer
			}
			if status&StatusBitStuff != 0 {
				r.Result |= pkg.ResultBitStuff
			}
			if status&StatusNAK != 0 {
				r.Result |= pkg.ResultNAK
			}
			if r.Result == pkg.ResultOK {
				r.Result = pkg.ResultStall
			}
			return r

		case status&StatusActive != 0:
			r.Result |= pkg.ResultNotExecuted
			r.Finished = false
			return r

		case status&statusErrors != 0:
			// Inactive with error bits but no stall: treat the first bit
			// reported as the failure.
			r.Result |= decodeErrors(status)
			return r
		}

		r.NextToggle = td.Toggle() ^ 1
		n := td.ActualLen()
		if td.PID() != PIDSetup {
			r.Complete += n
		}
		if td.PID() == PIDIn && n < td.DataLen {
			return r
		}
	}
	return r
}

func decodeErrors(status uint32) pkg.TransferResult {
	var r pkg.TransferResult
	if status&StatusBabble != 0 {
		r |= pkg.ResultBabble
	}
	if status&StatusBuffer != 0 {
		r |= pkg.ResultBuffer
	}
	if status&StatusCRC != 0 {
		r |= pkg.ResultCRCTimeout
	}
	if status&StatusBitStuff != 0 {
		r |= pkg.ResultBitStuff
	}
	return r
}

// Leading reports whether the chain's first TD is still active, which is
// all the periodic monitor needs to skip a request.
func Leading(c *Chain) bool {
	return c != nil && c.Head != nil && c.Head.Active()
}
