package async

import (
	"sync/atomic"

	"github.com/ardnew/softuhci/desc"
	"github.com/ardnew/softuhci/hal"
)

// Action is a callback's verdict on its request.
type Action uint8

// Callback verdicts.
const (
	Keep   Action = iota // Re-arm and keep polling
	Remove               // Tear the request down before the tick returns
)

// Callback receives every finished chain of a periodic request. On success
// data holds the bytes received and err is nil; data aliases the request
// buffer and is only valid during the call. On failure data is nil and err
// wraps the transfer error (pkg.ErrStall for a halted endpoint).
//
// Callbacks run on the goroutine driving the tick, outside the critical
// section. They may remove requests or start transfers; returning Remove
// ends the request itself. Stopping or closing the controller from a
// callback waits for the tick that is running it and never returns.
type Callback func(r *Request, data []byte, err error) Action

// Params describes a periodic interrupt IN transfer.
type Params struct {
	Endpoint desc.Endpoint
	Dir      hal.Direction // Must be hal.DirectionIn
	Length   int           // Bytes polled per interval
	Toggle   uint8         // Data toggle of the first packet
	Interval int           // Polling interval in milliseconds
	Callback Callback
	Context  any
}

// State is the lifecycle state of a request.
type State uint8

// Request states.
const (
	StateArmed   State = iota // Chain linked, waiting for the controller
	StateRemoved              // Torn down; memory returned
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Request is one persistent periodic transfer.
type Request struct {
	mgr *Manager

	qh      *desc.QH
	chain   *desc.Chain
	buf     []byte
	mapping hal.Mapping

	ep        desc.Endpoint
	requested int
	bucket    int
	capped    bool
	callback  Callback
	ctx       any

	toggle atomic.Uint32
	state  atomic.Uint32

	prev, next *Request
}

// Endpoint returns the endpoint the request polls.
func (r *Request) Endpoint() desc.Endpoint { return r.ep }

// Length returns the number of bytes polled per interval.
func (r *Request) Length() int { return len(r.buf) }

// Interval returns the frame period the request is scheduled at.
func (r *Request) Interval() int { return r.bucket }

// RequestedInterval returns the interval the caller asked for.
func (r *Request) RequestedInterval() int { return r.requested }

// Capped reports that the requested interval exceeded the longest period
// the frame list can express, so the request polls more often than asked.
func (r *Request) Capped() bool { return r.capped }

// Context returns the caller's context value.
func (r *Request) Context() any { return r.ctx }

// Toggle returns the data toggle the next chain starts with.
func (r *Request) Toggle() uint8 { return uint8(r.toggle.Load()) }

// State returns the request state.
func (r *Request) State() State { return State(r.state.Load()) }
