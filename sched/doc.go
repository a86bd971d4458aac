// Package sched owns the UHCI periodic frame list and the controller's
// register lifecycle.
//
// The frame list has 1024 entries, each pointing at a permanent anchor QH
// of its own, so an idle controller always walks a terminating structure.
// Periodic QHs are linked into every slot whose index is a multiple of
// their interval bucket ([IntervalToBucket]); within a slot they are
// ordered by decreasing interval. All slots end in the one-shot queues for
// synchronous interrupt, control and bulk transfers.
//
// The lifecycle is Idle, Running and Stopped, plus HaltedByError while
// [Schedule.AckInterrupts] restarts a controller that halted on its own.
package sched
