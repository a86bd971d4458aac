// Package desc models UHCI transfer descriptors (TDs) and queue heads (QHs)
// and assembles them into the chains one logical transfer needs.
//
// Descriptors live in [mem.Pool] memory. The hardware words are reached
// through the pool's generation-checked chunks, so every access to a freed
// descriptor is caught; a small software shadow (chain links, buffer
// address, build length) sits beside them.
//
// # Link words
//
// Frame list entries, QH links and TD links share one format: a 16-byte
// aligned pointer with a terminate bit, a queue-head select bit and, for
// TD links, a depth-first bit. [Link] builds them and refuses misaligned
// targets.
//
// # Chains
//
// [Builder.BuildControl] produces a setup TD (toggle 0), one data TD per
// max-packet slice with toggles alternating from 1, and a status TD of
// toggle 1 that runs opposite the data stage. [Builder.BuildData] splits
// a bulk or interrupt buffer the same way starting from a given toggle and
// returns the toggle the endpoint continues with. Only the last TD of a
// chain interrupts on completion.
//
// [Inspect] reads a chain back once the controller has had a go at it and
// reports completion, achieved length, the follow-on toggle and the error
// conditions observed.
package desc
