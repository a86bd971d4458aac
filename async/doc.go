// Package async manages persistent periodic (interrupt IN) transfers.
//
// A [Request] owns a queue head linked into every frame slot of its
// interval bucket, the TD chain currently hanging under it, and a mapped
// receive buffer. [Manager.Monitor] is the periodic tick: for every
// request whose chain the controller has finished it takes the chain down
// and unmaps the buffer inside the critical section, then hands the data
// or the error to the callback outside it, and re-arms a fresh chain from
// the toggle the finished one ended at. A consumed TD is never
// resubmitted.
//
// Removal unlinks the QH from the schedule before any memory is released
// and completes before [Manager.Remove] returns. A callback ends its own
// request by returning [Remove].
package async
