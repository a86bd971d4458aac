package sched

import (
	"encoding/binary"
	"math/bits"

	"github.com/ardnew/softuhci/desc"
	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/mem"
	"github.com/ardnew/softuhci/pkg"
)

// FrameListLen is the number of frame list entries.
const FrameListLen = 1024

// frameListSize is the size and alignment of the frame list in bytes.
const frameListSize = FrameListLen * 4

// Schedule owns the periodic frame list and the controller registers.
//
// Every slot points at its own permanent anchor QH. Periodic QHs hang off
// the anchors ordered by decreasing interval, and every slot's chain ends
// in the shared one-shot queues: sync interrupt, then control, then bulk.
//
// Schedule is not safe for concurrent use; callers serialize through their
// critical section.
type Schedule struct {
	platform hal.Platform
	builder  *desc.Builder

	frames  mem.Chunk
	anchors []*desc.QH
	syncInt *desc.QH
	control *desc.QH
	bulk    *desc.QH

	periodic map[*desc.QH]struct{}
	state    State
}

// New builds the frame list, the anchors and the one-shot queues. The
// controller is left untouched until Start.
func New(p hal.Platform, b *desc.Builder) (*Schedule, error) {
	s := &Schedule{
		platform: p,
		builder:  b,
		periodic: make(map[*desc.QH]struct{}),
	}

	var err error
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	if s.frames, err = b.Pool().AllocateAligned(frameListSize, frameListSize); err != nil {
		return nil, err
	}
	if s.anchors, err = b.NewQHs(FrameListLen, 0); err != nil {
		return nil, err
	}
	if s.syncInt, err = b.NewQH(0); err != nil {
		return nil, err
	}
	if s.control, err = b.NewQH(0); err != nil {
		return nil, err
	}
	if s.bulk, err = b.NewQH(0); err != nil {
		return nil, err
	}

	s.control.SetNext(s.bulk)
	s.syncInt.SetNext(s.control)

	list := b.Pool().Bytes(s.frames)
	for i, anchor := range s.anchors {
		anchor.SetNext(s.syncInt)
		binary.LittleEndian.PutUint32(list[i*4:], desc.Link(anchor.Addr(), desc.LinkQH))
	}

	pkg.LogDebug(pkg.ComponentSchedule, "frame list built",
		"addr", s.frames.Addr,
		"entries", FrameListLen)
	return s, nil
}

// release frees whatever New managed to allocate.
func (s *Schedule) release() {
	b := s.builder
	for _, qh := range []*desc.QH{s.bulk, s.control, s.syncInt} {
		if qh != nil {
			b.FreeQH(qh)
		}
	}
	if s.anchors != nil {
		b.FreeQHs(s.anchors)
	}
	if !s.frames.IsZero() {
		b.Pool().Free(s.frames)
	}
	s.bulk, s.control, s.syncInt, s.anchors, s.frames = nil, nil, nil, nil, mem.Chunk{}
}

// Close releases the frame list and every queue it owns. The controller
// must be stopped and every periodic QH unlinked.
func (s *Schedule) Close() {
	if s.anchors == nil {
		return
	}
	if n := len(s.periodic); n > 0 {
		pkg.Assertf(pkg.ComponentSchedule, "schedule closed with %d periodic QHs linked", n)
	}
	s.release()
}

// FrameListAddr returns the device address of the frame list.
func (s *Schedule) FrameListAddr() uint32 {
	return s.frames.Addr32()
}

// ControlQH returns the one-shot control queue.
func (s *Schedule) ControlQH() *desc.QH { return s.control }

// BulkQH returns the one-shot bulk queue.
func (s *Schedule) BulkQH() *desc.QH { return s.bulk }

// SyncIntQH returns the one-shot interrupt queue.
func (s *Schedule) SyncIntQH() *desc.QH { return s.syncInt }

// Entry returns the raw frame list entry of slot i.
func (s *Schedule) Entry(i int) uint32 {
	return binary.LittleEndian.Uint32(s.builder.Pool().Bytes(s.frames)[i*4:])
}

// Anchor returns the anchor QH of slot i.
func (s *Schedule) Anchor(i int) *desc.QH {
	return s.anchors[i]
}

// IntervalToBucket converts a polling interval in milliseconds to the
// frame period the QH is scheduled at: the largest power of two not above
// ms, capped at FrameListLen. capped reports that ms exceeded the coarsest
// bucket and the request is served more often than asked.
func IntervalToBucket(ms int) (k int, capped bool) {
	if ms < 1 {
		pkg.Assertf(pkg.ComponentSchedule, "interval %d below one frame", ms)
	}
	if ms > FrameListLen {
		return FrameListLen, true
	}
	return 1 << (bits.Len(uint(ms)) - 1), false
}

// LinkPeriodic inserts qh into every slot that is a multiple of its
// interval, after the anchor and after every QH with a longer interval.
// Because QHs of shorter intervals appear in a superset of those slots,
// qh gets the same successor everywhere and its single horizontal link
// stays valid. qh's own link is written before it becomes reachable.
func (s *Schedule) LinkPeriodic(qh *desc.QH) {
	k := qh.Interval
	if k < 1 || k > FrameListLen || k&(k-1) != 0 {
		pkg.Assertf(pkg.ComponentSchedule, "QH %#x interval %d is not a bucket", qh.Addr(), k)
	}
	if _, ok := s.periodic[qh]; ok {
		pkg.Assertf(pkg.ComponentSchedule, "QH %#x linked twice", qh.Addr())
	}

	var succ *desc.QH
	for i := 0; i < FrameListLen; i += k {
		prev := s.anchors[i]
		for n := prev.Next(); n != s.syncInt && n.Interval > k; n = prev.Next() {
			prev = n
		}
		if prev.Next() == qh {
			// Reached through a longer-interval QH already rewired.
			continue
		}
		if succ == nil {
			succ = prev.Next()
			qh.SetNext(succ)
		} else if prev.Next() != succ {
			pkg.Assertf(pkg.ComponentSchedule, "slot %d diverges: successor %#x, want %#x",
				i, prev.Next().Addr(), succ.Addr())
		}
		prev.SetNext(qh)
	}
	s.periodic[qh] = struct{}{}

	pkg.LogDebug(pkg.ComponentSchedule, "periodic QH linked",
		"qh", qh.Addr(),
		"interval", k,
		"slots", FrameListLen/k)
}

// UnlinkPeriodic removes qh from every slot it occupies. The order of the
// remaining QHs is unchanged. qh keeps its horizontal link so a controller
// already positioned on it still reaches the rest of the frame.
func (s *Schedule) UnlinkPeriodic(qh *desc.QH) {
	if _, ok := s.periodic[qh]; !ok {
		pkg.Assertf(pkg.ComponentSchedule, "unlink of QH %#x not in the schedule", qh.Addr())
	}
	k := qh.Interval
	for i := 0; i < FrameListLen; i += k {
		prev := s.anchors[i]
		for n := prev.Next(); n != nil && n != qh; n = prev.Next() {
			prev = n
		}
		if prev.Next() == qh {
			prev.SetNext(qh.Next())
		}
	}
	delete(s.periodic, qh)

	pkg.LogDebug(pkg.ComponentSchedule, "periodic QH unlinked",
		"qh", qh.Addr(),
		"interval", k)
}

// Linked reports whether qh is in the periodic schedule.
func (s *Schedule) Linked(qh *desc.QH) bool {
	_, ok := s.periodic[qh]
	return ok
}

// SlotQHs returns the periodic QHs slot i reaches, in walk order.
func (s *Schedule) SlotQHs(i int) []*desc.QH {
	var qhs []*desc.QH
	for qh := s.anchors[i].Next(); qh != nil && qh != s.syncInt; qh = qh.Next() {
		qhs = append(qhs, qh)
	}
	return qhs
}

// Occupancy returns the number of slots that reach qh.
func (s *Schedule) Occupancy(qh *desc.QH) int {
	n := 0
	for i := range FrameListLen {
		for q := s.anchors[i].Next(); q != nil && q != s.syncInt; q = q.Next() {
			if q == qh {
				n++
				break
			}
		}
	}
	return n
}
