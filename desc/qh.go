package desc

import (
	"encoding/binary"

	"github.com/ardnew/softuhci/mem"
)

// QH word offsets.
const (
	qhHorizontal = 0
	qhElement    = 4
)

// QH is a queue head: a scheduling anchor that links horizontally to the
// next queue head and vertically to the TD chain it currently serves.
type QH struct {
	pool   *mem.Pool
	chunk  mem.Chunk
	off    int  // offset inside a packed allocation
	packed bool // allocated by NewQHs
	next   *QH
	tds    *TD

	// Interval is the frame period the QH is scheduled at. Zero for
	// queue heads outside the periodic buckets.
	Interval int
}

func (qh *QH) word(off int) uint32 {
	return binary.LittleEndian.Uint32(qh.pool.Bytes(qh.chunk)[qh.off+off:])
}

func (qh *QH) setWord(off int, v uint32) {
	binary.LittleEndian.PutUint32(qh.pool.Bytes(qh.chunk)[qh.off+off:], v)
}

// Addr returns the device address of the QH.
func (qh *QH) Addr() uint32 {
	return qh.chunk.Addr32() + uint32(qh.off)
}

// Next returns the horizontally linked QH, or nil.
func (qh *QH) Next() *QH {
	return qh.next
}

// SetNext rewrites the horizontal link.
func (qh *QH) SetNext(next *QH) {
	qh.next = next
	if next == nil {
		qh.setWord(qhHorizontal, Terminate)
		return
	}
	qh.setWord(qhHorizontal, Link(next.Addr(), LinkQH))
}

// Horizontal returns the raw horizontal link word.
func (qh *QH) Horizontal() uint32 {
	return qh.word(qhHorizontal)
}

// Element returns the raw element (vertical) link word. The controller
// advances it as TDs complete.
func (qh *QH) Element() uint32 {
	return qh.word(qhElement)
}

// TDs returns the head of the chain the QH serves, or nil.
func (qh *QH) TDs() *TD {
	return qh.tds
}

// LinkChain hangs c under qh. The chain must be fully built.
func (qh *QH) LinkChain(c *Chain) {
	qh.tds = c.Head
	qh.setWord(qhElement, Link(c.Head.Addr(), 0))
}

// UnlinkChain detaches the current chain from qh.
func (qh *QH) UnlinkChain() {
	qh.tds = nil
	qh.setWord(qhElement, Terminate)
}
