package desc

import (
	"encoding/binary"

	"github.com/ardnew/softuhci/mem"
)

// TD word offsets.
const (
	tdLink   = 0
	tdCtl    = 4
	tdToken  = 8
	tdBuffer = 12
)

// TD is a transfer descriptor: one USB packet.
//
// The hardware part lives in pool memory and is only reached through the
// pool's generation-checked chunk, so touching a freed TD is caught. The
// remaining fields are the software shadow the controller never sees.
type TD struct {
	pool  *mem.Pool
	chunk mem.Chunk
	next  *TD

	// Data is the device address of the packet buffer.
	Data uint32
	// DataLen is the number of bytes the packet was built to move.
	DataLen int
}

func (td *TD) word(off int) uint32 {
	return binary.LittleEndian.Uint32(td.pool.Bytes(td.chunk)[off:])
}

func (td *TD) setWord(off int, v uint32) {
	binary.LittleEndian.PutUint32(td.pool.Bytes(td.chunk)[off:], v)
}

// Addr returns the device address of the TD.
func (td *TD) Addr() uint32 {
	return td.chunk.Addr32()
}

// Next returns the following TD in the chain, or nil.
func (td *TD) Next() *TD {
	return td.next
}

// Link returns the raw link word.
func (td *TD) Link() uint32 {
	return td.word(tdLink)
}

// setNext links td to next depth-first, or terminates the chain.
func (td *TD) setNext(next *TD) {
	td.next = next
	if next == nil {
		td.setWord(tdLink, Terminate)
		return
	}
	td.setWord(tdLink, Link(next.Addr(), LinkDepth))
}

// Status returns the eight status bits.
func (td *TD) Status() uint32 {
	return fieldStatus.get(td.word(tdCtl))
}

// SetStatus replaces the eight status bits.
func (td *TD) SetStatus(s uint32) {
	td.setWord(tdCtl, fieldStatus.set(td.word(tdCtl), s))
}

// Active reports whether the controller still owns the TD.
func (td *TD) Active() bool {
	return td.Status()&StatusActive != 0
}

// ActualLen returns the number of bytes the controller moved.
func (td *TD) ActualLen() int {
	return DecodeLen(fieldActLen.get(td.word(tdCtl)))
}

// SetActualLen records the number of bytes moved.
func (td *TD) SetActualLen(n int) {
	td.setWord(tdCtl, fieldActLen.set(td.word(tdCtl), EncodeLen(n)))
}

// ErrorCount returns the remaining retry count.
func (td *TD) ErrorCount() int {
	return int(fieldCErr.get(td.word(tdCtl)))
}

// SetErrorCount sets the remaining retry count.
func (td *TD) SetErrorCount(n int) {
	td.setWord(tdCtl, fieldCErr.set(td.word(tdCtl), uint32(n)))
}

// ShortPacket reports whether short packet detection is enabled.
func (td *TD) ShortPacket() bool {
	return fieldSPD.get(td.word(tdCtl)) != 0
}

// LowSpeed reports whether the TD targets a low speed device.
func (td *TD) LowSpeed() bool {
	return fieldLS.get(td.word(tdCtl)) != 0
}

// InterruptOnComplete reports whether IOC is set.
func (td *TD) InterruptOnComplete() bool {
	return fieldIOC.get(td.word(tdCtl)) != 0
}

// Isochronous reports whether IOS is set. The engine never sets it.
func (td *TD) Isochronous() bool {
	return fieldIOS.get(td.word(tdCtl)) != 0
}

// PID returns the packet identifier.
func (td *TD) PID() uint8 {
	return uint8(fieldPID.get(td.word(tdToken)))
}

// Device returns the target device address.
func (td *TD) Device() uint8 {
	return uint8(fieldDevAddr.get(td.word(tdToken)))
}

// Endpoint returns the target endpoint number.
func (td *TD) Endpoint() uint8 {
	return uint8(fieldEndpt.get(td.word(tdToken)))
}

// Toggle returns the data toggle.
func (td *TD) Toggle() uint8 {
	return uint8(fieldToggle.get(td.word(tdToken)))
}

// MaxLen returns the packet length the TD allows.
func (td *TD) MaxLen() int {
	return DecodeLen(fieldMaxLen.get(td.word(tdToken)))
}

// Buffer returns the buffer pointer word.
func (td *TD) Buffer() uint32 {
	return td.word(tdBuffer)
}

// packet is the full hardware state of one TD at build time.
type packet struct {
	pid     uint8
	device  uint8
	endpt   uint8
	toggle  uint8
	length  int
	data    uint32
	low     bool
	spd     bool
	ioc     bool
}

// fill writes p into the hardware words and marks the TD active.
func (td *TD) fill(p packet) {
	ctl := fieldCErr.set(0, MaxErrorCount)
	ctl = fieldActLen.set(ctl, nullLength)
	ctl = fieldStatus.set(ctl, StatusActive)
	if p.low {
		ctl = fieldLS.set(ctl, 1)
	}
	if p.spd {
		ctl = fieldSPD.set(ctl, 1)
	}
	if p.ioc {
		ctl = fieldIOC.set(ctl, 1)
	}

	tok := fieldPID.set(0, uint32(p.pid))
	tok = fieldDevAddr.set(tok, uint32(p.device))
	tok = fieldEndpt.set(tok, uint32(p.endpt))
	tok = fieldToggle.set(tok, uint32(p.toggle))
	tok = fieldMaxLen.set(tok, EncodeLen(p.length))

	td.setWord(tdLink, Terminate)
	td.setWord(tdCtl, ctl)
	td.setWord(tdToken, tok)
	td.setWord(tdBuffer, p.data)

	td.Data = p.data
	td.DataLen = p.length
}
