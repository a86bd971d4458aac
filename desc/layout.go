package desc

import (
	"github.com/ardnew/softuhci/pkg"
)

// Link word flag bits, shared by frame list entries, QH links and TD links.
const (
	LinkTerminate uint32 = 1 << 0 // T: no valid pointer follows
	LinkQH        uint32 = 1 << 1 // Q: pointer selects a queue head
	LinkDepth     uint32 = 1 << 2 // Vf: depth-first (TD links only)

	linkPointerMask uint32 = 0xFFFFFFF0
)

// Terminate is the link word that stops the controller.
const Terminate = LinkTerminate

// Link encodes a 16-byte aligned device address and flag bits into a
// hardware link word.
func Link(addr uint32, flags uint32) uint32 {
	if addr&^linkPointerMask != 0 {
		pkg.Assertf(pkg.ComponentDescriptor, "link target %#x not 16-byte aligned", addr)
	}
	if flags&^(LinkTerminate|LinkQH|LinkDepth) != 0 {
		pkg.Assertf(pkg.ComponentDescriptor, "link flags %#x out of range", flags)
	}
	return addr | flags
}

// LinkAddr returns the pointer part of a link word.
func LinkAddr(link uint32) uint32 {
	return link & linkPointerMask
}

// IsTerminate reports whether link stops the walk.
func IsTerminate(link uint32) bool {
	return link&LinkTerminate != 0
}

// IsQH reports whether link selects a queue head.
func IsQH(link uint32) bool {
	return link&LinkQH != 0
}

// field is a bit range inside a 32-bit hardware word.
type field struct {
	shift uint
	width uint
}

func (f field) mask() uint32 {
	return (1<<f.width - 1) << f.shift
}

func (f field) get(w uint32) uint32 {
	return (w & f.mask()) >> f.shift
}

// set stores v into the field. Values wider than the field are contract
// violations rather than silent truncation.
func (f field) set(w, v uint32) uint32 {
	if v > 1<<f.width-1 {
		pkg.Assertf(pkg.ComponentDescriptor, "value %#x exceeds %d-bit field at bit %d", v, f.width, f.shift)
	}
	return w&^f.mask() | v<<f.shift
}

// TD control and status word (word 1).
var (
	fieldActLen = field{0, 11}
	fieldStatus = field{16, 8}
	fieldIOC    = field{24, 1}
	fieldIOS    = field{25, 1}
	fieldLS     = field{26, 1}
	fieldCErr   = field{27, 2}
	fieldSPD    = field{29, 1}
)

// TD status bits, positioned inside the status field.
const (
	StatusBitStuff uint32 = 1 << 1 // Bitstuff error
	StatusCRC      uint32 = 1 << 2 // CRC or timeout error
	StatusNAK      uint32 = 1 << 3 // NAK received
	StatusBabble   uint32 = 1 << 4 // Babble detected
	StatusBuffer   uint32 = 1 << 5 // Data buffer error
	StatusStalled  uint32 = 1 << 6 // Stalled
	StatusActive   uint32 = 1 << 7 // Active

	statusErrors = StatusBitStuff | StatusCRC | StatusBabble | StatusBuffer | StatusStalled
)

// TD token word (word 2).
var (
	fieldPID     = field{0, 8}
	fieldDevAddr = field{8, 7}
	fieldEndpt   = field{15, 4}
	fieldToggle  = field{19, 1}
	fieldMaxLen  = field{21, 11}
)

// Packet identifiers.
const (
	PIDSetup uint8 = 0x2D
	PIDIn    uint8 = 0x69
	PIDOut   uint8 = 0xE1
)

// Hardware limits.
const (
	// MaxErrorCount is the retry count preloaded into every TD.
	MaxErrorCount = 3

	// MaxPacketLen is the largest length a TD can describe.
	MaxPacketLen = 1280

	// TDSize and QHSize are the hardware-visible sizes in bytes.
	TDSize = 16
	QHSize = 8

	// qhStride keeps packed QHs on link-pointer alignment.
	qhStride = 16

	// nullLength is the encoded value of a zero-length packet.
	nullLength = 0x7FF
)

// EncodeLen encodes a byte count in the n-1 form used by MaxLen and ActLen.
// Zero encodes to the 0x7FF sentinel.
func EncodeLen(n int) uint32 {
	if n < 0 || n > MaxPacketLen {
		pkg.Assertf(pkg.ComponentDescriptor, "packet length %d out of range", n)
	}
	if n == 0 {
		return nullLength
	}
	return uint32(n - 1)
}

// DecodeLen is the inverse of EncodeLen.
func DecodeLen(v uint32) int {
	return int((v + 1) & nullLength)
}

// PIDFor returns the packet identifier for a data direction.
func PIDFor(in bool) uint8 {
	if in {
		return PIDIn
	}
	return PIDOut
}
