package hal

import (
	"time"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants. UHCI only drives low and full speed devices.
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	default:
		return "Unknown"
	}
}

// Direction is the data direction of a transfer, from the host's point of view.
type Direction uint8

// Transfer directions.
const (
	DirectionNone Direction = iota // No data stage
	DirectionIn                    // Device to host
	DirectionOut                   // Host to device
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	default:
		return "none"
	}
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// Direction returns the data stage direction encoded in bmRequestType.
func (s *SetupPacket) Direction() Direction {
	switch {
	case s.Length == 0:
		return DirectionNone
	case s.RequestType&0x80 != 0:
		return DirectionIn
	default:
		return DirectionOut
	}
}

// DeviceAddress represents a USB device address (0-127).
type DeviceAddress uint8

// PageSize is the size of one DMA page handed out by AllocateDMA.
const PageSize = 4096

// MapDirection selects how a bus-master mapping is used.
type MapDirection uint8

// Bus-master mapping directions.
const (
	MapToDevice   MapDirection = iota // Device reads the buffer
	MapFromDevice                     // Device writes the buffer
	MapCommon                         // Device and host access the buffer concurrently
)

// String returns a human-readable mapping direction.
func (d MapDirection) String() string {
	switch d {
	case MapToDevice:
		return "to-device"
	case MapFromDevice:
		return "from-device"
	case MapCommon:
		return "common"
	default:
		return "unknown"
	}
}

// Mapping is a live bus-master mapping of a host buffer.
type Mapping interface {
	// DeviceAddress returns the address the controller uses for the buffer.
	DeviceAddress() uint64

	// Len returns the mapped length in bytes.
	Len() int
}

// Width is the access width of a register operation.
type Width uint8

// Register access widths.
const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
)

// Platform is the bus layer the transfer engine runs on.
//
// It owns DMA page allocation, bus-master mapping and controller register
// access. The engine calls it only from inside its critical section, so
// implementations need no locking of their own for engine use.
type Platform interface {
	// AllocateDMA returns pages of physically contiguous, DMA-capable host
	// memory. The returned slice never moves.
	AllocateDMA(pages int) ([]byte, error)

	// FreeDMA releases memory returned by AllocateDMA.
	FreeDMA(host []byte) error

	// Map makes host visible to the controller and returns the mapping.
	Map(host []byte, dir MapDirection) (Mapping, error)

	// Unmap tears down a mapping. For MapFromDevice and MapCommon mappings
	// the host buffer holds the device-written data once Unmap returns.
	Unmap(m Mapping) error

	// ReadRegister reads a controller register.
	ReadRegister(offset uint32, width Width) (uint32, error)

	// WriteRegister writes a controller register.
	WriteRegister(offset uint32, width Width, value uint32) error

	// Stall busy-waits for at least d.
	Stall(d time.Duration)
}

// Addr32 returns the device address of m if a 32-bit bus master can reach
// the whole mapping.
func Addr32(m Mapping) (uint32, bool) {
	end := m.DeviceAddress() + uint64(m.Len())
	if end > 1<<32 {
		return 0, false
	}
	return uint32(m.DeviceAddress()), true
}
