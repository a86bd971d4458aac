package sim

import (
	"github.com/cockroachdb/errors"

	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Register offsets of the I/O space.
const (
	regUSBCMD    = 0x00
	regUSBSTS    = 0x02
	regUSBINTR   = 0x04
	regFRNUM     = 0x06
	regFRBASEADD = 0x08
	regSOFMOD    = 0x0C
	regPORTSC1   = 0x10
	regPORTSC2   = 0x12
)

// USBCMD bits.
const (
	cmdRS      uint16 = 1 << 0
	cmdHCRESET uint16 = 1 << 1
	cmdGRESET  uint16 = 1 << 2
)

// USBSTS bits.
const (
	stsUSBINT uint16 = 1 << 0
	stsERROR  uint16 = 1 << 1
	stsRD     uint16 = 1 << 2
	stsHSE    uint16 = 1 << 3
	stsHCPE   uint16 = 1 << 4
	stsHCH    uint16 = 1 << 5

	stsClearable = stsUSBINT | stsERROR | stsRD | stsHSE | stsHCPE
)

const frnumMask = 0x7FF

// ReadRegister implements hal.Platform.
func (c *Controller) ReadRegister(offset uint32, width hal.Width) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var v uint32
	switch offset {
	case regUSBCMD:
		v = uint32(c.cmd)
	case regUSBSTS:
		s := c.sts
		if c.halted {
			s |= stsHCH
		}
		v = uint32(s)
	case regUSBINTR:
		v = uint32(c.intr)
	case regFRNUM:
		v = uint32(c.frnum)
	case regFRBASEADD:
		if width != hal.Width32 {
			return 0, errors.Newf("FRBASEADD read with width %d", width)
		}
		v = c.frbase
	case regSOFMOD:
		v = uint32(c.sofmod)
	case regPORTSC1, regPORTSC2:
		v = uint32(c.portsc[(offset-regPORTSC1)/2])
	default:
		return 0, errors.Wrapf(pkg.ErrInvalidParameter, "register offset %#x", offset)
	}
	return v & widthMask(width), nil
}

// WriteRegister implements hal.Platform.
func (c *Controller) WriteRegister(offset uint32, width hal.Width, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	value &= widthMask(width)
	switch offset {
	case regUSBCMD:
		c.writeCommand(uint16(value))
	case regUSBSTS:
		c.sts &^= uint16(value) & stsClearable
	case regUSBINTR:
		c.intr = uint16(value) & 0x0F
	case regFRNUM:
		if !c.halted {
			return errors.New("FRNUM written while running")
		}
		c.frnum = uint16(value) & frnumMask
	case regFRBASEADD:
		if width != hal.Width32 {
			return errors.Newf("FRBASEADD written with width %d", width)
		}
		c.frbase = value &^ 0xFFF
	case regSOFMOD:
		c.sofmod = uint8(value) & 0x7F
	case regPORTSC1, regPORTSC2:
		c.portsc[(offset-regPORTSC1)/2] = uint16(value)
	default:
		return errors.Wrapf(pkg.ErrInvalidParameter, "register offset %#x", offset)
	}
	return nil
}

func (c *Controller) writeCommand(v uint16) {
	if c.wedged && v&(cmdHCRESET|cmdGRESET) != 0 {
		c.cmd |= v & (cmdHCRESET | cmdGRESET)
		return
	}
	if v&cmdHCRESET != 0 {
		c.reset()
		// HCRESET self-clears once the reset is done.
		c.cmd = v &^ (cmdHCRESET | cmdRS)
		return
	}
	if v&cmdGRESET != 0 {
		c.reset()
		c.cmd = v &^ cmdRS
		return
	}

	run := v&cmdRS != 0
	c.cmd = v
	switch {
	case run && c.halted:
		c.halted = false
		c.haltPending = false
	case run:
		c.haltPending = false
	case !c.halted && !c.stuck:
		// The controller finishes the current frame before halting.
		c.haltPending = true
	}
}

func (c *Controller) reset() {
	c.cmd = 0
	c.sts = 0
	c.intr = 0
	c.frnum = 0
	c.frbase = 0
	c.sofmod = 0x40
	c.portsc = [2]uint16{}
	c.halted = true
	c.haltPending = false
}

func widthMask(w hal.Width) uint32 {
	switch w {
	case hal.Width8:
		return 0xFF
	case hal.Width16:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}
