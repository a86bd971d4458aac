package sim

// Schedule word layout as the controller decodes it.
const (
	linkT  uint32 = 1 << 0
	linkQ  uint32 = 1 << 1
	linkVf uint32 = 1 << 2

	linkPtr uint32 = 0xFFFFFFF0

	ctlActLen  uint32 = 0x7FF
	ctlStatus         = 16
	ctlIOC     uint32 = 1 << 24
	ctlCErr           = 27
	ctlSPD     uint32 = 1 << 29
	nullLength        = 0x7FF

	stBitStuff uint32 = 1 << 1
	stCRC      uint32 = 1 << 2
	stNAK      uint32 = 1 << 3
	stBabble   uint32 = 1 << 4
	stBuffer   uint32 = 1 << 5
	stStalled  uint32 = 1 << 6
	stActive   uint32 = 1 << 7

	pidSetup uint8 = 0x2D
	pidIn    uint8 = 0x69
	pidOut   uint8 = 0xE1

	frameListEntries = 1024

	// maxVisits bounds one frame's walk so a looped schedule cannot hang
	// the simulator.
	maxVisits = 4096
)

// Packet is one executed transaction, recorded for inspection.
type Packet struct {
	Frame     uint64
	PID       uint8
	Device    uint8
	Endpoint  uint8
	Toggle    uint8
	Length    int
	Handshake Handshake
}

// Packets returns the transactions executed so far.
func (c *Controller) Packets() []Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Packet(nil), c.packets...)
}

// ClearPackets discards the transaction record.
func (c *Controller) ClearPackets() {
	c.mu.Lock()
	c.packets = c.packets[:0]
	c.mu.Unlock()
}

// frame executes one 1 ms frame.
func (c *Controller) frame() {
	if c.haltPending {
		c.halted = true
		c.haltPending = false
		return
	}
	if c.halted {
		return
	}
	c.frames++

	entry := c.frbase + uint32(c.frnum%frameListEntries)*4
	c.frnum = (c.frnum + 1) & frnumMask

	link, ok := c.read32(entry)
	for visits := 0; ok && link&linkT == 0; visits++ {
		if visits == maxVisits {
			c.fail(stsHCPE)
			return
		}
		addr := link & linkPtr
		if link&linkQ == 0 {
			// A TD straight off the frame list is executed once and the
			// walk follows its link.
			c.execute(addr)
			link, ok = c.read32(addr)
			continue
		}
		c.queue(addr)
		if c.halted {
			return
		}
		link, ok = c.read32(addr)
	}
}

// queue serves the element chain of the QH at addr.
func (c *Controller) queue(qh uint32) {
	for {
		el, ok := c.read32(qh + 4)
		if !ok || el&linkT != 0 || el&linkQ != 0 {
			return
		}
		td := el & linkPtr
		ctl, ok := c.read32(td + 4)
		if !ok || ctl&(stActive<<ctlStatus) == 0 {
			return
		}
		if !c.execute(td) {
			return
		}
		next, ok := c.read32(td)
		if !ok || !c.write32(qh+4, next) {
			return
		}
		if next&linkVf == 0 {
			return
		}
	}
}

// execute runs the TD at addr and reports whether the queue may advance
// past it.
func (c *Controller) execute(addr uint32) bool {
	ctl, ok1 := c.read32(addr + 4)
	tok, ok2 := c.read32(addr + 8)
	buf, ok3 := c.read32(addr + 12)
	if !ok1 || !ok2 || !ok3 {
		return false
	}

	pid := uint8(tok)
	dev := uint8(tok>>8) & 0x7F
	ep := uint8(tok>>15) & 0x0F
	toggle := uint8(tok>>19) & 1
	maxLen := int((tok>>21+1)&nullLength)

	var (
		hs Handshake
		n  int
	)
	fn := c.function(dev)
	switch {
	case fn == nil:
		hs = Timeout
	case pid == pidSetup:
		data := c.resolve(buf, maxLen)
		if data == nil {
			c.fault(buf)
			return false
		}
		hs = fn.Setup(ep, append([]byte(nil), data...))
		n = maxLen
	case pid == pidIn:
		var payload []byte
		payload, hs = fn.In(ep, toggle, maxLen)
		if hs == ACK {
			n = len(payload)
			if n > maxLen {
				hs = Babble
				break
			}
			if n > 0 {
				data := c.resolve(buf, n)
				if data == nil {
					c.fault(buf)
					return false
				}
				copy(data, payload)
			}
		}
	case pid == pidOut:
		var data []byte
		if maxLen > 0 {
			data = c.resolve(buf, maxLen)
			if data == nil {
				c.fault(buf)
				return false
			}
		}
		hs = fn.Out(ep, toggle, append([]byte(nil), data...))
		n = maxLen
	default:
		c.fail(stsHCPE)
		return false
	}

	if c.record {
		c.packets = append(c.packets, Packet{
			Frame:     c.frames,
			PID:       pid,
			Device:    dev,
			Endpoint:  ep,
			Toggle:    toggle,
			Length:    n,
			Handshake: hs,
		})
	}

	status := (ctl >> ctlStatus) & 0xFF
	cerr := (ctl >> ctlCErr) & 3
	advance := false
	switch hs {
	case ACK:
		status = 0
		ctl = ctl&^ctlActLen | uint32(n-1)&nullLength
		short := pid == pidIn && n < maxLen
		advance = !(short && ctl&ctlSPD != 0)
		if ctl&ctlIOC != 0 || (short && ctl&ctlSPD != 0) {
			c.sts |= stsUSBINT
		}
	case NAK:
		status |= stNAK
	case Stall:
		status = status&^stActive | stStalled
		c.sts |= stsERROR
	case Babble:
		status = status&^stActive | stStalled | stBabble
		cerr = 0
		c.sts |= stsERROR
	case Timeout:
		status |= stCRC
		if cerr > 0 {
			cerr--
			if cerr == 0 {
				status = status&^stActive | stStalled
				c.sts |= stsERROR
			}
		}
	}
	ctl = ctl&^(0xFF<<ctlStatus)&^(3<<ctlCErr) | status<<ctlStatus | cerr<<ctlCErr
	c.write32(addr+4, ctl)
	return advance
}
