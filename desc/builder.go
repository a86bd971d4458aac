package desc

import (
	"github.com/cockroachdb/errors"

	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/mem"
	"github.com/ardnew/softuhci/pkg"
)

// Endpoint identifies the target of a transfer.
type Endpoint struct {
	Device    uint8     // Device address (0-127)
	Number    uint8     // Endpoint number (0-15)
	MaxPacket int       // Maximum packet size
	Speed     hal.Speed // Device speed
}

func (e Endpoint) validate() error {
	if e.Device > 127 || e.Number > 15 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "endpoint %d.%d", e.Device, e.Number)
	}
	if e.MaxPacket <= 0 || e.MaxPacket > MaxPacketLen {
		return errors.Wrapf(pkg.ErrInvalidParameter, "max packet %d", e.MaxPacket)
	}
	if e.Speed == hal.SpeedLow && e.MaxPacket > 8 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "low speed max packet %d", e.MaxPacket)
	}
	return nil
}

// ControlRequest describes a control transfer. Buffers are device addresses
// of already-mapped memory.
type ControlRequest struct {
	Endpoint
	Setup  uint32        // Device address of the 8-byte setup packet
	Dir    hal.Direction // Data stage direction
	Data   uint32        // Device address of the data stage buffer
	Length int           // Data stage length
}

// DataRequest describes a bulk or interrupt transfer.
type DataRequest struct {
	Endpoint
	Dir    hal.Direction // DirectionIn or DirectionOut
	Data   uint32        // Device address of the buffer
	Length int           // Transfer length, at least one byte
	Toggle uint8         // Data toggle of the first packet
}

// Chain is the TD chain of one logical transfer.
type Chain struct {
	Head  *TD
	Tail  *TD
	Count int
}

// TDs returns the chain's descriptors in order.
func (c *Chain) TDs() []*TD {
	tds := make([]*TD, 0, c.Count)
	for td := c.Head; td != nil; td = td.next {
		tds = append(tds, td)
	}
	return tds
}

// append links td after the current tail.
func (c *Chain) append(td *TD) {
	if c.Tail == nil {
		c.Head = td
	} else {
		c.Tail.setNext(td)
	}
	c.Tail = td
	c.Count++
}

// Builder allocates descriptors from a pool and assembles chains.
type Builder struct {
	pool *mem.Pool
}

// NewBuilder returns a builder drawing from pool.
func NewBuilder(pool *mem.Pool) *Builder {
	return &Builder{pool: pool}
}

// Pool returns the pool descriptors are drawn from.
func (b *Builder) Pool() *mem.Pool {
	return b.pool
}

// newTD allocates a zeroed, terminated TD.
func (b *Builder) newTD() (*TD, error) {
	c, err := b.pool.Allocate(TDSize)
	if err != nil {
		return nil, err
	}
	td := &TD{pool: b.pool, chunk: c}
	td.setWord(tdLink, Terminate)
	return td, nil
}

// NewQH allocates an empty, terminated QH scheduled at interval frames.
func (b *Builder) NewQH(interval int) (*QH, error) {
	c, err := b.pool.Allocate(QHSize)
	if err != nil {
		return nil, err
	}
	qh := &QH{pool: b.pool, chunk: c, Interval: interval}
	qh.setWord(qhHorizontal, Terminate)
	qh.setWord(qhElement, Terminate)
	return qh, nil
}

// NewQHs allocates n empty, terminated QHs packed at 16-byte strides in a
// single allocation. They are released together with FreeQHs.
func (b *Builder) NewQHs(n, interval int) ([]*QH, error) {
	if n <= 0 {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "QH count %d", n)
	}
	c, err := b.pool.Allocate(n * qhStride)
	if err != nil {
		return nil, err
	}
	qhs := make([]*QH, n)
	for i := range qhs {
		qh := &QH{pool: b.pool, chunk: c, off: i * qhStride, packed: true, Interval: interval}
		qh.setWord(qhHorizontal, Terminate)
		qh.setWord(qhElement, Terminate)
		qhs[i] = qh
	}
	return qhs, nil
}

// FreeQH returns qh's memory to the pool. qh must already be unlinked from
// the schedule and must not own a chain.
func (b *Builder) FreeQH(qh *QH) {
	if qh.packed {
		pkg.Assertf(pkg.ComponentDescriptor, "FreeQH of packed QH %#x", qh.Addr())
	}
	if qh.tds != nil {
		pkg.Assertf(pkg.ComponentDescriptor, "free of QH %#x still owning a chain", qh.chunk.Addr)
	}
	b.pool.Free(qh.chunk)
}

// FreeQHs releases QHs returned by one NewQHs call.
func (b *Builder) FreeQHs(qhs []*QH) {
	if len(qhs) == 0 {
		return
	}
	for _, qh := range qhs {
		if !qh.packed || qh.chunk != qhs[0].chunk {
			pkg.Assertf(pkg.ComponentDescriptor, "FreeQHs of QH %#x from another allocation", qh.Addr())
		}
		if qh.tds != nil {
			pkg.Assertf(pkg.ComponentDescriptor, "free of QH %#x still owning a chain", qh.Addr())
		}
	}
	b.pool.Free(qhs[0].chunk)
}

// FreeChain returns every TD of c to the pool.
func (b *Builder) FreeChain(c *Chain) {
	if c == nil {
		return
	}
	for td := c.Head; td != nil; {
		next := td.next
		b.pool.Free(td.chunk)
		td = next
	}
	c.Head, c.Tail, c.Count = nil, nil, 0
}

// add allocates a TD for p and appends it to c.
func (b *Builder) add(c *Chain, p packet) error {
	td, err := b.newTD()
	if err != nil {
		return err
	}
	td.fill(p)
	c.append(td)
	return nil
}

// BuildControl assembles setup, data and status stages. On allocation
// failure everything built so far is released.
func (b *Builder) BuildControl(req ControlRequest) (*Chain, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Dir == hal.DirectionNone && req.Length != 0 {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "no-data control transfer with length %d", req.Length)
	}
	if req.Dir != hal.DirectionNone && req.Length == 0 {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "%s control transfer without data", req.Dir)
	}

	low := req.Speed == hal.SpeedLow
	c := &Chain{}
	var err error
	defer func() {
		if err != nil {
			b.FreeChain(c)
		}
	}()

	err = b.add(c, packet{
		pid:    PIDSetup,
		device: req.Device,
		endpt:  req.Number,
		toggle: 0,
		length: hal.SetupPacketSize,
		data:   req.Setup,
		low:    low,
	})
	if err != nil {
		return nil, err
	}

	in := req.Dir == hal.DirectionIn
	toggle := uint8(1)
	for off := 0; off < req.Length; off += req.MaxPacket {
		n := min(req.MaxPacket, req.Length-off)
		err = b.add(c, packet{
			pid:    PIDFor(in),
			device: req.Device,
			endpt:  req.Number,
			toggle: toggle,
			length: n,
			data:   req.Data + uint32(off),
			low:    low,
			spd:    in,
		})
		if err != nil {
			return nil, err
		}
		toggle ^= 1
	}

	// The status stage runs opposite the data stage; with no data stage
	// it is an OUT packet.
	status := PIDOut
	if req.Dir == hal.DirectionOut {
		status = PIDIn
	}
	err = b.add(c, packet{
		pid:    status,
		device: req.Device,
		endpt:  req.Number,
		toggle: 1,
		length: 0,
		low:    low,
		ioc:    true,
	})
	if err != nil {
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentDescriptor, "control chain built",
		"device", req.Device,
		"endpoint", req.Number,
		"tds", c.Count)
	return c, nil
}

// BuildData assembles a bulk or interrupt chain, one TD per max-packet
// slice, and returns the toggle the endpoint's next transfer starts with.
// A zero-length request is a contract violation.
func (b *Builder) BuildData(req DataRequest) (*Chain, uint8, error) {
	if req.Length <= 0 {
		pkg.Assertf(pkg.ComponentDescriptor, "zero-length data chain for %d.%d", req.Device, req.Number)
	}
	if err := req.validate(); err != nil {
		return nil, req.Toggle, err
	}
	if req.Dir != hal.DirectionIn && req.Dir != hal.DirectionOut {
		return nil, req.Toggle, errors.Wrapf(pkg.ErrInvalidParameter, "data direction %s", req.Dir)
	}
	if req.Toggle > 1 {
		return nil, req.Toggle, errors.Wrapf(pkg.ErrInvalidParameter, "data toggle %d", req.Toggle)
	}

	in := req.Dir == hal.DirectionIn
	toggle := req.Toggle
	c := &Chain{}
	for off := 0; off < req.Length; off += req.MaxPacket {
		n := min(req.MaxPacket, req.Length-off)
		err := b.add(c, packet{
			pid:    PIDFor(in),
			device: req.Device,
			endpt:  req.Number,
			toggle: toggle,
			length: n,
			data:   req.Data + uint32(off),
			low:    req.Speed == hal.SpeedLow,
			spd:    in,
		})
		if err != nil {
			b.FreeChain(c)
			return nil, req.Toggle, err
		}
		toggle ^= 1
	}
	c.Tail.setWord(tdCtl, fieldIOC.set(c.Tail.word(tdCtl), 1))

	pkg.LogDebug(pkg.ComponentDescriptor, "data chain built",
		"device", req.Device,
		"endpoint", req.Number,
		"tds", c.Count,
		"next_toggle", toggle)
	return c, toggle, nil
}
