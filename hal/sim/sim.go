package sim

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Bus address space handed out by Map.
const (
	busBase  uint64 = 0x0010_0000
	busLimit uint64 = 0x1_0000_0000
)

// FramePeriod is the simulated USB frame time.
const FramePeriod = time.Millisecond

// region is one live bus-master mapping.
type region struct {
	bus  uint64
	host []byte
	dir  hal.MapDirection
}

func (r *region) DeviceAddress() uint64 { return r.bus }
func (r *region) Len() int              { return len(r.host) }

// Option configures a Controller.
type Option func(*Controller)

// WithStuckRunning makes the controller ignore requests to halt, so a stop
// never completes.
func WithStuckRunning() Option {
	return func(c *Controller) { c.stuck = true }
}

// WithWedged makes the controller ignore both halt and reset requests. A
// reset bit, once written, never clears.
func WithWedged() Option {
	return func(c *Controller) {
		c.stuck = true
		c.wedged = true
	}
}

// WithMapLimit caps the number of simultaneous mappings.
func WithMapLimit(n int) Option {
	return func(c *Controller) { c.mapLimit = n }
}

// Controller is a software UHCI host controller. It implements
// hal.Platform: DMA pages come from anonymous memory, bus addresses from a
// 32-bit window, and time only advances through Stall or Advance.
type Controller struct {
	mu sync.Mutex

	// memory
	pages    map[*byte]int
	regions  []*region // sorted by bus address
	nextBus  uint64
	mapLimit int
	failDMA  int
	failMap  int

	// registers
	cmd    uint16
	sts    uint16
	intr   uint16
	frnum  uint16
	frbase uint32
	sofmod uint8
	portsc [2]uint16

	halted      bool
	haltPending bool
	stuck       bool
	wedged      bool

	elapsed time.Duration
	frames  uint64
	faults  int

	functions []Function
	packets   []Packet
	record    bool
}

// New returns a halted controller with no attached functions.
func New(opts ...Option) *Controller {
	c := &Controller{
		pages:   make(map[*byte]int),
		nextBus: busBase,
		halted:  true,
		sofmod:  0x40,
		record:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ hal.Platform = (*Controller)(nil)

// AllocateDMA implements hal.Platform.
func (c *Controller) AllocateDMA(pages int) ([]byte, error) {
	if pages <= 0 {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "allocate %d pages", pages)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failDMA > 0 {
		c.failDMA--
		return nil, errors.New("simulated DMA exhaustion")
	}
	b, err := allocPages(pages)
	if err != nil {
		return nil, errors.Wrap(err, "allocate DMA pages")
	}
	c.pages[unsafe.SliceData(b)] = pages
	return b, nil
}

// FreeDMA implements hal.Platform.
func (c *Controller) FreeDMA(host []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := unsafe.SliceData(host)
	if _, ok := c.pages[key]; !ok {
		return errors.Wrap(pkg.ErrNotFound, "free of unknown DMA pages")
	}
	for _, r := range c.regions {
		if overlaps(r.host, host) {
			return errors.Newf("free of DMA pages still mapped at %#x", r.bus)
		}
	}
	delete(c.pages, key)
	return freePages(host)
}

// Map implements hal.Platform. The host slice is used in place, so the
// mapping is coherent in both directions.
func (c *Controller) Map(host []byte, dir hal.MapDirection) (hal.Mapping, error) {
	if len(host) == 0 {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "map of empty buffer")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failMap > 0 {
		c.failMap--
		return nil, errors.New("simulated mapping failure")
	}
	if c.mapLimit > 0 && len(c.regions) >= c.mapLimit {
		return nil, errors.Newf("mapping limit %d reached", c.mapLimit)
	}

	// Bus addresses are never reused, so a stale pointer in the schedule
	// faults instead of silently hitting a newer buffer.
	size := (uint64(len(host)) + hal.PageSize - 1) &^ (hal.PageSize - 1)
	if c.nextBus+size > busLimit {
		return nil, errors.New("bus address space exhausted")
	}
	r := &region{bus: c.nextBus, host: host, dir: dir}
	c.nextBus += size

	i := sort.Search(len(c.regions), func(i int) bool { return c.regions[i].bus > r.bus })
	c.regions = append(c.regions, nil)
	copy(c.regions[i+1:], c.regions[i:])
	c.regions[i] = r
	return r, nil
}

// Unmap implements hal.Platform.
func (c *Controller) Unmap(m hal.Mapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.regions {
		if hal.Mapping(r) == m {
			c.regions = append(c.regions[:i], c.regions[i+1:]...)
			return nil
		}
	}
	return errors.Wrap(pkg.ErrNotFound, "unmap of unknown mapping")
}

// Stall implements hal.Platform. While running, every elapsed frame period
// executes one frame of the schedule.
func (c *Controller) Stall(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.elapsed += d
	for c.elapsed >= FramePeriod {
		c.elapsed -= FramePeriod
		c.frame()
	}
}

// Advance runs n frames.
func (c *Controller) Advance(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for range n {
		c.frame()
	}
}

// FailDMA makes the next n AllocateDMA calls fail.
func (c *Controller) FailDMA(n int) {
	c.mu.Lock()
	c.failDMA = n
	c.mu.Unlock()
}

// FailMap makes the next n Map calls fail.
func (c *Controller) FailMap(n int) {
	c.mu.Lock()
	c.failMap = n
	c.mu.Unlock()
}

// Mappings returns the number of live mappings.
func (c *Controller) Mappings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.regions)
}

// DMAPages returns the number of allocated DMA pages.
func (c *Controller) DMAPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, p := range c.pages {
		n += p
	}
	return n
}

// Faults returns how many times the controller dereferenced an unmapped bus
// address.
func (c *Controller) Faults() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faults
}

// Frames returns the number of frames executed while running.
func (c *Controller) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Halted reports whether the controller is halted.
func (c *Controller) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// InjectProcessError raises a host controller process error, which halts
// the controller the way a corrupt schedule would.
func (c *Controller) InjectProcessError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail(stsHCPE)
}

// fail sets an error status and halts.
func (c *Controller) fail(bit uint16) {
	c.sts |= bit
	c.cmd &^= cmdRS
	c.halted = true
	c.haltPending = false
	pkg.LogWarn(pkg.ComponentHAL, "simulated controller halted",
		"status", bit)
}

// resolve returns the host bytes behind [bus, bus+n), or nil on a fault.
func (c *Controller) resolve(bus uint32, n int) []byte {
	addr := uint64(bus)
	i := sort.Search(len(c.regions), func(i int) bool { return c.regions[i].bus > addr })
	if i == 0 {
		return nil
	}
	r := c.regions[i-1]
	off := addr - r.bus
	if off+uint64(n) > uint64(len(r.host)) {
		return nil
	}
	return r.host[off : off+uint64(n)]
}

// read32 reads a schedule word. A fault returns a terminating link so the
// walk stops.
func (c *Controller) read32(bus uint32) (uint32, bool) {
	b := c.resolve(bus, 4)
	if b == nil {
		c.fault(bus)
		return 1, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (c *Controller) write32(bus uint32, v uint32) bool {
	b := c.resolve(bus, 4)
	if b == nil {
		c.fault(bus)
		return false
	}
	binary.LittleEndian.PutUint32(b, v)
	return true
}

func (c *Controller) fault(bus uint32) {
	c.faults++
	pkg.LogError(pkg.ComponentHAL, "simulated bus fault", "address", bus)
	c.fail(stsHSE)
}

func overlaps(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	as := uintptr(unsafe.Pointer(unsafe.SliceData(a)))
	bs := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	return as < bs+uintptr(len(b)) && bs < as+uintptr(len(a))
}
