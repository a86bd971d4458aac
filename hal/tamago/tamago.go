//go:build tamago

package tamago

import (
	"sync"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/usbarmory/tamago/dma"

	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Ports is the board's access to the controller register window.
type Ports interface {
	In(offset uint32, width hal.Width) uint32
	Out(offset uint32, width hal.Width, value uint32)
}

// registerWindow is the size of the UHCI I/O register block.
const registerWindow = 0x20

// mapping is a bus-master view of a host buffer. Buffers inside the DMA
// region are used in place; anything else is bounced.
type mapping struct {
	addr   uint
	host   []byte
	dir    hal.MapDirection
	bounce bool
}

func (m *mapping) DeviceAddress() uint64 { return uint64(m.addr) }
func (m *mapping) Len() int              { return len(m.host) }

// Platform implements hal.Platform on a TamaGo DMA region.
type Platform struct {
	mu     sync.Mutex
	region *dma.Region
	ports  Ports

	reserved map[*byte]uint // host pointer to region address
	live     map[*mapping]struct{}
}

// New returns a platform allocating from region and reaching registers
// through ports.
func New(region *dma.Region, ports Ports) *Platform {
	return &Platform{
		region:   region,
		ports:    ports,
		reserved: make(map[*byte]uint),
		live:     make(map[*mapping]struct{}),
	}
}

var _ hal.Platform = (*Platform)(nil)

// AllocateDMA implements hal.Platform.
func (p *Platform) AllocateDMA(pages int) ([]byte, error) {
	if pages <= 0 {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "allocate %d pages", pages)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	addr, buf := p.region.Reserve(pages*hal.PageSize, hal.PageSize)
	if addr == 0 || len(buf) == 0 {
		return nil, errors.Wrapf(pkg.ErrNoMemory, "reserve %d DMA pages", pages)
	}
	clear(buf)
	p.reserved[unsafe.SliceData(buf)] = addr
	return buf, nil
}

// FreeDMA implements hal.Platform.
func (p *Platform) FreeDMA(host []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := unsafe.SliceData(host)
	addr, ok := p.reserved[key]
	if !ok {
		return errors.Wrap(pkg.ErrNotFound, "free of unknown DMA pages")
	}
	delete(p.reserved, key)
	p.region.Release(addr)
	return nil
}

// inRegion returns the bus address of host if it lies inside the DMA
// region. TamaGo maps the region one to one.
func (p *Platform) inRegion(host []byte) (uint, bool) {
	start := uint(uintptr(unsafe.Pointer(unsafe.SliceData(host))))
	if start < p.region.Start() || start+uint(len(host)) > p.region.End() {
		return 0, false
	}
	return start, true
}

// Map implements hal.Platform.
func (p *Platform) Map(host []byte, dir hal.MapDirection) (hal.Mapping, error) {
	if len(host) == 0 {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "map of empty buffer")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	m := &mapping{host: host, dir: dir}
	if addr, ok := p.inRegion(host); ok {
		m.addr = addr
	} else {
		src := host
		if dir == hal.MapFromDevice {
			src = make([]byte, len(host))
		}
		m.addr = p.region.Alloc(src, 0)
		if m.addr == 0 {
			return nil, errors.Wrapf(pkg.ErrNoMemory, "bounce %d bytes", len(host))
		}
		m.bounce = true
	}
	p.live[m] = struct{}{}
	return m, nil
}

// Unmap implements hal.Platform. Bounced inbound data is copied back to the
// host buffer.
func (p *Platform) Unmap(hm hal.Mapping) error {
	m, ok := hm.(*mapping)
	if !ok {
		return errors.Wrap(pkg.ErrInvalidParameter, "foreign mapping")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[m]; !ok {
		return errors.Wrap(pkg.ErrNotFound, "unmap of unknown mapping")
	}
	delete(p.live, m)
	if !m.bounce {
		return nil
	}
	if m.dir != hal.MapToDevice {
		p.region.Read(m.addr, 0, m.host)
	}
	p.region.Free(m.addr)
	return nil
}

func checkRegister(offset uint32, width hal.Width) error {
	switch width {
	case hal.Width8, hal.Width16, hal.Width32:
	default:
		return errors.Wrapf(pkg.ErrInvalidParameter, "register width %d", width)
	}
	if offset+uint32(width) > registerWindow {
		return errors.Wrapf(pkg.ErrInvalidParameter, "register offset %#x", offset)
	}
	return nil
}

// ReadRegister implements hal.Platform.
func (p *Platform) ReadRegister(offset uint32, width hal.Width) (uint32, error) {
	if err := checkRegister(offset, width); err != nil {
		return 0, err
	}
	return p.ports.In(offset, width), nil
}

// WriteRegister implements hal.Platform.
func (p *Platform) WriteRegister(offset uint32, width hal.Width, value uint32) error {
	if err := checkRegister(offset, width); err != nil {
		return err
	}
	p.ports.Out(offset, width, value)
	return nil
}

// Stall implements hal.Platform.
func (p *Platform) Stall(d time.Duration) {
	for end := time.Now().Add(d); time.Now().Before(end); {
	}
}
