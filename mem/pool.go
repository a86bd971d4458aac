package mem

import (
	"github.com/cockroachdb/errors"

	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Allocation geometry.
const (
	// Unit is the allocation granularity in bytes. It satisfies the 16-byte
	// alignment UHCI requires of queue heads and transfer descriptors.
	Unit = 64

	// DefaultBlockPages is the size of a pool block in pages.
	DefaultBlockPages = 16
)

// Chunk is a generation-checked handle to pool memory.
//
// A Chunk stays valid until it is passed to Free. Using it afterwards is
// detected through its generation and treated as a contract violation.
type Chunk struct {
	Addr uint64 // Device address of the first byte
	Size int    // Length in bytes, a multiple of Unit
	gen  uint64
}

// IsZero reports whether c refers to no memory.
func (c Chunk) IsZero() bool {
	return c.gen == 0
}

// Addr32 returns the device address as the 32-bit value UHCI link and
// buffer fields carry. Addresses above 4 GiB are a contract violation.
func (c Chunk) Addr32() uint32 {
	if c.Addr > 0xFFFFFFFF {
		pkg.Assertf(pkg.ComponentPool, "device address %#x not reachable by a 32-bit controller", c.Addr)
	}
	return uint32(c.Addr)
}

// record is the allocation table entry for one live chunk.
type record struct {
	blk   *block
	units int
	gen   uint64
}

// Stats summarizes pool occupancy.
type Stats struct {
	Blocks    int // Resident blocks, head included
	Allocs    int // Live allocations
	UnitsUsed int // Allocation units in use
	Bytes     int // Usable bytes across all blocks
}

// Option configures a Pool.
type Option func(*Pool)

// WithBlockPages sets the default block size in pages.
func WithBlockPages(pages int) Option {
	return func(p *Pool) {
		if pages > 0 {
			p.blockPages = pages
		}
	}
}

// WithSameRange requires every block to share the head block's upper 32
// address bits, as controllers with a single segment register need.
func WithSameRange() Option {
	return func(p *Pool) { p.sameRange = true }
}

// Pool is a growable arena of DMA-visible memory.
//
// A Pool is not safe for concurrent use. The controller mutates it only
// from inside its raised critical section.
type Pool struct {
	platform   hal.Platform
	head       *block
	blockPages int
	sameRange  bool
	allocs     map[uint64]record
	gen        uint64
	nextID     int
}

// NewPool creates a pool and its permanent head block.
func NewPool(p hal.Platform, opts ...Option) (*Pool, error) {
	pool := &Pool{
		platform:   p,
		blockPages: DefaultBlockPages,
		allocs:     make(map[uint64]record),
	}
	for _, opt := range opts {
		opt(pool)
	}

	head, err := pool.newBlock(pool.blockPages*hal.PageSize/Unit, pool.blockPages)
	if err != nil {
		return nil, err
	}
	pool.head = head

	pkg.LogDebug(pkg.ComponentPool, "pool created",
		"addr", head.addr,
		"pages", pool.blockPages)
	return pool, nil
}

// newBlock allocates and maps a block of units allocation units backed by
// pages platform pages.
func (p *Pool) newBlock(units, pages int) (*block, error) {
	host, err := p.platform.AllocateDMA(pages)
	if err != nil {
		return nil, errors.WithSecondaryError(errors.Wrapf(pkg.ErrNoMemory, "allocate %d dma pages", pages), err)
	}

	m, err := p.platform.Map(host, hal.MapCommon)
	if err != nil {
		_ = p.platform.FreeDMA(host)
		return nil, errors.WithSecondaryError(errors.Wrapf(pkg.ErrNoMemory, "map %d dma pages", pages), err)
	}

	if p.sameRange && p.head != nil && m.DeviceAddress()>>32 != p.head.addr>>32 {
		_ = p.platform.Unmap(m)
		_ = p.platform.FreeDMA(host)
		return nil, errors.Wrapf(pkg.ErrNoMemory,
			"block at %#x outside head range %#x", m.DeviceAddress(), p.head.addr>>32<<32)
	}

	p.nextID++
	return newBlock(p.nextID, host, units, m), nil
}

// releaseBlock unmaps and frees a block that is already unlinked.
func (p *Pool) releaseBlock(b *block) {
	if err := p.platform.Unmap(b.mapping); err != nil {
		pkg.LogWarn(pkg.ComponentPool, "unmap block failed", "block", b.id, "error", err)
	}
	if err := p.platform.FreeDMA(b.host); err != nil {
		pkg.LogWarn(pkg.ComponentPool, "free block failed", "block", b.id, "error", err)
	}
	pkg.LogDebug(pkg.ComponentPool, "block released", "block", b.id, "addr", b.addr)
}

// roundUnits converts a byte size into allocation units.
func roundUnits(size int) int {
	return (size + Unit - 1) / Unit
}

// Allocate returns size bytes of zeroed pool memory aligned to Unit.
func (p *Pool) Allocate(size int) (Chunk, error) {
	return p.AllocateAligned(size, Unit)
}

// AllocateAligned returns size bytes of zeroed pool memory whose device
// address is a multiple of align. align must be a power of two.
func (p *Pool) AllocateAligned(size, align int) (Chunk, error) {
	if p.head == nil {
		return Chunk{}, errors.Wrap(pkg.ErrClosed, "allocate from closed pool")
	}
	if size <= 0 {
		return Chunk{}, errors.Wrapf(pkg.ErrInvalidParameter, "allocation size %d", size)
	}
	if align < Unit {
		align = Unit
	}
	if align&(align-1) != 0 {
		return Chunk{}, errors.Wrapf(pkg.ErrInvalidParameter, "alignment %d not a power of two", align)
	}

	units := roundUnits(size)
	for b := p.head; b != nil; b = b.next {
		if start, ok := b.take(units, uint64(align)); ok {
			return p.commit(b, start, units), nil
		}
	}

	// Nothing fits: grow by a block sized to the request if it exceeds the
	// default, then retry from the new block.
	defUnits := p.blockPages * hal.PageSize / Unit
	blkUnits, pages := defUnits, p.blockPages
	if units > defUnits || align > hal.PageSize {
		blkUnits = units
		if align > hal.PageSize {
			blkUnits += align / Unit
		}
		pages = (blkUnits*Unit + hal.PageSize - 1) / hal.PageSize
	}

	b, err := p.newBlock(blkUnits, pages)
	if err != nil {
		pkg.LogWarn(pkg.ComponentPool, "pool growth failed", "size", size, "error", err)
		return Chunk{}, err
	}
	b.next = p.head.next
	p.head.next = b

	pkg.LogDebug(pkg.ComponentPool, "block added",
		"block", b.id,
		"addr", b.addr,
		"units", blkUnits)

	start, ok := b.take(units, uint64(align))
	if !ok {
		// A fresh block sized for the request always fits it.
		pkg.Assertf(pkg.ComponentPool, "new block %d cannot hold %d units", b.id, units)
	}
	return p.commit(b, start, units), nil
}

// commit zero-fills a freshly marked run and records it.
func (p *Pool) commit(b *block, start, units int) Chunk {
	off := start * Unit
	clear(b.host[off : off+units*Unit])

	p.gen++
	c := Chunk{
		Addr: b.addr + uint64(off),
		Size: units * Unit,
		gen:  p.gen,
	}
	p.allocs[c.Addr] = record{blk: b, units: units, gen: c.gen}
	return c
}

// lookup validates c against the allocation table.
func (p *Pool) lookup(c Chunk, op string) record {
	rec, ok := p.allocs[c.Addr]
	if !ok || rec.gen != c.gen || rec.units*Unit != c.Size {
		pkg.Assertf(pkg.ComponentPool, "%s of untracked or stale chunk %#x (size %d)", op, c.Addr, c.Size)
	}
	return rec
}

// Free returns c to the pool. Freeing memory the pool does not track is a
// contract violation and panics.
func (p *Pool) Free(c Chunk) {
	var owner, prev *block
	for b := p.head; b != nil; prev, b = b, b.next {
		if b.contains(c.Addr, c.Size) {
			owner = b
			break
		}
	}
	if owner == nil {
		pkg.Assertf(pkg.ComponentPool, "free of address %#x owned by no block", c.Addr)
	}

	rec := p.lookup(c, "free")
	if rec.blk != owner {
		pkg.Assertf(pkg.ComponentPool, "chunk %#x recorded in block %d, found in block %d",
			c.Addr, rec.blk.id, owner.id)
	}

	owner.clear(int(c.Addr-owner.addr)/Unit, rec.units)
	delete(p.allocs, c.Addr)

	if owner != p.head && owner.empty() {
		prev.next = owner.next
		owner.next = nil
		p.releaseBlock(owner)
	}
}

// Bytes returns the host view of c. The slice aliases DMA memory and must
// not be retained after Free.
func (p *Pool) Bytes(c Chunk) []byte {
	rec := p.lookup(c, "access")
	off := int(c.Addr - rec.blk.addr)
	return rec.blk.host[off : off+c.Size : off+c.Size]
}

// Live reports whether c is still allocated.
func (p *Pool) Live(c Chunk) bool {
	rec, ok := p.allocs[c.Addr]
	return ok && rec.gen == c.gen
}

// Blocks returns the number of resident blocks, head included.
func (p *Pool) Blocks() int {
	n := 0
	for b := p.head; b != nil; b = b.next {
		n++
	}
	return n
}

// BlockSizes returns the usable size of each block, head first.
func (p *Pool) BlockSizes() []int {
	var sizes []int
	for b := p.head; b != nil; b = b.next {
		sizes = append(sizes, b.size())
	}
	return sizes
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	s := Stats{Allocs: len(p.allocs)}
	for b := p.head; b != nil; b = b.next {
		s.Blocks++
		s.UnitsUsed += b.used
		s.Bytes += b.size()
	}
	return s
}

// Close releases every block. Live allocations at this point are a caller
// bug; they are reported and their memory is released anyway.
func (p *Pool) Close() error {
	if p.head == nil {
		return nil
	}
	if n := len(p.allocs); n > 0 {
		pkg.LogError(pkg.ComponentPool, "pool closed with live allocations", "count", n)
	}

	for b := p.head.next; b != nil; {
		next := b.next
		p.releaseBlock(b)
		b = next
	}
	p.releaseBlock(p.head)

	p.head = nil
	p.allocs = make(map[uint64]record)
	return nil
}
