package mem

import (
	"math/bits"

	"github.com/ardnew/softuhci/hal"
)

// block is one physically contiguous, mapped region carved into Unit-sized
// allocation units. Each unit is tracked by one bit.
type block struct {
	id      int
	host    []byte
	addr    uint64
	mapping hal.Mapping
	bits    []uint64
	units   int
	used    int
	next    *block
}

func newBlock(id int, host []byte, units int, m hal.Mapping) *block {
	return &block{
		id:      id,
		host:    host,
		addr:    m.DeviceAddress(),
		mapping: m,
		bits:    make([]uint64, (units+63)/64),
		units:   units,
	}
}

// size returns the usable length of the block in bytes.
func (b *block) size() int {
	return b.units * Unit
}

// contains reports whether [addr, addr+n) lies inside the block.
func (b *block) contains(addr uint64, n int) bool {
	return b.addr <= addr && addr+uint64(n) <= b.addr+uint64(b.size())
}

func (b *block) isSet(i int) bool {
	return b.bits[i/64]&(1<<(uint(i)%64)) != 0
}

func (b *block) mark(start, n int) {
	for i := start; i < start+n; i++ {
		b.bits[i/64] |= 1 << (uint(i) % 64)
	}
	b.used += n
}

func (b *block) clear(start, n int) {
	for i := start; i < start+n; i++ {
		b.bits[i/64] &^= 1 << (uint(i) % 64)
	}
	b.used -= n
}

// take finds the first run of n clear units whose device address is a
// multiple of align, marks it, and returns its first unit. The run restarts
// on every set bit.
func (b *block) take(n int, align uint64) (int, bool) {
	run, start := 0, 0
	for i := 0; i < b.units; i++ {
		if b.isSet(i) {
			run = 0
			continue
		}
		if run == 0 {
			if (b.addr+uint64(i)*Unit)%align != 0 {
				continue
			}
			start = i
		}
		run++
		if run == n {
			b.mark(start, n)
			return start, true
		}
	}
	return 0, false
}

// empty reports whether every bit is clear.
func (b *block) empty() bool {
	for _, w := range b.bits {
		if w != 0 {
			return false
		}
	}
	return true
}

// population counts the set bits. It must always equal used.
func (b *block) population() int {
	n := 0
	for _, w := range b.bits {
		n += bits.OnesCount64(w)
	}
	return n
}
