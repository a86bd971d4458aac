// Package tamago runs the transfer engine bare metal under the TamaGo
// runtime.
//
// DMA pages are reserved from a [dma.Region]; buffers outside the region
// are bounced through it on Map and copied back on Unmap. Controller
// registers are reached through the board's [Ports], which routes offsets
// to the I/O port or MMIO window the controller is decoded at.
//
// The implementation builds only with the tamago tag.
package tamago
