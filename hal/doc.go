// Package hal defines the platform contract of the UHCI transfer engine.
//
// The engine never touches memory allocators, IOMMUs or controller registers
// directly. Everything the silicon can see goes through a [Platform]:
//   - DMA page allocation ([Platform.AllocateDMA], [Platform.FreeDMA])
//   - Bus-master mapping ([Platform.Map], [Platform.Unmap])
//   - Register access ([Platform.ReadRegister], [Platform.WriteRegister])
//   - Busy-wait delays ([Platform.Stall])
//
// # Implementing a Platform
//
// To bring the engine up on a new bus:
//  1. Return page-aligned memory that the garbage collector never moves
//  2. Translate host buffers to 32-bit device addresses in Map
//  3. Copy bounce buffers back in Unmap if the bus cannot share memory
//  4. Route register offsets to the controller's I/O or MMIO window
//
// # Example
//
//	type MyPlatform struct {
//	    // Platform-specific fields
//	}
//
//	func (p *MyPlatform) AllocateDMA(pages int) ([]byte, error) {
//	    // Reserve pages from the DMA carve-out
//	    return nil, nil
//	}
//
//	// ... implement remaining Platform methods
//
// A software UHCI for testing is available in [github.com/ardnew/softuhci/hal/sim].
package hal
