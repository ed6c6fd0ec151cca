package cpu

import "unsafe"

// gdtEntries is the flat GDT this kernel runs under: a null descriptor plus
// one code and one data segment for ring 0 and ring 3 apiece. There is no
// hardware task switching and therefore no TSS descriptor; IRQ/exception
// entry always lands on whatever stack ESP already holds, which is why
// kernel/task switches tasks by driving the Go runtime's own scheduler
// (see kernel/task's package doc) rather than by reloading SS:ESP out of a
// TSS the way a ring3-capable kernel would.
const gdtEntries = 5

const (
	selectorNull     = 0x00
	SelectorKernelCode = 0x08
	SelectorKernelData = 0x10
	SelectorUserCode   = 0x18 | 3 // RPL 3, matches the DPL baked into the descriptor
	SelectorUserData   = 0x20 | 3
)

// access byte bits, per the Intel SDM segment descriptor layout.
const (
	accPresent   = 1 << 7
	accDPL3      = 3 << 5
	accCode      = 1<<4 | 1<<3 // code/data=1 (S bit), executable
	accData      = 1 << 4      // code/data=1 (S bit), not executable
	accReadWrite = 1 << 1      // readable (code) or writable (data)

	// flags nibble, shares a byte with the limit's top 4 bits.
	flagGranularity4K = 1 << 3
	flagSize32        = 1 << 2
)

// gdtEntry overlays one 8-byte GDT descriptor. The layout is split across
// base_low/base_mid/base_high because the original 80286 descriptor format
// left no wider contiguous field for it; every flat-memory-model kernel
// since has simply carried the split forward.
type gdtEntry struct {
	limitLow   uint16
	baseLow    uint16
	baseMid    uint8
	access     uint8
	limitFlags uint8
	baseHigh   uint8
}

func flatEntry(access uint8) gdtEntry {
	return gdtEntry{
		limitLow:   0xffff,
		baseLow:    0,
		baseMid:    0,
		access:     accPresent | access,
		limitFlags: 0xf | (flagGranularity4K|flagSize32)<<4,
		baseHigh:   0,
	}
}

var gdt [gdtEntries]gdtEntry

// gdtDescriptor is the 6-byte operand LGDT reads: a 16-bit limit followed by
// a 32-bit linear base address. The leading pad keeps base directly after
// limit under Go's struct alignment; LGDT is handed the address of limit.
type gdtDescriptor struct {
	_     uint16
	limit uint16
	base  uint32
}

// InitGDT installs a flat GDT covering the full 4GB address space with
// separate ring0/ring3 code and data segments, then reloads the data segment
// registers. CS is left untouched: this kernel defines its kernel code
// selector at the same offset (0x08) that a multiboot-compliant bootloader's
// own flat GDT already left active in CS, so the already-running code stays
// valid without a far jump to reload it.
func InitGDT() {
	gdt[0] = gdtEntry{}
	gdt[SelectorKernelCode/8] = flatEntry(accCode | accReadWrite)
	gdt[SelectorKernelData/8] = flatEntry(accData | accReadWrite)
	gdt[(SelectorUserCode &^ 3) / 8] = flatEntry(accDPL3 | accCode | accReadWrite)
	gdt[(SelectorUserData &^ 3) / 8] = flatEntry(accDPL3 | accData | accReadWrite)

	desc := gdtDescriptor{
		limit: uint16(unsafe.Sizeof(gdt)) - 1,
		base:  uint32(uintptr(unsafe.Pointer(&gdt[0]))),
	}
	loadGDT(uintptr(unsafe.Pointer(&desc.limit)))
}

// loadGDT issues LGDT with the descriptor at descAddr and reloads
// DS/ES/FS/GS/SS from SelectorKernelData.
func loadGDT(descAddr uintptr)
