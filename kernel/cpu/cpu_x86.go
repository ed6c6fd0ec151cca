// Package cpu exposes the small set of privileged x86 instructions that the
// rest of the kernel needs (interrupt masking, port I/O, TLB control, CR
// register access). Every function declared without a body here is
// implemented in a matching .s file using a handful of instructions; this is
// the one place where assembly is unavoidable (everything above this layer
// is plain Go).
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts sets the CPU interrupt flag (STI), allowing IRQ delivery.
func EnableInterrupts()

// DisableInterrupts clears the CPU interrupt flag (CLI).
func DisableInterrupts()

// InterruptsEnabled reports whether the interrupt flag is currently set.
func InterruptsEnabled() bool

// Halt stops instruction execution until the next interrupt (HLT).
func Halt()

// FlushTLBEntry flushes a single TLB entry for the given virtual address
// (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT loads the physical address of a page directory into CR3,
// flushing the entire TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently loaded page
// directory (contents of CR3).
func ActivePDT() uintptr

// ReadCR2 returns the faulting linear address recorded by the CPU for the
// most recent page fault.
func ReadCR2() uint32

// ID executes CPUID with EAX=leaf and returns the resulting EAX/EBX/ECX/EDX
// values.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// PortWriteByte writes a uint8 value to the requested I/O port (OUT).
func PortWriteByte(port uint16, val uint8)

// PortWriteWord writes a uint16 value to the requested I/O port.
func PortWriteWord(port uint16, val uint16)

// PortWriteDword writes a uint32 value to the requested I/O port.
func PortWriteDword(port uint16, val uint32)

// PortReadByte reads a uint8 value from the requested I/O port (IN).
func PortReadByte(port uint16) uint8

// PortReadWord reads a uint16 value from the requested I/O port.
func PortReadWord(port uint16) uint16

// PortReadDword reads a uint32 value from the requested I/O port.
func PortReadDword(port uint16) uint32
