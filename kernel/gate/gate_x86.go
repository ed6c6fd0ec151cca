// Package gate builds the 32-bit x86 IDT and routes CPU-generated
// interrupts, exceptions and the user syscall trap to a single Go
// dispatcher. It knows nothing about what a particular vector means; that
// policy lives in package irq.
package gate

import (
	"io"
	"xelix/kernel/kfmt"
)

// idtEntries is the fixed size of the x86 IDT: 32 CPU exceptions, 16 PIC
// IRQ lines remapped to 32-47, and the remaining slots available for
// software interrupts such as the syscall gate.
const idtEntries = 256

// SyscallVector is the interrupt number used as the user-mode syscall gate.
// It is configured with DPL=3 so that ring 3 code can trigger it with INT.
const SyscallVector = InterruptNumber(0x80)

// Registers contains a snapshot of all general purpose register values at
// the moment an exception, interrupt or syscall trap occurred.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// Info carries the exception error code for exceptions that push one,
	// the syscall number for syscall traps, or the IRQ number for
	// hardware interrupts.
	Info uint32

	// The interrupt return frame, pushed by the CPU and consumed by IRET.
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %8x\n", r.EBP)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %8x SS  = %8x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %8x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

// nolint
const (
	DivideByZero            = InterruptNumber(0)
	Debug                   = InterruptNumber(1)
	NMI                     = InterruptNumber(2)
	Breakpoint              = InterruptNumber(3)
	Overflow                = InterruptNumber(4)
	BoundRangeExceeded      = InterruptNumber(5)
	InvalidOpcode           = InterruptNumber(6)
	DeviceNotAvailable      = InterruptNumber(7)
	DoubleFault             = InterruptNumber(8)
	InvalidTSS              = InterruptNumber(10)
	SegmentNotPresent       = InterruptNumber(11)
	StackSegmentFault       = InterruptNumber(12)
	GPFException            = InterruptNumber(13)
	PageFaultException      = InterruptNumber(14)
	FloatingPointException  = InterruptNumber(16)
	AlignmentCheck          = InterruptNumber(17)
	MachineCheck            = InterruptNumber(18)
	SIMDFloatingPointException = InterruptNumber(19)

	// IRQBase is the vector the master PIC's IRQ0 is remapped to.
	IRQBase = InterruptNumber(32)

	// IRQCount is the number of remapped hardware IRQ lines (0-15).
	IRQCount = 16
)

// name maps well-known exception vectors to a human readable name used by
// the panic-by-default handler in package irq.
var name = map[InterruptNumber]string{
	DivideByZero:               "divide-by-zero",
	Debug:                      "debug",
	NMI:                        "non-maskable interrupt",
	Breakpoint:                 "breakpoint",
	Overflow:                   "overflow",
	BoundRangeExceeded:         "bound range exceeded",
	InvalidOpcode:              "invalid opcode",
	DeviceNotAvailable:         "device not available",
	DoubleFault:                "double fault",
	InvalidTSS:                 "invalid TSS",
	SegmentNotPresent:          "segment not present",
	StackSegmentFault:          "stack-segment fault",
	GPFException:               "general protection fault",
	PageFaultException:         "page fault",
	FloatingPointException:     "x87 floating-point exception",
	AlignmentCheck:             "alignment check",
	MachineCheck:               "machine check",
	SIMDFloatingPointException: "SIMD floating-point exception",
}

// Name returns a human-readable description for a CPU exception vector, or
// "reserved" if the vector has no assigned meaning.
func (n InterruptNumber) Name() string {
	if s, ok := name[n]; ok {
		return s
	}
	return "reserved"
}

// Init builds the IDT and loads it into the CPU. All 256 gate entries start
// out marked non-present; they only become live once HandleInterrupt is
// called for that vector.
func Init() {
	installIDT()
}

// HandleInterrupt installs handler as the target for intNumber. istOffset
// selects an interrupt-stack-table entry to switch onto before invoking the
// handler (0 disables the IST and runs on the current stack).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers))

// installIDT populates the IDT descriptor and issues LIDT.
func installIDT()

// dispatchInterrupt is invoked by every generated per-vector entry stub. It
// looks up the handler registered for the stub's vector and calls it with
// the saved Registers snapshot.
func dispatchInterrupt()

// interruptGateEntries emits one small assembly stub per IDT slot. Each stub
// pushes the vector number (and a dummy error code for vectors that don't
// push one natively), saves the register snapshot and calls
// dispatchInterrupt. This is the one part of the kernel that must be
// hand-written per architecture.
func interruptGateEntries()
