// Package irq turns the raw vector numbers dispatched by package gate into
// the three kinds of event the rest of the kernel cares about: CPU
// exceptions (0-31), hardware IRQs (32-47, remapped from the two 8259 PICs)
// and everything else (currently just the syscall gate, handled by package
// syscall). It owns EOI delivery, the panic-by-default table for
// unclaimed exceptions, and the single-entry re-entrancy guard described in
// SPEC_FULL.md §4.5.
package irq

import (
	"xelix/kernel"
	"xelix/kernel/cpu"
	"xelix/kernel/gate"
	"xelix/kernel/kfmt"
)

// Frame is an alias kept for readability at call sites that only care about
// the CPU-pushed return frame portion of a Registers snapshot.
type Frame = gate.Registers

// Regs is an alias for gate.Registers; irq handlers receive the full
// snapshot (general registers plus the return frame) in one struct, since
// the 32-bit trap gate pushes them together.
type Regs = gate.Registers

// ExceptionHandler handles a CPU exception that does not push an error code.
type ExceptionHandler func(*Regs)

// ExceptionHandlerWithCode handles a CPU exception that pushes an error
// code (page fault, GPF, and a handful of others).
type ExceptionHandlerWithCode func(errorCode uint32, regs *Regs)

// IRQHandler handles a remapped hardware interrupt. line is 0-15.
type IRQHandler func(line uint8, regs *Regs)

const (
	picMasterCommand = 0x20
	picMasterData    = 0x21
	picSlaveCommand  = 0xA0
	picSlaveData     = 0xA1
	picEOI           = 0x20
)

var (
	exceptionHandlers        [32]ExceptionHandler
	exceptionHandlersWithErr [32]ExceptionHandlerWithCode
	irqHandlers              [gate.IRQCount]IRQHandler

	// hasErrorCode marks the CPU exceptions that push an error code onto
	// the stack before invoking the handler, per the Intel SDM.
	hasErrorCode = map[gate.InterruptNumber]bool{
		8: true, 10: true, 11: true, 12: true, 13: true, 14: true, 17: true,
	}

	// inHandler guards against nested re-entry into the dispatcher. Only
	// the fault handlers registered via HandleExceptionWithCode for
	// vector 14 (page fault) are allowed to re-enter; a page fault while
	// already servicing a page fault is unrecoverable.
	inHandler bool

	// inPageFault is set while a page fault handler is running.
	inPageFault bool

	errDoubleFault = &kernel.Error{Module: "irq", Message: "re-entrant fault while already servicing an interrupt"}

	// portWriteByteFn is mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
)

// Init wires up the gate-level dispatch for every one of the 256 IDT slots
// and remaps the two 8259 PICs so that hardware IRQs 0-15 land on vectors
// 32-47 instead of colliding with the CPU exception range.
func Init() {
	remapPIC()

	for v := 0; v < 32; v++ {
		vec := gate.InterruptNumber(v)
		gate.HandleInterrupt(vec, 0, makeExceptionTrampoline(vec))
	}
	for line := 0; line < gate.IRQCount; line++ {
		vec := gate.InterruptNumber(int(gate.IRQBase) + line)
		gate.HandleInterrupt(vec, 0, makeIRQTrampoline(uint8(line)))
	}

	for v := range exceptionHandlers {
		exceptionHandlers[v] = nil
	}
	for v := range exceptionHandlersWithErr {
		exceptionHandlersWithErr[v] = defaultExceptionPanic(gate.InterruptNumber(v))
	}
}

// remapPIC reprograms the master/slave 8259 PICs via the standard 4-byte ICW
// sequence so that IRQ0-7 map to vectors 32-39 and IRQ8-15 map to 40-47.
func remapPIC() {
	const (
		icw1Init  = 0x11
		icw4_8086 = 0x01
	)
	portWriteByteFn(picMasterCommand, icw1Init)
	portWriteByteFn(picSlaveCommand, icw1Init)
	portWriteByteFn(picMasterData, uint8(gate.IRQBase))
	portWriteByteFn(picSlaveData, uint8(gate.IRQBase)+8)
	portWriteByteFn(picMasterData, 4) // tell master PIC there is a slave at IRQ2
	portWriteByteFn(picSlaveData, 2)  // tell slave PIC its cascade identity
	portWriteByteFn(picMasterData, icw4_8086)
	portWriteByteFn(picSlaveData, icw4_8086)
	// mask nothing: every line on both PICs is left unmasked.
	portWriteByteFn(picMasterData, 0x0)
	portWriteByteFn(picSlaveData, 0x0)
}

func makeExceptionTrampoline(vec gate.InterruptNumber) func(*gate.Registers) {
	return func(regs *gate.Registers) {
		if inHandler && (vec != gate.PageFaultException || inPageFault) {
			kfmt.Panic(errDoubleFault)
		}
		prevInHandler, prevInPageFault := inHandler, inPageFault
		inHandler = true
		inPageFault = inPageFault || vec == gate.PageFaultException
		defer func() { inHandler, inPageFault = prevInHandler, prevInPageFault }()

		if hasErrorCode[vec] {
			if h := exceptionHandlersWithErr[vec]; h != nil {
				h(regs.Info, regs)
				return
			}
		} else if h := exceptionHandlers[vec]; h != nil {
			h(regs)
			return
		}
		defaultExceptionPanic(vec)(regs.Info, regs)
	}
}

func makeIRQTrampoline(line uint8) func(*gate.Registers) {
	return func(regs *gate.Registers) {
		if h := irqHandlers[line]; h != nil {
			h(line, regs)
		}
		sendEOI(line)
	}
}

// sendEOI acknowledges the interrupt to the PIC(s). Per the 8259 datasheet,
// an IRQ handled by the slave PIC (line >= 8) requires an EOI to both
// controllers, slave first.
func sendEOI(line uint8) {
	if line >= 8 {
		portWriteByteFn(picSlaveCommand, picEOI)
	}
	portWriteByteFn(picMasterCommand, picEOI)
}

func defaultExceptionPanic(vec gate.InterruptNumber) ExceptionHandlerWithCode {
	return func(errorCode uint32, regs *Regs) {
		kfmt.Printf("\nunhandled CPU exception %d (%s), error code 0x%x\n", uint8(vec), vec.Name(), errorCode)
		regs.DumpTo(kfmt.GetOutputSink())
		kfmt.Panic(&kernel.Error{Module: "irq", Message: vec.Name()})
	}
}

// HandleException registers handler for a CPU exception vector that does
// not push an error code. Vectors 0-13 and 15-31 default to a panic handler
// keyed on gate.InterruptNumber.Name until this is called.
func HandleException(vec gate.InterruptNumber, handler ExceptionHandler) {
	exceptionHandlers[vec] = handler
}

// HandleExceptionWithCode registers handler for a CPU exception vector that
// pushes an error code (notably GPFException and PageFaultException).
func HandleExceptionWithCode(vec gate.InterruptNumber, handler ExceptionHandlerWithCode) {
	exceptionHandlersWithErr[vec] = handler
}

// HandleIRQ registers handler for hardware interrupt line (0-15). Only one
// handler may be registered per line; registering a second overwrites the
// first.
func HandleIRQ(line uint8, handler IRQHandler) {
	irqHandlers[line] = handler
}

// HandleSyscall registers handler as the target for gate.SyscallVector
// (INT 0x80), the same re-entrancy guard and trampoline shape the exception
// and IRQ vectors get. package syscall is the only intended caller.
//
// Nothing in this kernel can actually trigger this vector yet: INT 0x80 is
// only reachable from ring 3, and there is no ring-3 entry path (no TSS,
// no task gate, no path that ever drops CPL below 0). The gate is wired up
// anyway, against the day execve gains a real user-mode jump, rather than
// leaving SyscallVector a dead constant; until then handler is unreachable
// dead code by construction, not a bug.
func HandleSyscall(handler func(*Regs)) {
	gate.HandleInterrupt(gate.SyscallVector, 0, func(regs *gate.Registers) {
		if inHandler {
			kfmt.Panic(errDoubleFault)
		}
		inHandler = true
		defer func() { inHandler = false }()
		handler(regs)
	})
}
