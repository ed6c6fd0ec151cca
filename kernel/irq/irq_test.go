package irq

import (
	"testing"
	"xelix/kernel/gate"
)

func TestRemapPICWritesExpectedBytes(t *testing.T) {
	defer func(orig func(uint16, uint8)) { portWriteByteFn = orig }(portWriteByteFn)

	var writes []struct {
		port uint16
		val  uint8
	}
	portWriteByteFn = func(port uint16, val uint8) {
		writes = append(writes, struct {
			port uint16
			val  uint8
		}{port, val})
	}

	remapPIC()

	if len(writes) != 10 {
		t.Fatalf("expected 10 port writes during PIC remap; got %d", len(writes))
	}
	if writes[2].port != picMasterData || writes[2].val != uint8(gate.IRQBase) {
		t.Errorf("expected master PIC offset to be programmed to %d; got %d", gate.IRQBase, writes[2].val)
	}
	if writes[3].port != picSlaveData || writes[3].val != uint8(gate.IRQBase)+8 {
		t.Errorf("expected slave PIC offset to be programmed to %d; got %d", uint8(gate.IRQBase)+8, writes[3].val)
	}
}

func TestSendEOISlaveFirst(t *testing.T) {
	defer func(orig func(uint16, uint8)) { portWriteByteFn = orig }(portWriteByteFn)

	var writes []uint16
	portWriteByteFn = func(port uint16, _ uint8) {
		writes = append(writes, port)
	}

	sendEOI(10)
	if len(writes) != 2 || writes[0] != picSlaveCommand || writes[1] != picMasterCommand {
		t.Fatalf("expected slave EOI before master EOI for IRQ >= 8; got %v", writes)
	}

	writes = nil
	sendEOI(1)
	if len(writes) != 1 || writes[0] != picMasterCommand {
		t.Fatalf("expected a single master EOI for IRQ < 8; got %v", writes)
	}
}

func TestHandleIRQDispatch(t *testing.T) {
	defer func(orig func(uint16, uint8)) { portWriteByteFn = orig }(portWriteByteFn)
	portWriteByteFn = func(uint16, uint8) {}

	var gotLine uint8
	var called bool
	HandleIRQ(3, func(line uint8, _ *Regs) {
		called = true
		gotLine = line
	})
	defer func() { irqHandlers[3] = nil }()

	trampoline := makeIRQTrampoline(3)
	trampoline(&Regs{})

	if !called || gotLine != 3 {
		t.Fatalf("expected handler for line 3 to run, got called=%v line=%d", called, gotLine)
	}
}

func TestExceptionHandlerWithCodeReceivesErrorCode(t *testing.T) {
	defer func() { exceptionHandlersWithErr[gate.PageFaultException] = nil }()

	var gotCode uint32
	HandleExceptionWithCode(gate.PageFaultException, func(code uint32, _ *Regs) {
		gotCode = code
	})

	trampoline := makeExceptionTrampoline(gate.PageFaultException)
	trampoline(&Regs{Info: 0x7})

	if gotCode != 0x7 {
		t.Fatalf("expected handler to observe error code 0x7; got 0x%x", gotCode)
	}
}
