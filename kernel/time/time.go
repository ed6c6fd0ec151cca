// Package time drives the system tick counter off the 8253/8254 PIT
// (programmable interval timer) wired to IRQ0. It does not attempt to track
// wall-clock time: there is no RTC driver in scope, so every timestamp in
// this kernel (log lines, SPEC_FULL.md §6) is the raw millisecond count
// since Init was called.
package time

import (
	"sync/atomic"

	"xelix/kernel/cpu"
	"xelix/kernel/irq"
	"xelix/kernel/kfmt"
)

const (
	pitChannel0Data = 0x40
	pitCommand      = 0x43

	// pitBaseFrequency is the fixed input frequency of the 8253/8254 PIT in
	// Hz. Every other rate is derived from it via a clock divisor.
	pitBaseFrequency = 1193182

	// pitModeSquareWave selects channel 0, lo/hi byte access, mode 3
	// (square wave generator), binary counting.
	pitModeSquareWave = 0x36
)

var (
	ticks uint64

	// hz is the configured tick rate; Millis converts the raw tick count to
	// milliseconds using it.
	hz uint32

	portWriteByteFn = cpu.PortWriteByte

	// schedulerTick, when set via SetTickHandler, runs after every tick is
	// counted and receives the live register snapshot the CPU pushed for
	// this interrupt. kernel/task installs a handler that ignores the
	// snapshot and calls runtime.Gosched instead: tasks here are Go
	// goroutines, so preemption is handing control back to the Go runtime's
	// own scheduler rather than patching the interrupt frame to resume
	// somewhere else.
	schedulerTick func(*irq.Regs)
)

// Init programs the PIT to fire IRQ0 at the requested rate and registers the
// tick handler that backs Ticks/Millis. hz must be between 19 and
// pitBaseFrequency; the PIT's 16-bit divisor cannot represent a slower rate.
func Init(requestedHz uint32) {
	hz = requestedHz

	divisor := pitBaseFrequency / requestedHz
	if divisor > 0xffff {
		divisor = 0xffff
	} else if divisor == 0 {
		divisor = 1
	}

	portWriteByteFn(pitCommand, pitModeSquareWave)
	portWriteByteFn(pitChannel0Data, uint8(divisor&0xff))
	portWriteByteFn(pitChannel0Data, uint8(divisor>>8))

	irq.HandleIRQ(0, onTick)
	kfmt.SetTickSource(Millis)
}

// SetTickHandler registers a function that runs on every PIT tick, after the
// tick counter has been incremented. kernel/task uses this to drive its
// round-robin scheduler off the same clock source rather than programming a
// second timer.
func SetTickHandler(fn func(*irq.Regs)) {
	schedulerTick = fn
}

func onTick(_ uint8, regs *irq.Regs) {
	atomic.AddUint64(&ticks, 1)
	if schedulerTick != nil {
		schedulerTick(regs)
	}
}

// Ticks returns the number of PIT ticks counted since Init.
func Ticks() uint64 {
	return atomic.LoadUint64(&ticks)
}

// Millis returns the number of milliseconds elapsed since Init, derived from
// the tick count and the configured rate.
func Millis() uint64 {
	if hz == 0 {
		return 0
	}
	return Ticks() * 1000 / uint64(hz)
}
