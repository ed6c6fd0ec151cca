// Package kmain ties every other package in this tree into the boot
// sequence a multiboot-compliant loader hands off to: validate the boot
// info, bring up the CPU and memory subsystems, start the Go runtime,
// install interrupt handling, mount the filesystem namespace, and spawn
// the init task. It mirrors gopher-os's own kernel/kmain package almost
// exactly in shape (one flat function, an error-checking if/else-if chain,
// "Kmain must not return") with this kernel's own subsystem set substituted
// in.
package kmain

import (
	"xelix/kernel"
	"xelix/kernel/cpu"
	"xelix/kernel/gate"
	"xelix/kernel/goruntime"
	"xelix/kernel/hal"
	"xelix/kernel/hal/multiboot"
	"xelix/kernel/irq"
	"xelix/kernel/kfmt"
	"xelix/kernel/mm/heap"
	"xelix/kernel/mm/pmm"
	"xelix/kernel/mm/vmm"
	"xelix/kernel/syscall"
	"xelix/kernel/task"
	"xelix/kernel/time"
	"xelix/vfs"
	"xelix/vfs/ext2"
	"xelix/vfs/sysfs"
)

const (
	// kernelPageOffset is the virtual address the kernel's own image is
	// linked at, the same higher-half split kernel/task.userPages already
	// assumes when it carves out the user-reachable bottom of every
	// address space.
	kernelPageOffset = 0xc0000000

	// heapSize is how much virtual address space Init reserves for
	// kernel/mm/heap up front; physical frames are only committed as
	// Allocate actually needs them.
	heapSize = 64 << 20

	// timerHz is the rate kernel/time's tick handler drives task
	// preemption at.
	timerHz = 100

	initPath = "/sbin/init"
)

var errBadBootInfo = &kernel.Error{Module: "kmain", Message: "invalid or missing multiboot info"}

// RootBlockDevice is the BlockDevice ext2 mounts "/" from. No ATA/IDE driver
// was ever retrieved into this tree (see DESIGN.md §4.10/§4.11), so there is
// nothing that can populate this on real hardware yet; it is a var rather
// than a parameter so a future block-device driver's DriverInit can set it
// during hal.DetectHardware, before Kmain reaches the mount step. Left nil,
// Kmain logs the gap and boots with only the synthetic filesystem mounted.
var RootBlockDevice ext2.BlockDevice

// Kmain is the only Go symbol the rt0 entry assembly calls into, after it
// has set up a minimal stack and jumped out of whatever state the
// bootloader left the CPU in. multibootInfoPtr, kernelStart and kernelEnd
// are exactly what gopher-os's own rt0/Kmain boundary passes: the physical
// address of the bootloader's info structure, and the physical range the
// kernel image itself occupies (so the frame allocator can mark it as
// already in use).
//
// Unlike gopher-os's own Kmain, which has nothing left to do once it panics
// on an init error and so ends on a bare kernel.Panic(errKmainReturned),
// this Kmain spawns the init task as a goroutine and must stay alive for it
// and every future task to keep running - a return here would behave like
// a Go program's main returning, tearing every other goroutine down with
// it. select{} is the block-forever idiom for that.
func Kmain(multibootMagic uint32, multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	if !multiboot.ValidateBootInfo(multibootMagic, multibootInfoPtr) {
		kfmt.Panic(errBadBootInfo)
	}
	multiboot.SetInfoPtr(multibootInfoPtr)

	cpu.InitGDT()

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	} else if err = vmm.Init(kernelPageOffset); err != nil {
		kfmt.Panic(err)
	} else if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	} else if err = heap.Init(heapSize); err != nil {
		kfmt.Panic(err)
	}

	gate.Init()
	irq.Init()
	time.Init(timerHz)
	task.Init()
	syscall.Init()
	sysfs.Init()

	hal.DetectHardware()

	mountFilesystems()

	if _, err := task.Spawn("init", runInit); err != nil {
		kfmt.Panic(err)
	}

	// The scheduler runs entirely on task goroutines driven by
	// runtime.Gosched from kernel/task's own tick handler; Kmain's own
	// goroutine has nothing further to do but get out of the way.
	select {}
}

// mountFilesystems wires up the namespace: "/" from the ext2 volume when
// one is available, and the synthetic filesystem at both "/sys" and "/dev"
// (the same flat vfs/sysfs registry answers both mount points - entries are
// registered once and never collide by name).
func mountFilesystems() {
	if RootBlockDevice != nil {
		fs, err := ext2.Mount(RootBlockDevice)
		if err != nil {
			kfmt.Printf("kmain: could not mount root filesystem: %s\n", err.Message)
		} else if err := vfs.Mount("/", &ext2.Driver{FS: fs}); err != nil {
			kfmt.Printf("kmain: could not register root mount: %s\n", err.Message)
		}
	} else {
		kfmt.Printf("kmain: no root block device available; booting without an ext2 mount\n")
	}

	sysfsDriver := &sysfs.Driver{}
	if err := vfs.Mount("/sys", sysfsDriver); err != nil {
		kfmt.Printf("kmain: could not mount /sys: %s\n", err.Message)
	}
	if err := vfs.Mount("/dev", sysfsDriver); err != nil {
		kfmt.Printf("kmain: could not mount /dev: %s\n", err.Message)
	}
}

// runInit is the init task's goroutine body: load /sbin/init and hand
// control to it. No ring-3 transition exists anywhere in kernel/task (see
// kernel/syscall's package doc for the full rationale), so "handing control
// to it" stops at building its address space and logging the entry point
// Execve would have jumped to; actually resuming user-mode execution there
// is the gap that transition would need to close first.
func runInit(t *task.Task) {
	entry, err := syscall.LoadExecutable(t, initPath)
	if err != nil {
		kfmt.Printf("kmain: could not load %s: %s\n", initPath, err.Message)
		task.Exit(t, 1)
		return
	}

	kfmt.Printf("kmain: loaded %s, entry=0x%x (no ring-3 transition to resume it at)\n", initPath, entry)
	task.Exit(t, 0)
}
