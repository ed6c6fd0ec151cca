package vmm

import (
	"xelix/kernel"
	"xelix/kernel/mm"
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially, it points to
	// tempMappingAddr which coincides with the end of the kernel address
	// space.
	earlyReserveLastUsed = tempMappingAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up.
//
// This function allocates regions starting at the end of the kernel address
// space. It should only be used during the early stages of kernel initialization.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	// reserving a region of the requested size will cause an underflow
	if size > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}

// newPDTFrameFn allocates the physical frame backing a new Context's page
// directory. It is a package var purely so tests can stub out mm.AllocFrame.
var newPDTFrameFn = mm.AllocFrame

// Context represents one task's address space: its own page directory table,
// switchable independently of any other task's. kernel/task switches to it
// through PDT.Activate; the higher level bookkeeping (which ranges are mapped
// where, and the eager copy made on fork) lives in kernel/mm/valloc, which
// maps through vmm.Map/vmm.Unmap on the active directory. This package only
// deals with the hardware-facing page tables themselves.
type Context struct {
	PDT PageDirectoryTable
}

// NewAddressSpace allocates a fresh, empty page directory table and wraps it
// in a Context. The kernel's own address space is mapped into every new PDT's
// upper half by PageDirectoryTable.Init so the kernel stays reachable after a
// task switches into it.
func NewAddressSpace() (*Context, *kernel.Error) {
	frame, err := newPDTFrameFn()
	if err != nil {
		return nil, err
	}

	ctx := &Context{}
	if err := ctx.PDT.Init(frame); err != nil {
		return nil, err
	}

	return ctx, nil
}

// Activate switches the CPU to use this context's page directory table.
func (c *Context) Activate() {
	c.PDT.Activate()
}
