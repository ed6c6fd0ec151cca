package sysfs

import (
	"xelix/kernel"
	"xelix/kernel/mm"
	"xelix/kernel/mm/valloc"
	"xelix/kernel/sync"
	"xelix/kernel/task"
	"xelix/vfs"
)

// Ioctl requests understood by Gfxbus: register the calling task as the
// display server ("master"), and allocate a buffer shared between a client
// and whichever task is currently master.
const (
	GfxbusRegisterMaster uintptr = 0x2f01
	GfxbusAllocShared    uintptr = 0x2f02
)

var (
	errGfxbusBadRequest = &kernel.Error{Module: "sysfs", Message: "unknown gfxbus ioctl request"}
	errGfxbusNoMaster   = &kernel.Error{Module: "sysfs", Message: "no gfxbus master registered yet"}
)

// Gfxbus is the graphics bus device node: a single shared piece of state
// (which task is master) plus the shared-buffer allocation the original
// used to hand a client a region both it and the compositor could see.
type Gfxbus struct {
	lock       sync.Spinlock
	masterID   uint32
	hasMaster  bool
}

// NewGfxbus creates an unregistered gfxbus device, ready for
// sysfs.RegisterDev.
func NewGfxbus() *Gfxbus { return &Gfxbus{} }

func (g *Gfxbus) ReadAt(buf []byte, offset int64) (int, *kernel.Error) {
	return 0, vfs.ErrNotSupported()
}

func (g *Gfxbus) WriteAt(buf []byte, offset int64) (int, *kernel.Error) {
	return 0, vfs.ErrNotSupported()
}

func (g *Gfxbus) Readdir() ([]vfs.DirEntry, *kernel.Error) { return nil, vfs.ErrNotSupported() }

func (g *Gfxbus) Stat() (vfs.Stat, *kernel.Error) {
	return vfs.Stat{Type: vfs.TypeDevice}, nil
}

func (g *Gfxbus) Close() *kernel.Error { return nil }

// Ioctl implements vfs.Ioctler. request 0x2f01 registers callerID as master
// and returns 0; request 0x2f02 allocates arg bytes shared between the
// caller and the current master (0 if none is registered yet, matching the
// original returning a null pointer to a client that asks before a
// compositor has come up) and returns the address it landed at in the
// caller's own address space.
func (g *Gfxbus) Ioctl(callerID uint32, request uintptr, arg uintptr) (uintptr, *kernel.Error) {
	switch request {
	case GfxbusRegisterMaster:
		g.lock.Acquire()
		g.masterID = callerID
		g.hasMaster = true
		g.lock.Release()
		return 0, nil

	case GfxbusAllocShared:
		return g.allocShared(callerID, arg)

	default:
		return 0, errGfxbusBadRequest
	}
}

func (g *Gfxbus) allocShared(callerID uint32, size uintptr) (uintptr, *kernel.Error) {
	g.lock.Acquire()
	masterID, hasMaster := g.masterID, g.hasMaster
	g.lock.Release()

	if !hasMaster {
		return 0, errGfxbusNoMaster
	}

	caller, err := task.Lookup(task.ID(callerID))
	if err != nil {
		return 0, err
	}
	master, err := task.Lookup(task.ID(masterID))
	if err != nil {
		return 0, err
	}

	pages := (size + mm.PageSize - 1) / mm.PageSize
	if pages == 0 {
		pages = 1
	}

	r, err := caller.Mem.Reserve(pages, 0, mm.InvalidFrame, valloc.FlagRW|valloc.FlagUser|valloc.FlagZero)
	if err != nil {
		return 0, err
	}

	if master != caller {
		if _, _, err := valloc.MapAcross(master.Mem, valloc.FlagRW|valloc.FlagUser, caller.Mem, r.Start.Address(), size); err != nil {
			return 0, err
		}
	}

	return r.Start.Address(), nil
}
