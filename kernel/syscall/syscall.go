// Package syscall dispatches the numbered process, memory and filesystem
// operations a Unix-like kernel groups under "syscall handling": one Go
// function per syscall number, a single entry point other code calls
// directly, and a per-task errno cell set on every failure the same way a
// kernel's global sc_errno would be, but without needing an implicit
// "current task".
//
// A native kernel reaches this dispatcher through INT 0x80 fired from
// ring 3. This kernel has no ring-3 entry path (no TSS, no user-mode jump
// anywhere in kernel/task), so Invoke is wired as a plain function call and
// Init only registers the IDT gate as inert scaffolding - see Init's doc
// comment.
package syscall

import (
	"xelix/kernel"
	"xelix/kernel/irq"
	"xelix/kernel/kfmt"
	"xelix/kernel/task"
	"xelix/vfs"
)

// Number identifies a syscall. Values are assigned in this package rather
// than carried over from the original's syscall.h, since nothing outside
// this kernel needs to agree with them on the wire.
type Number uint32

const (
	NumExit Number = iota
	NumFork
	NumExecve
	NumWrite
	NumRead
	NumOpen
	NumClose
	NumChdir
	NumGetcwd
	NumWait
	NumIoctl
)

// Errno mirrors the handful of POSIX error codes this kernel's syscalls can
// actually produce.
type Errno int32

const (
	EPERM   Errno = 1
	ENOENT  Errno = 2
	EIO     Errno = 5
	EBADF   Errno = 9
	ECHILD  Errno = 10
	EAGAIN  Errno = 11
	EFAULT  Errno = 14
	EEXIST  Errno = 17
	ENOTDIR Errno = 20
	EINVAL  Errno = 22
	EFBIG   Errno = 27
	ENOSYS  Errno = 38
)

type handlerFn func(t *task.Task, args [3]uint32) (uint32, *kernel.Error)

var table = map[Number]handlerFn{
	NumExit:   sysExit,
	NumFork:   sysFork,
	NumExecve: sysExecve,
	NumWrite:  sysWrite,
	NumRead:   sysRead,
	NumOpen:   sysOpen,
	NumClose:  sysClose,
	NumChdir:  sysChdir,
	NumGetcwd: sysGetcwd,
	NumWait:   sysWait,
	NumIoctl:  sysIoctl,
}

var errUnknownSyscall = &kernel.Error{Module: "syscall", Message: "unknown syscall number"}

// Invoke runs the syscall numbered number on behalf of t with the given
// argument words, the way a trap handler would unpack them off the
// interrupt frame's EBX/ECX/EDX. It always records an errno on t, clearing
// it to 0 on success, the same single cell a real syscall return path would
// leave behind for the caller to inspect.
func Invoke(t *task.Task, number Number, args [3]uint32) (uint32, *kernel.Error) {
	h, ok := table[number]
	if !ok {
		t.SetErrno(int32(ENOSYS))
		return 0, errUnknownSyscall
	}

	ret, err := h(t, args)
	if err != nil {
		t.SetErrno(int32(classify(err)))
		return 0, err
	}
	t.SetErrno(0)
	return ret, nil
}

// Init registers the INT 0x80 gate. Nothing in this kernel can ever trigger
// it - that requires ring 3, which kernel/task never drops to - so the
// handler exists purely so SyscallVector is a live, inspectable gate rather
// than a permanently-absent IDT entry, and panics loudly if it is ever
// somehow reached rather than silently misbehaving.
func Init() {
	irq.HandleSyscall(func(regs *irq.Regs) {
		kfmt.Panic(&kernel.Error{
			Module:  "syscall",
			Message: "INT 0x80 fired with no ring-3 caller to dispatch for",
		})
	})
}

// classify maps a *kernel.Error returned by a handler to the errno that
// best describes it. Handlers built directly on vfs/task sentinels classify
// precisely; anything else (an ext2 or sysfs driver's own internal error)
// falls back to EIO, the same catch-all the original used for "something
// below vfs went wrong".
func classify(err *kernel.Error) Errno {
	switch err {
	case vfs.ErrNotSupported():
		return EINVAL
	case vfs.ErrBadFD():
		return EBADF
	case vfs.ErrNoMount():
		return ENOENT
	case vfs.ErrPipeFull():
		return EFBIG
	case task.ErrBadUserPointer():
		return EFAULT
	case task.ErrNoChildren():
		return ECHILD
	default:
		return EIO
	}
}
