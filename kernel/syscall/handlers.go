package syscall

import (
	"unsafe"

	"xelix/kernel"
	"xelix/kernel/task"
	"xelix/vfs"
)

var errBufferTooSmall = &kernel.Error{Module: "syscall", Message: "destination buffer too small"}

// sysExit mirrors exit(2): it never returns to its caller. The
// (uint32, *kernel.Error) result exists only so sysExit has the same shape
// as every other entry in table.
func sysExit(t *task.Task, args [3]uint32) (uint32, *kernel.Error) {
	task.Exit(t, int(int32(args[0])))
	return 0, nil
}

// sysFork mirrors fork.c: the parent gets the child's id back, the child
// gets 0. There is no saved ring-3 register frame for the child to resume
// into - no ring-3 entry path exists anywhere in this kernel - so the
// child's "resume point" is simply exiting immediately; a real child
// process only becomes useful once exec is layered on top by a caller that
// can actually schedule one, which this kernel cannot yet do.
func sysFork(t *task.Task, _ [3]uint32) (uint32, *kernel.Error) {
	child, err := task.Fork(t, func(c *task.Task) {
		task.Exit(c, 0)
	})
	if err != nil {
		return 0, err
	}
	return uint32(child.ID), nil
}

// sysWrite mirrors write.c: look the descriptor up in the calling task's own
// table and forward to it after validating the buffer is actually this
// task's to read from.
func sysWrite(t *task.Task, args [3]uint32) (uint32, *kernel.Error) {
	fd, bufPtr, size := int(args[0]), uintptr(args[1]), uintptr(args[2])

	if err := t.ValidateUserRange(bufPtr, size); err != nil {
		return 0, err
	}
	f, err := t.Files.Get(fd)
	if err != nil {
		return 0, err
	}

	n, err := f.Write(kernel.BytesAt(bufPtr, size))
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// sysRead is write's mirror image.
func sysRead(t *task.Task, args [3]uint32) (uint32, *kernel.Error) {
	fd, bufPtr, size := int(args[0]), uintptr(args[1]), uintptr(args[2])

	if err := t.ValidateUserRange(bufPtr, size); err != nil {
		return 0, err
	}
	f, err := t.Files.Get(fd)
	if err != nil {
		return 0, err
	}

	n, err := f.Read(kernel.BytesAt(bufPtr, size))
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// sysOpen resolves the path relative to t's cwd and installs the resulting
// file at the lowest free descriptor >= 3, leaving 0-2 free for whatever
// eventually supplies stdio.
func sysOpen(t *task.Task, args [3]uint32) (uint32, *kernel.Error) {
	pathPtr, pathLen, flags := uintptr(args[0]), uintptr(args[1]), vfs.OpenFlag(args[2])

	if err := t.ValidateUserRange(pathPtr, pathLen); err != nil {
		return 0, err
	}
	path := vfs.Join(t.Cwd, string(kernel.BytesAt(pathPtr, pathLen)))

	f, err := vfs.Open(path, flags)
	if err != nil {
		return 0, err
	}
	return uint32(t.Files.AddAt(f, 3)), nil
}

// sysIoctl forwards a device control request to whatever descriptor fd
// names, carrying the calling task's id so a device node that needs to act
// on another task's address space (vfs/sysfs's gfxbus) can look it up via
// kernel/task.Lookup without this package or vfs importing each other in a
// cycle.
func sysIoctl(t *task.Task, args [3]uint32) (uint32, *kernel.Error) {
	fd, request, arg := int(args[0]), uintptr(args[1]), uintptr(args[2])

	f, err := t.Files.Get(fd)
	if err != nil {
		return 0, err
	}
	ret, err := f.Ioctl(uint32(t.ID), request, arg)
	if err != nil {
		return 0, err
	}
	return uint32(ret), nil
}

func sysClose(t *task.Task, args [3]uint32) (uint32, *kernel.Error) {
	if err := t.Files.Close(int(args[0])); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysChdir mirrors cwd.c: it only accepts a path that actually opens,
// matching the original's practice of calling vfs_open on the new cwd before
// committing to it rather than storing an unvalidated string.
func sysChdir(t *task.Task, args [3]uint32) (uint32, *kernel.Error) {
	pathPtr, pathLen := uintptr(args[0]), uintptr(args[1])

	if err := t.ValidateUserRange(pathPtr, pathLen); err != nil {
		return 0, err
	}
	path := vfs.Join(t.Cwd, string(kernel.BytesAt(pathPtr, pathLen)))

	f, err := vfs.Open(path, vfs.FlagRead)
	if err != nil {
		return 0, err
	}
	f.Close()

	t.Cwd = path
	return 0, nil
}

// sysGetcwd copies the cwd, NUL-terminated, into the caller's buffer and
// returns the number of bytes written excluding the terminator.
func sysGetcwd(t *task.Task, args [3]uint32) (uint32, *kernel.Error) {
	bufPtr, bufLen := uintptr(args[0]), uintptr(args[1])

	if err := t.ValidateUserRange(bufPtr, bufLen); err != nil {
		return 0, err
	}
	if uintptr(len(t.Cwd))+1 > bufLen {
		return 0, errBufferTooSmall
	}

	dst := kernel.BytesAt(bufPtr, bufLen)
	n := copy(dst, t.Cwd)
	dst[n] = 0
	return uint32(n), nil
}

// sysWait mirrors wait(2): block for any child to become a zombie, write its
// exit status to the caller's statusp (when non-nil) and return its id.
func sysWait(t *task.Task, args [3]uint32) (uint32, *kernel.Error) {
	statusp := uintptr(args[0])
	if statusp != 0 {
		if err := t.ValidateUserRange(statusp, 4); err != nil {
			return 0, err
		}
	}

	child, status, err := task.Wait(t)
	if err != nil {
		return 0, err
	}

	if statusp != 0 {
		*(*uint32)(unsafe.Pointer(statusp)) = uint32(int32(status))
	}
	return uint32(child.ID), nil
}
