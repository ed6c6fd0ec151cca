package syscall

import (
	"xelix/kernel"
	"xelix/kernel/elf"
	"xelix/kernel/kfmt"
	"xelix/kernel/mm"
	"xelix/kernel/mm/valloc"
	"xelix/kernel/mm/vmm"
	"xelix/kernel/task"
	"xelix/vfs"
)

// sysExecve mirrors execve.c's load phase: open the binary, validate its ELF
// header, and map every PT_LOAD segment into the calling task's address
// space. The original then overwrites the calling process's register state
// so it resumes at the new entry point; this kernel has nothing to overwrite
// it with - no ring-3 entry path exists anywhere in kernel/task, so there is
// no saved user register frame to repoint - so execve here only gets as far
// as building the image and handing back the entry address. Wiring that
// address up to something that actually starts running it is future work
// that needs a real ring-3 transition first.
func sysExecve(t *task.Task, args [3]uint32) (uint32, *kernel.Error) {
	pathPtr, pathLen := uintptr(args[0]), uintptr(args[1])
	if err := t.ValidateUserRange(pathPtr, pathLen); err != nil {
		return 0, err
	}
	path := vfs.Join(t.Cwd, string(kernel.BytesAt(pathPtr, pathLen)))

	entry, err := LoadExecutable(t, path)
	if err != nil {
		return 0, err
	}
	return uint32(entry), nil
}

// LoadExecutable runs the same load phase sysExecve does, for callers that
// already hold a *task.Task and a plain Go string path rather than a
// validated user-memory pointer - kernel/kmain's boot-to-init sequence,
// which has no user address space to read the path out of yet, since it is
// the one building the very first task's address space in the first place.
func LoadExecutable(t *task.Task, path string) (uintptr, *kernel.Error) {
	f, err := vfs.Open(path, vfs.FlagRead)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	exe, err := elf.Load(f, true)
	if err != nil {
		return 0, err
	}
	segs, err := exe.Segments()
	if err != nil {
		return 0, err
	}

	for _, seg := range segs {
		if seg.Type != elf.PTLoad {
			continue
		}
		if err := loadSegment(t, exe, seg); err != nil {
			return 0, err
		}
	}

	kfmt.Printf("syscall: loaded %s, entry=0x%x\n", path, exe.Entry)
	return exe.Entry, nil
}

// loadSegment reserves fresh pages covering seg's virtual range in t.Mem,
// copies its file-backed bytes in page by page through vmm.MapTemporary -
// the same technique kernel/task's copyAddressSpace uses to reach a frame
// that belongs to a directory that may not be the active one - and zeroes
// the remainder up to MemSize (a segment's .bss tail).
func loadSegment(t *task.Task, exe *elf.Executable, seg elf.Segment) *kernel.Error {
	startPage := mm.PageFromAddress(seg.VirtAddr)
	pages := (seg.MemSize + mm.PageSize - 1) / mm.PageSize
	if pages == 0 {
		pages = 1
	}

	segFlags := valloc.FlagUser
	if seg.Flags&elf.PFWrite != 0 {
		segFlags |= valloc.FlagRW
	}

	if _, err := t.Mem.Reserve(pages, startPage, mm.InvalidFrame, segFlags); err != nil {
		return err
	}

	data := make([]byte, seg.FileSize)
	if err := exe.ReadSegmentData(seg, data); err != nil {
		return err
	}

	var written uintptr
	for written < seg.MemSize {
		page := startPage + mm.Page(written/mm.PageSize)

		frame, err := t.Mem.FrameAt(page)
		if err != nil {
			return err
		}
		tmp, err := vmm.MapTemporary(frame)
		if err != nil {
			return err
		}

		n := mm.PageSize
		if remaining := seg.MemSize - written; remaining < n {
			n = remaining
		}

		dst := kernel.BytesAt(tmp.Address(), n)
		if written < seg.FileSize {
			fileN := n
			if remaining := seg.FileSize - written; remaining < fileN {
				fileN = remaining
			}
			copy(dst, data[written:written+fileN])
			for i := fileN; i < n; i++ {
				dst[i] = 0
			}
		} else {
			for i := range dst {
				dst[i] = 0
			}
		}

		_ = vmm.Unmap(tmp)
		written += n
	}

	return nil
}
