package vfs

import (
	"xelix/kernel"
	"xelix/kernel/sync"
)

// File is an open handle on a Node: the node itself plus the path it was
// opened from, the flags it was opened with, and a read/write cursor. A
// *File is what a descriptor table entry actually points at.
type File struct {
	node   Node
	path   string
	flags  OpenFlag
	offset int64
}

// Path returns the path this file was opened from.
func (f *File) Path() string { return f.path }

// Flags returns the flags this file was opened with.
func (f *File) Flags() OpenFlag { return f.flags }

// Read reads from the file's current offset and advances it by the number
// of bytes actually read.
func (f *File) Read(buf []byte) (int, *kernel.Error) {
	n, err := f.node.ReadAt(buf, f.offset)
	f.offset += int64(n)
	return n, err
}

// Write writes at the file's current offset and advances it by the number
// of bytes actually written.
func (f *File) Write(buf []byte) (int, *kernel.Error) {
	n, err := f.node.WriteAt(buf, f.offset)
	f.offset += int64(n)
	return n, err
}

// Seek repositions the file's read/write cursor to offset.
func (f *File) Seek(offset int64) { f.offset = offset }

// ReadAt reads from an explicit offset without disturbing the file's cursor.
// It satisfies elf.Reader, so a *File opened on an executable can be handed
// straight to elf.Load.
func (f *File) ReadAt(buf []byte, offset int64) (int, *kernel.Error) {
	return f.node.ReadAt(buf, offset)
}

// WriteAt writes at an explicit offset without disturbing the file's cursor.
func (f *File) WriteAt(buf []byte, offset int64) (int, *kernel.Error) {
	return f.node.WriteAt(buf, offset)
}

// Readdir lists a directory node's entries.
func (f *File) Readdir() ([]DirEntry, *kernel.Error) { return f.node.Readdir() }

// Stat returns the node's metadata.
func (f *File) Stat() (Stat, *kernel.Error) { return f.node.Stat() }

// Ioctl forwards a device control request to the underlying node, if it
// implements Ioctler. callerID identifies the requesting task.
func (f *File) Ioctl(callerID uint32, request, arg uintptr) (uintptr, *kernel.Error) {
	ioc, ok := f.node.(Ioctler)
	if !ok {
		return 0, errNotSupported
	}
	return ioc.Ioctl(callerID, request, arg)
}

// Close releases the underlying node.
func (f *File) Close() *kernel.Error { return f.node.Close() }

// Table is a per-task open file descriptor table, the direct analogue of the
// original kernel's per-task vfs_file_t array addressed by integer fd.
type Table struct {
	lock  sync.Spinlock
	files map[int]*File
}

// NewTable creates an empty descriptor table.
func NewTable() *Table {
	return &Table{files: make(map[int]*File)}
}

// Add installs f at the lowest free descriptor number and returns it.
func (t *Table) Add(f *File) int {
	return t.AddAt(f, 0)
}

// AddAt installs f at the lowest free descriptor number that is at least
// minFd, mirroring vfs_alloc_fileno's ability to reserve a starting point
// (pipe(2) in the original allocates both ends starting at fd 3, leaving
// 0-2 free for stdio).
func (t *Table) AddAt(f *File, minFd int) int {
	t.lock.Acquire()
	defer t.lock.Release()

	fd := minFd
	for {
		if _, used := t.files[fd]; !used {
			break
		}
		fd++
	}
	t.files[fd] = f
	return fd
}

// Get returns the file registered under fd.
func (t *Table) Get(fd int) (*File, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	f, ok := t.files[fd]
	if !ok {
		return nil, errBadFD
	}
	return f, nil
}

// Close closes and removes the descriptor fd.
func (t *Table) Close(fd int) *kernel.Error {
	t.lock.Acquire()
	f, ok := t.files[fd]
	if !ok {
		t.lock.Release()
		return errBadFD
	}
	delete(t.files, fd)
	t.lock.Release()

	return f.Close()
}

// Clone duplicates every open descriptor into a new table sharing the same
// underlying *File values, the shared-file-description semantics a real
// fork() gives a child process over its parent's descriptors.
func (t *Table) Clone() *Table {
	if t == nil {
		return NewTable()
	}

	t.lock.Acquire()
	defer t.lock.Release()

	out := NewTable()
	for fd, f := range t.files {
		out.files[fd] = f
	}
	return out
}

var errBadFD = &kernel.Error{Module: "vfs", Message: "no open file with that descriptor"}

// ErrBadFD returns the "no such descriptor" sentinel.
func ErrBadFD() *kernel.Error { return errBadFD }
