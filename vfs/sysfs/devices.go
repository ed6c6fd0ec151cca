package sysfs

import (
	"bytes"

	"xelix/kernel"
	"xelix/kernel/kfmt"
	"xelix/kernel/mm/heap"
	"xelix/vfs"
)

// nullDevice discards every write and reads as EOF, the conventional
// /dev/null node every sysfs.h-style registry carries.
type nullDevice struct{}

func (nullDevice) ReadAt(buf []byte, offset int64) (int, *kernel.Error)  { return 0, nil }
func (nullDevice) WriteAt(buf []byte, offset int64) (int, *kernel.Error) { return len(buf), nil }
func (nullDevice) Readdir() ([]vfs.DirEntry, *kernel.Error)              { return nil, vfs.ErrNotSupported() }
func (nullDevice) Stat() (vfs.Stat, *kernel.Error)                       { return vfs.Stat{Type: vfs.TypeDevice}, nil }
func (nullDevice) Close() *kernel.Error                                  { return nil }

// zeroDevice reads as an endless stream of zero bytes and discards writes.
type zeroDevice struct{}

func (zeroDevice) ReadAt(buf []byte, offset int64) (int, *kernel.Error) {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}
func (zeroDevice) WriteAt(buf []byte, offset int64) (int, *kernel.Error) { return len(buf), nil }
func (zeroDevice) Readdir() ([]vfs.DirEntry, *kernel.Error)              { return nil, vfs.ErrNotSupported() }
func (zeroDevice) Stat() (vfs.Stat, *kernel.Error)                       { return vfs.Stat{Type: vfs.TypeDevice}, nil }
func (zeroDevice) Close() *kernel.Error                                  { return nil }

// stubDevice backs a device name this kernel advertises a slot for but has
// no real driver behind yet (the serial tty, the ATA/IDE channels). Every
// operation fails loudly rather than silently discarding, so a caller can
// tell the difference between "/dev/null" and "not wired up yet".
type stubDevice struct {
	name string
}

var errStubDevice = &kernel.Error{Module: "sysfs", Message: "device registered but has no driver behind it"}

func (s *stubDevice) ReadAt(buf []byte, offset int64) (int, *kernel.Error)  { return 0, errStubDevice }
func (s *stubDevice) WriteAt(buf []byte, offset int64) (int, *kernel.Error) { return 0, errStubDevice }
func (s *stubDevice) Readdir() ([]vfs.DirEntry, *kernel.Error)              { return nil, vfs.ErrNotSupported() }
func (s *stubDevice) Stat() (vfs.Stat, *kernel.Error) {
	return vfs.Stat{Type: vfs.TypeDevice}, nil
}
func (s *stubDevice) Close() *kernel.Error { return nil }

// memfreeContent renders the same "bytes free" line sysfs_add_file's memfree
// entry in the original produces, sourced from kernel/mm/heap.Stats (the
// only live allocator-occupancy stat this kernel tracks; kernel/mm/pmm has
// no equivalent frame-count accessor to report physical memory the same
// way).
func memfreeContent() ([]byte, *kernel.Error) {
	total, free := heap.Stats()
	var buf bytes.Buffer
	kfmt.Fprintf(&buf, "%d/%d\n", free, total)
	return buf.Bytes(), nil
}

// Init registers the fixed set of sysfs entries this kernel always carries:
// the memfree stat file, /dev/null and /dev/zero, stub placeholders for the
// tty and IDE channels (no driver exists for either in this tree), and the
// gfxbus device.
func Init() {
	RegisterFile("memfree", memfreeContent)
	RegisterDev("null", nullDevice{})
	RegisterDev("zero", zeroDevice{})
	RegisterDev("tty", &stubDevice{name: "tty"})
	RegisterDev("ide0", &stubDevice{name: "ide0"})
	RegisterDev("ide1", &stubDevice{name: "ide1"})
	RegisterDev("gfxbus", NewGfxbus())
}
