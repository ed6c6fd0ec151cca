// Package vfs implements the kernel's virtual filesystem layer: a mount
// table generalizing device/driver.go's registration idiom (interface-typed
// callback objects registered against a key, probed/resolved in a fixed
// order) to a path-based mount/descriptor design, plus a per-task file
// descriptor table and pipes.
//
// vfs knows nothing about any on-disk format; vfs/ext2 and vfs/sysfs supply
// the Driver implementations that back a given mount point.
package vfs

import "xelix/kernel"

// OpenFlag mirrors the O_* flags a syscall's open(2)/pipe(2) call passes
// through.
type OpenFlag uint32

const (
	FlagRead OpenFlag = 1 << iota
	FlagWrite
	FlagCreate
	FlagTruncate
	FlagAppend
	FlagNonBlock
)

// NodeType classifies what kind of thing a Node represents, mirroring the
// FT_IF* family the original vfs_file_t.type field used.
type NodeType uint8

const (
	TypeRegular NodeType = iota
	TypeDirectory
	TypeSymlink
	TypeDevice
	TypePipe
)

// Stat describes a Node's metadata, the fields every filesystem driver in
// this tree (ext2, sysfs) can fill in without needing format-specific extras
// at the vfs layer.
type Stat struct {
	Type    NodeType
	Size    uint64
	Mode    uint32
	UID     uint32
	GID     uint32
	Links   uint32
	ModTime uint64
}

// DirEntry describes one entry returned by Node.Readdir.
type DirEntry struct {
	Name string
	Type NodeType
}

// Node is an open file, directory, device or pipe end, as returned by a
// Driver's Open. Every method takes the byte-range or listing operations a
// syscall handler needs; Node implementations that don't support a given
// operation (a directory's WriteAt, a pipe's Readdir) return errNotSupported.
type Node interface {
	ReadAt(buf []byte, offset int64) (int, *kernel.Error)
	WriteAt(buf []byte, offset int64) (int, *kernel.Error)
	Readdir() ([]DirEntry, *kernel.Error)
	Stat() (Stat, *kernel.Error)
	Close() *kernel.Error
}

// Ioctler is implemented by Nodes that support device control requests
// outside the plain read/write/stat surface (vfs/sysfs's gfxbus node).
// callerID is the requesting task's ID (kernel/task.ID's underlying type);
// it is threaded through as a plain uint32 rather than a *task.Task so this
// package never has to import kernel/task, which itself imports vfs for
// Task.Files.
type Ioctler interface {
	Ioctl(callerID uint32, request uintptr, arg uintptr) (uintptr, *kernel.Error)
}

var (
	errNotSupported = &kernel.Error{Module: "vfs", Message: "operation not supported by this node"}
)

// ErrNotSupported is returned by a Node method the underlying driver or node
// type has no meaningful implementation for.
func ErrNotSupported() *kernel.Error { return errNotSupported }
