// Package elf parses 32-bit ELF executables for the task loader. It only
// understands as much of the format as execve needs: the file header,
// program headers and PT_LOAD/PT_INTERP/PT_DYNAMIC segments. Section headers,
// relocations and symbol tables are not interpreted.
//
// Binaries are read through the Reader interface rather than a concrete
// vfs.File so this package has no dependency on the filesystem layer; the
// caller (kernel/syscall's execve loader) supplies whatever can answer ReadAt.
package elf

import (
	"unsafe"

	"xelix/kernel"
)

const identSize = 16

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

// Type enumerates the values header.typ can take.
type Type uint16

const (
	TypeNone Type = 0
	TypeRel  Type = 1
	TypeExec Type = 2
	TypeDyn  Type = 3
)

// Machine identifies the target instruction set architecture.
type Machine uint16

// MachineI386 is the only architecture this kernel can execute code for.
const MachineI386 Machine = 3

// versionCurrent is the only object file version this package understands.
const versionCurrent uint32 = 1

// SegmentType enumerates the values programHeader.Type can take.
type SegmentType uint32

const (
	PTNull    SegmentType = 0
	PTLoad    SegmentType = 1
	PTDynamic SegmentType = 2
	PTInterp  SegmentType = 3
	PTNote    SegmentType = 4
)

// SegmentFlag is an OR-able permission flag on a program header.
type SegmentFlag uint32

const (
	PFExecute SegmentFlag = 1 << iota
	PFWrite
	PFRead
)

// header overlays the first 52 bytes of a 32-bit ELF file. Every multi-byte
// field lands on its own natural alignment boundary, so this struct's Go
// layout matches the on-disk layout without needing a packed tag, the same
// assumption hal/multiboot relies on for its own ELF section structs.
type header struct {
	ident     [identSize]byte
	typ       Type
	machine   Machine
	version   uint32
	entry     uint32
	phoff     uint32
	shoff     uint32
	flags     uint32
	ehsize    uint16
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

var headerSize = unsafe.Sizeof(header{})

// programHeader overlays one 32-bit ELF program header table entry.
type programHeader struct {
	Type   SegmentType
	Offset uint32
	VAddr  uint32
	PAddr  uint32
	FileSz uint32
	MemSz  uint32
	Flags  SegmentFlag
	Align  uint32
}

var programHeaderSize = unsafe.Sizeof(programHeader{})

// Segment describes one loadable or informational program header, with the
// on-disk fields converted to host-native types for callers outside this
// package.
type Segment struct {
	Type     SegmentType
	Flags    SegmentFlag
	Offset   uintptr
	VirtAddr uintptr
	FileSize uintptr
	MemSize  uintptr
	Align    uintptr
}

// Executable wraps a validated ELF header together with its reader, ready to
// have its program headers walked.
type Executable struct {
	r      Reader
	hdr    header
	Entry  uintptr
	IsMain bool
}

// Reader is the minimal random-access source an Executable is parsed from. A
// *vfs.File satisfies it; tests can supply a byte-slice-backed stand-in.
type Reader interface {
	ReadAt(buf []byte, offset int64) (int, *kernel.Error)
}

var (
	errShortRead   = &kernel.Error{Module: "elf", Message: "could not read ELF header"}
	errBadMagic    = &kernel.Error{Module: "elf", Message: "invalid ELF magic"}
	errNotExec     = &kernel.Error{Module: "elf", Message: "binary is not executable"}
	errBadMachine  = &kernel.Error{Module: "elf", Message: "binary targets an unsupported architecture"}
	errBadVersion  = &kernel.Error{Module: "elf", Message: "unsupported ELF version"}
	errNoEntry     = &kernel.Error{Module: "elf", Message: "binary has no entry point"}
	errNoPheaders  = &kernel.Error{Module: "elf", Message: "binary has no program headers"}
	errNoSheaders  = &kernel.Error{Module: "elf", Message: "binary has no section headers"}
	errBadPheaders = &kernel.Error{Module: "elf", Message: "could not read program headers"}
	errSegmentWX   = &kernel.Error{Module: "elf", Message: "segment cannot be both writable and executable"}
)

// Load reads and validates the ELF header at the start of r, following the
// same check order and the same is_main distinction the original loader
// uses: a non-main binary (an interpreter or shared dependency pulled in via
// PT_INTERP/PT_DYNAMIC) is allowed to be ET_DYN rather than ET_EXEC.
func Load(r Reader, isMain bool) (*Executable, *kernel.Error) {
	var hdr header
	buf := (*[unsafe.Sizeof(header{})]byte)(unsafe.Pointer(&hdr))[:]
	n, err := r.ReadAt(buf, 0)
	if err != nil {
		return nil, err
	}
	if uintptr(n) < headerSize {
		return nil, errShortRead
	}

	if hdr.ident[0] != elfMagic[0] || hdr.ident[1] != elfMagic[1] ||
		hdr.ident[2] != elfMagic[2] || hdr.ident[3] != elfMagic[3] {
		return nil, errBadMagic
	}

	if isMain && hdr.typ != TypeExec {
		return nil, errNotExec
	}
	if hdr.machine != MachineI386 {
		return nil, errBadMachine
	}
	if hdr.version != versionCurrent {
		return nil, errBadVersion
	}
	if hdr.entry == 0 {
		return nil, errNoEntry
	}
	if hdr.phnum == 0 {
		return nil, errNoPheaders
	}
	if hdr.shnum == 0 {
		return nil, errNoSheaders
	}

	return &Executable{
		r:      r,
		hdr:    hdr,
		Entry:  uintptr(hdr.entry),
		IsMain: isMain,
	}, nil
}

// Segments reads and decodes every program header table entry.
func (e *Executable) Segments() ([]Segment, *kernel.Error) {
	raw := make([]byte, uintptr(e.hdr.phnum)*programHeaderSize)
	n, err := e.r.ReadAt(raw, int64(e.hdr.phoff))
	if err != nil {
		return nil, err
	}
	if uintptr(n) != uintptr(len(raw)) {
		return nil, errBadPheaders
	}

	segs := make([]Segment, e.hdr.phnum)
	for i := range segs {
		ph := (*programHeader)(unsafe.Pointer(&raw[uintptr(i)*programHeaderSize]))
		if ph.Type == PTLoad && ph.Flags&PFExecute != 0 && ph.Flags&PFWrite != 0 {
			return nil, errSegmentWX
		}

		segs[i] = Segment{
			Type:     ph.Type,
			Flags:    ph.Flags,
			Offset:   uintptr(ph.Offset),
			VirtAddr: uintptr(ph.VAddr),
			FileSize: uintptr(ph.FileSz),
			MemSize:  uintptr(ph.MemSz),
			Align:    uintptr(ph.Align),
		}
	}

	return segs, nil
}

// ReadInterp returns the interpreter path stored in a PT_INTERP segment.
func (e *Executable) ReadInterp(seg Segment) (string, *kernel.Error) {
	buf := make([]byte, seg.FileSize)
	n, err := e.r.ReadAt(buf, int64(seg.Offset))
	if err != nil {
		return "", err
	}
	if uintptr(n) != seg.FileSize {
		return "", errBadPheaders
	}

	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}
	return string(buf[:end]), nil
}

// ReadSegmentData reads the file-backed portion of a segment into buf, which
// must be at least seg.FileSize bytes long. Loading the remainder of a
// PT_LOAD segment up to MemSize (the zero-filled tail, e.g. .bss) is the
// caller's responsibility once it has mapped the destination pages.
func (e *Executable) ReadSegmentData(seg Segment, buf []byte) *kernel.Error {
	n, err := e.r.ReadAt(buf[:seg.FileSize], int64(seg.Offset))
	if err != nil {
		return err
	}
	if uintptr(n) != seg.FileSize {
		return errBadPheaders
	}
	return nil
}
