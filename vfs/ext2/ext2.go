// Package ext2 implements a read/write driver for the ext2 on-disk format,
// mountable into vfs the same way vfs/sysfs mounts its own synthetic
// filesystem: superblock at byte offset 1024, magic check, blockgroup table
// sizing, root inode lookup, vfs.Driver registration surface. Field
// offsets follow the well-known public ext2 revision-1 on-disk format (see
// DESIGN.md). Decoding goes through explicit little-endian accessors
// (leutil.go) rather than overlaying the on-disk bytes with an
// unsafe.Pointer struct cast.
package ext2

import (
	"xelix/kernel"
	"xelix/kernel/kfmt"
	"xelix/kernel/sync"
)

const (
	magicNumber = 0xEF53
	rootInode   = uint32(2)

	stateClean = 1
)

// BlockDevice is the minimal random-access source an ext2 filesystem is
// read from and written to. No ATA/IDE driver was retrieved into this tree
// (a generic block-device probe exists under device/, but nothing backs it
// with real disk I/O), so the only BlockDevice this kernel currently builds
// is the in-memory one ext2_test constructs for its own fixtures.
type BlockDevice interface {
	ReadAt(buf []byte, offset int64) (int, *kernel.Error)
	WriteAt(buf []byte, offset int64) (int, *kernel.Error)
}

// superblockSize is how many bytes of the 1024-byte on-disk superblock this
// driver actually decodes - through the end of s_feature_ro_compat. Fields
// past that (algorithm bitmaps, UUID, volume name, journal inode) are never
// read.
const superblockSize = 104

// superblock is the decoded form of an ext2 superblock.
type superblock struct {
	InodesCount     uint32
	BlocksCount     uint32
	RBlocksCount    uint32
	FreeBlocks      uint32
	FreeInodes      uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	LogFragSize     uint32
	BlocksPerGroup  uint32
	FragsPerGroup   uint32
	InodesPerGroup  uint32
	Mtime           uint32
	Wtime           uint32
	MntCount        uint16
	MaxMntCount     uint16
	Magic           uint16
	State           uint16
	Errors          uint16
	MinorRevLevel   uint16
	LastCheck       uint32
	CheckInterval   uint32
	CreatorOS       uint32
	RevLevel        uint32
	DefResuid       uint16
	DefResgid       uint16
	FirstIno        uint32
	InodeSize       uint16
	BlockGroupNr    uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureRoCompat uint32
}

func decodeSuperblock(buf []byte) superblock {
	return superblock{
		InodesCount:     readU32LE(buf, 0),
		BlocksCount:     readU32LE(buf, 4),
		RBlocksCount:    readU32LE(buf, 8),
		FreeBlocks:      readU32LE(buf, 12),
		FreeInodes:      readU32LE(buf, 16),
		FirstDataBlock:  readU32LE(buf, 20),
		LogBlockSize:    readU32LE(buf, 24),
		LogFragSize:     readU32LE(buf, 28),
		BlocksPerGroup:  readU32LE(buf, 32),
		FragsPerGroup:   readU32LE(buf, 36),
		InodesPerGroup:  readU32LE(buf, 40),
		Mtime:           readU32LE(buf, 44),
		Wtime:           readU32LE(buf, 48),
		MntCount:        readU16LE(buf, 52),
		MaxMntCount:     readU16LE(buf, 54),
		Magic:           readU16LE(buf, 56),
		State:           readU16LE(buf, 58),
		Errors:          readU16LE(buf, 60),
		MinorRevLevel:   readU16LE(buf, 62),
		LastCheck:       readU32LE(buf, 64),
		CheckInterval:   readU32LE(buf, 68),
		CreatorOS:       readU32LE(buf, 72),
		RevLevel:        readU32LE(buf, 76),
		DefResuid:       readU16LE(buf, 80),
		DefResgid:       readU16LE(buf, 82),
		FirstIno:        readU32LE(buf, 84),
		InodeSize:       readU16LE(buf, 88),
		BlockGroupNr:    readU16LE(buf, 90),
		FeatureCompat:   readU32LE(buf, 92),
		FeatureIncompat: readU32LE(buf, 96),
		FeatureRoCompat: readU32LE(buf, 100),
	}
}

// blockGroupDescSize is the fixed 32-byte on-disk size of one block group
// descriptor table entry.
const blockGroupDescSize = 32

type blockGroupDesc struct {
	BlockBitmap uint32
	InodeBitmap uint32
	InodeTable  uint32
	FreeBlocks  uint16
	FreeInodes  uint16
	UsedDirs    uint16
}

func decodeBlockGroupDesc(buf []byte) blockGroupDesc {
	return blockGroupDesc{
		BlockBitmap: readU32LE(buf, 0),
		InodeBitmap: readU32LE(buf, 4),
		InodeTable:  readU32LE(buf, 8),
		FreeBlocks:  readU16LE(buf, 12),
		FreeInodes:  readU16LE(buf, 14),
		UsedDirs:    readU16LE(buf, 16),
	}
}

// incompatFiletype is the only EXT2_FEATURE_INCOMPAT_* bit this driver
// understands (directory entries carry a file-type byte). Every other
// incompat or compat feature bit is logged and the mount proceeds anyway,
// per the "warn, do not refuse" decision recorded in DESIGN.md.
const incompatFiletype = 0x2

var (
	errBadMagic       = &kernel.Error{Module: "ext2", Message: "not an ext2 filesystem (bad superblock magic)"}
	errUnsupportedRev = &kernel.Error{Module: "ext2", Message: "unsupported superblock revision"}

	// ErrUnsupportedIndirection is returned by any read/write that would
	// need to walk a triple-indirect block pointer. Deliberately not
	// implemented: at the default 1024-byte block size it only matters for
	// files beyond roughly 64MB, far past anything this kernel's own
	// tooling produces.
	ErrUnsupportedIndirection = &kernel.Error{Module: "ext2", Message: "file requires triple-indirect block addressing, which is not supported"}

	errNotDirectory    = &kernel.Error{Module: "ext2", Message: "path component is not a directory"}
	errNoEntry         = &kernel.Error{Module: "ext2", Message: "no such file or directory"}
	errTooManySymlinks = &kernel.Error{Module: "ext2", Message: "too many levels of symbolic links"}
	errOutOfRange      = &kernel.Error{Module: "ext2", Message: "offset out of the range of blocks currently allocated to this file"}

	// errNotClean is returned by Mount when the superblock's state flag is
	// not EXT2_VALID_FS - a hard refusal (unlike unrecognised feature bits,
	// which only warn), since mounting a filesystem that was not cleanly
	// unmounted without an fsck pass risks reading a partially-written
	// structure.
	errNotClean = &kernel.Error{Module: "ext2", Message: "filesystem was not cleanly unmounted, refusing to mount"}
)

// FS is one mounted ext2 filesystem.
type FS struct {
	lock      sync.Spinlock
	dev       BlockDevice
	sb        superblock
	blockSize uintptr
	groups    []blockGroupDesc
	inodeSize uintptr
}

// Mount reads and validates dev's superblock and block group descriptor
// table, the same sequence ext2.c's mount routine runs before it registers
// its vfs_callbacks.
func Mount(dev BlockDevice) (*FS, *kernel.Error) {
	fs := &FS{dev: dev}

	buf := make([]byte, superblockSize)
	if _, err := dev.ReadAt(buf, 1024); err != nil {
		return nil, err
	}
	fs.sb = decodeSuperblock(buf)

	if fs.sb.Magic != magicNumber {
		return nil, errBadMagic
	}
	if fs.sb.RevLevel == 0 {
		// Revision 0 has no inode_size/feature fields; the original still
		// mounts it, using the fixed 128-byte inode size and no feature
		// bits at all.
		fs.inodeSize = 128
	} else {
		fs.inodeSize = uintptr(fs.sb.InodeSize)
	}
	if fs.inodeSize == 0 {
		return nil, errUnsupportedRev
	}

	if fs.sb.State != stateClean {
		return nil, errNotClean
	}
	if fs.sb.FeatureIncompat&^incompatFiletype != 0 {
		kfmt.Printf("ext2: filesystem uses incompat features 0x%x this driver does not understand; mounting anyway\n", fs.sb.FeatureIncompat)
	}
	if fs.sb.FeatureCompat != 0 {
		kfmt.Printf("ext2: filesystem uses compat features 0x%x this driver ignores; mounting anyway\n", fs.sb.FeatureCompat)
	}

	fs.blockSize = 1024 << fs.sb.LogBlockSize

	numGroups := (uintptr(fs.sb.BlocksCount) + uintptr(fs.sb.BlocksPerGroup) - 1) / uintptr(fs.sb.BlocksPerGroup)
	gdtBlock := fs.sb.FirstDataBlock + 1
	gdtBuf := make([]byte, numGroups*blockGroupDescSize)
	if _, err := dev.ReadAt(gdtBuf, int64(uintptr(gdtBlock)*fs.blockSize)); err != nil {
		return nil, err
	}

	fs.groups = make([]blockGroupDesc, numGroups)
	for i := range fs.groups {
		fs.groups[i] = decodeBlockGroupDesc(gdtBuf[uintptr(i)*blockGroupDescSize:])
	}

	return fs, nil
}

// usesFiletype reports whether this filesystem's directory entries carry a
// trailing file-type byte (EXT2_FEATURE_INCOMPAT_FILETYPE).
func (fs *FS) usesFiletype() bool {
	return fs.sb.FeatureIncompat&incompatFiletype != 0
}
