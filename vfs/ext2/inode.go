package ext2

import (
	"xelix/kernel"
)

// File mode bits, the standard S_IF* family; ext2 stores these directly in
// i_mode's top nibble.
const (
	modeFmt     = 0xF000
	modeChar    = 0x2000
	modeDir     = 0x4000
	modeBlock   = 0x6000
	modeRegular = 0x8000
	modeSymlink = 0xA000

	modePerm = 0x0FFF
)

// inodeRecordSize is how many bytes of the on-disk inode record this driver
// decodes - through i_dir_acl/i_size_high. Extended-attribute bytes past
// that (present when the superblock's s_inode_size exceeds 128) are never
// read.
const inodeRecordSize = 112

// inode is the decoded form of one ext2 inode record.
type inode struct {
	Mode       uint16
	UID        uint16
	SizeLow    uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	Blocks     uint32
	Flags      uint32
	Block      [15]uint32
	Generation uint32
	FileACL    uint32
	SizeHigh   uint32 // dir_acl for directories, size_high for regular files
}

func decodeInode(buf []byte) inode {
	var ino inode
	ino.Mode = readU16LE(buf, 0)
	ino.UID = readU16LE(buf, 2)
	ino.SizeLow = readU32LE(buf, 4)
	ino.Atime = readU32LE(buf, 8)
	ino.Ctime = readU32LE(buf, 12)
	ino.Mtime = readU32LE(buf, 16)
	ino.Dtime = readU32LE(buf, 20)
	ino.GID = readU16LE(buf, 24)
	ino.LinksCount = readU16LE(buf, 26)
	ino.Blocks = readU32LE(buf, 28)
	ino.Flags = readU32LE(buf, 32)
	// bytes 36-39 are i_osd1, not used by this driver.
	for i := 0; i < 15; i++ {
		ino.Block[i] = readU32LE(buf, 40+i*4)
	}
	ino.Generation = readU32LE(buf, 100)
	ino.FileACL = readU32LE(buf, 104)
	ino.SizeHigh = readU32LE(buf, 108)
	return ino
}

func encodeInode(buf []byte, ino *inode) {
	writeU16LE(buf, 0, ino.Mode)
	writeU16LE(buf, 2, ino.UID)
	writeU32LE(buf, 4, ino.SizeLow)
	writeU32LE(buf, 8, ino.Atime)
	writeU32LE(buf, 12, ino.Ctime)
	writeU32LE(buf, 16, ino.Mtime)
	writeU32LE(buf, 20, ino.Dtime)
	writeU16LE(buf, 24, ino.GID)
	writeU16LE(buf, 26, ino.LinksCount)
	writeU32LE(buf, 28, ino.Blocks)
	writeU32LE(buf, 32, ino.Flags)
	for i := 0; i < 15; i++ {
		writeU32LE(buf, 40+i*4, ino.Block[i])
	}
	writeU32LE(buf, 100, ino.Generation)
	writeU32LE(buf, 104, ino.FileACL)
	writeU32LE(buf, 108, ino.SizeHigh)
}

const (
	directBlocks      = 12
	indirectIdx       = 12
	doubleIndirectIdx = 13
)

func (i *inode) size() uint64 {
	if i.Mode&modeFmt == modeRegular {
		return uint64(i.SizeHigh)<<32 | uint64(i.SizeLow)
	}
	return uint64(i.SizeLow)
}

func (i *inode) nodeType() byte {
	switch i.Mode & modeFmt {
	case modeDir:
		return dirTypeDirectory
	case modeSymlink:
		return dirTypeSymlink
	case modeChar, modeBlock:
		return dirTypeDevice
	default:
		return dirTypeRegular
	}
}

// readInode locates and decodes inode number num (1-based, per ext2
// convention - inode 2 is always the root directory).
func (fs *FS) readInode(num uint32) (*inode, *kernel.Error) {
	if num == 0 {
		return nil, errNoEntry
	}
	group := (num - 1) / fs.sb.InodesPerGroup
	index := (num - 1) % fs.sb.InodesPerGroup
	if int(group) >= len(fs.groups) {
		return nil, errNoEntry
	}

	offset := uintptr(fs.groups[group].InodeTable)*fs.blockSize + uintptr(index)*fs.inodeSize

	buf := make([]byte, inodeRecordSize)
	if _, err := fs.dev.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}

	ino := decodeInode(buf)
	return &ino, nil
}

// writeInode stores num's on-disk inode record back out; used by chmod.
func (fs *FS) writeInode(num uint32, ino *inode) *kernel.Error {
	group := (num - 1) / fs.sb.InodesPerGroup
	index := (num - 1) % fs.sb.InodesPerGroup
	if int(group) >= len(fs.groups) {
		return errNoEntry
	}

	offset := uintptr(fs.groups[group].InodeTable)*fs.blockSize + uintptr(index)*fs.inodeSize

	buf := make([]byte, inodeRecordSize)
	encodeInode(buf, ino)
	_, err := fs.dev.WriteAt(buf, int64(offset))
	return err
}

func (fs *FS) readBlock(num uint32, buf []byte) *kernel.Error {
	if num == 0 {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	_, err := fs.dev.ReadAt(buf, int64(uintptr(num)*fs.blockSize))
	return err
}

func (fs *FS) writeBlock(num uint32, buf []byte) *kernel.Error {
	if num == 0 {
		return errOutOfRange
	}
	_, err := fs.dev.WriteAt(buf, int64(uintptr(num)*fs.blockSize))
	return err
}

// pointersPerBlock is how many uint32 block numbers fit in one indirect
// block at this filesystem's block size.
func (fs *FS) pointersPerBlock() uintptr {
	return fs.blockSize / 4
}

// blockAt resolves the blockIdx'th (0-based) block of an inode's data to an
// absolute on-disk block number, walking direct, single- and
// double-indirect pointers. Triple indirection returns
// ErrUnsupportedIndirection.
func (fs *FS) blockAt(ino *inode, blockIdx uintptr) (uint32, *kernel.Error) {
	ppb := fs.pointersPerBlock()

	if blockIdx < directBlocks {
		return ino.Block[blockIdx], nil
	}
	blockIdx -= directBlocks

	if blockIdx < ppb {
		return fs.indirectLookup(ino.Block[indirectIdx], blockIdx)
	}
	blockIdx -= ppb

	if blockIdx < ppb*ppb {
		outer := blockIdx / ppb
		inner := blockIdx % ppb
		indBlock, err := fs.indirectLookup(ino.Block[doubleIndirectIdx], outer)
		if err != nil {
			return 0, err
		}
		return fs.indirectLookup(indBlock, inner)
	}

	return 0, ErrUnsupportedIndirection
}

func (fs *FS) indirectLookup(indBlock uint32, idx uintptr) (uint32, *kernel.Error) {
	if indBlock == 0 {
		return 0, nil
	}
	buf := make([]byte, fs.blockSize)
	if err := fs.readBlock(indBlock, buf); err != nil {
		return 0, err
	}
	return readU32LE(buf, int(idx)*4), nil
}

// readData copies min(len(buf), size-offset) bytes of ino's data starting at
// offset into buf, returning the number of bytes actually read.
func (fs *FS) readData(ino *inode, buf []byte, offset int64) (int, *kernel.Error) {
	size := ino.size()
	if offset < 0 || uint64(offset) >= size {
		return 0, nil
	}
	remaining := size - uint64(offset)
	if uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	total := 0
	blockBuf := make([]byte, fs.blockSize)
	for total < len(buf) {
		pos := uint64(offset) + uint64(total)
		blockIdx := uintptr(pos / uint64(fs.blockSize))
		blockOff := uintptr(pos % uint64(fs.blockSize))

		blockNum, err := fs.blockAt(ino, blockIdx)
		if err != nil {
			return total, err
		}
		if err := fs.readBlock(blockNum, blockBuf); err != nil {
			return total, err
		}

		n := copy(buf[total:], blockBuf[blockOff:])
		total += n
	}
	return total, nil
}

// writeData writes buf into ino's data starting at offset, only into blocks
// already allocated to the inode (no growth); errOutOfRange is returned if
// the write would extend past the file's current size, or reaches a block
// that has no allocated block number. Growing a
// file requires allocating fresh blocks from the group's bitmap, which this
// driver does not implement - see DESIGN.md.
func (fs *FS) writeData(ino *inode, buf []byte, offset int64) (int, *kernel.Error) {
	size := ino.size()
	if offset < 0 || uint64(offset)+uint64(len(buf)) > size {
		return 0, errOutOfRange
	}

	total := 0
	blockBuf := make([]byte, fs.blockSize)
	for total < len(buf) {
		pos := uint64(offset) + uint64(total)
		blockIdx := uintptr(pos / uint64(fs.blockSize))
		blockOff := uintptr(pos % uint64(fs.blockSize))

		blockNum, err := fs.blockAt(ino, blockIdx)
		if err != nil {
			return total, err
		}
		if blockNum == 0 {
			return total, errOutOfRange
		}
		if err := fs.readBlock(blockNum, blockBuf); err != nil {
			return total, err
		}

		n := copy(blockBuf[blockOff:], buf[total:])
		if err := fs.writeBlock(blockNum, blockBuf); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// readlinkTarget returns a symlink inode's target path. Ext2 stores targets
// shorter than 60 bytes directly in i_block ("fast symlink", recognisable
// by i_blocks == 0); longer targets live in the first data block exactly
// like regular file data.
func (fs *FS) readlinkTarget(ino *inode) (string, *kernel.Error) {
	size := ino.size()

	if ino.Blocks == 0 {
		buf := make([]byte, 60)
		for i := 0; i < 15; i++ {
			writeU32LE(buf, i*4, ino.Block[i])
		}
		if size > 60 {
			size = 60
		}
		return string(buf[:size]), nil
	}

	buf := make([]byte, size)
	if _, err := fs.readData(ino, buf, 0); err != nil {
		return "", err
	}
	return string(buf), nil
}
