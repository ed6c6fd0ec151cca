package ext2

import (
	"strings"

	"xelix/kernel"
	"xelix/vfs"
)

// Directory entry file-type byte values, mirroring vfs.NodeType for
// entries written by this driver (and decoded from entries that carry one,
// when the filesystem has EXT2_FEATURE_INCOMPAT_FILETYPE set).
const (
	dirTypeUnknown   = 0
	dirTypeRegular   = 1
	dirTypeDirectory = 2
	dirTypeDevice    = 3
	dirTypeSymlink   = 7
)

// dirRecord is one decoded ext2 directory entry, plus the on-disk location
// it came from (block number and byte offset within that block) so it can
// be rewritten in place by unlink.
type dirRecord struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string

	block    uint32
	blockOff int
}

const dirEntryHeaderSize = 8

// listDir decodes every directory entry in ino's data blocks, skipping
// deleted (inode == 0) slots.
func (fs *FS) listDir(ino *inode) ([]dirRecord, *kernel.Error) {
	if ino.Mode&modeFmt != modeDir {
		return nil, errNotDirectory
	}

	size := ino.size()
	numBlocks := (size + uint64(fs.blockSize) - 1) / uint64(fs.blockSize)

	var out []dirRecord
	blockBuf := make([]byte, fs.blockSize)
	for b := uint64(0); b < numBlocks; b++ {
		blockNum, err := fs.blockAt(ino, uintptr(b))
		if err != nil {
			return nil, err
		}
		if err := fs.readBlock(blockNum, blockBuf); err != nil {
			return nil, err
		}

		off := 0
		for off+dirEntryHeaderSize <= len(blockBuf) {
			rec := decodeDirEntry(blockBuf, off)
			rec.block = blockNum
			rec.blockOff = off
			if rec.RecLen == 0 {
				break
			}
			if rec.Inode != 0 {
				out = append(out, rec)
			}
			off += int(rec.RecLen)
		}
	}
	return out, nil
}

func decodeDirEntry(buf []byte, off int) dirRecord {
	inodeNum := readU32LE(buf, off)
	recLen := readU16LE(buf, off+4)
	nameLen := buf[off+6]
	fileType := buf[off+7]
	name := string(buf[off+8 : off+8+int(nameLen)])
	return dirRecord{
		Inode:    inodeNum,
		RecLen:   recLen,
		NameLen:  nameLen,
		FileType: fileType,
		Name:     name,
	}
}

// lookup scans dirIno's entries for name, returning the matching inode
// number and directory-entry file type.
func (fs *FS) lookup(dirIno *inode, name string) (uint32, byte, *kernel.Error) {
	entries, err := fs.listDir(dirIno)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.Inode, e.FileType, nil
		}
	}
	return 0, 0, errNoEntry
}

// removeEntry clears name's directory entry out of dirIno's data by zeroing
// its inode field in place - a minimal "best effort" unlink: the directory's
// record-length chain is left untouched (no coalescing with a neighbour)
// and no block or inode bitmap bit is cleared.
func (fs *FS) removeEntry(dirIno *inode, name string) *kernel.Error {
	entries, err := fs.listDir(dirIno)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		blockBuf := make([]byte, fs.blockSize)
		if err := fs.readBlock(e.block, blockBuf); err != nil {
			return err
		}
		writeU32LE(blockBuf, e.blockOff, 0)
		return fs.writeBlock(e.block, blockBuf)
	}
	return errNoEntry
}

const maxSymlinkHops = 8

// resolvePath walks path from the root inode, following symlinks; the walk
// fails once more than maxSymlinkHops symlinks have been followed in total
// across the whole path. It returns the resolved inode
// number and its decoded inode record.
func (fs *FS) resolvePath(path string) (uint32, *inode, *kernel.Error) {
	return fs.resolveFrom(rootInode, path, 0)
}

func (fs *FS) resolveFrom(startIno uint32, path string, hops int) (uint32, *inode, *kernel.Error) {
	if hops > maxSymlinkHops {
		return 0, nil, errTooManySymlinks
	}

	curNum := startIno
	curIno, err := fs.readInode(curNum)
	if err != nil {
		return 0, nil, err
	}

	parts := splitPath(path)
	for i, part := range parts {
		if part == "" || part == "." {
			continue
		}
		if curIno.Mode&modeFmt != modeDir {
			return 0, nil, errNotDirectory
		}

		childNum, _, err := fs.lookup(curIno, part)
		if err != nil {
			return 0, nil, err
		}
		childIno, err := fs.readInode(childNum)
		if err != nil {
			return 0, nil, err
		}

		if childIno.Mode&modeFmt == modeSymlink {
			target, err := fs.readlinkTarget(childIno)
			if err != nil {
				return 0, nil, err
			}
			rest := strings.Join(parts[i+1:], "/")

			var base uint32
			if strings.HasPrefix(target, "/") {
				base = rootInode
			} else {
				base = curNum
			}
			joined := target
			if rest != "" {
				joined = target + "/" + rest
			}
			return fs.resolveFrom(base, joined, hops+1)
		}

		curNum, curIno = childNum, childIno
	}

	return curNum, curIno, nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func fileTypeToNodeType(ft byte, mode uint16) vfs.NodeType {
	switch mode & modeFmt {
	case modeDir:
		return vfs.TypeDirectory
	case modeSymlink:
		return vfs.TypeSymlink
	case modeChar, modeBlock:
		return vfs.TypeDevice
	default:
		return vfs.TypeRegular
	}
}
