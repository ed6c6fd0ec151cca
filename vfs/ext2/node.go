package ext2

import (
	"xelix/kernel"
	"xelix/vfs"
)

// node implements vfs.Node over one resolved ext2 inode. Readdir exposes
// dirents the way a getdents call would at the vfs layer (this driver does
// the dirent walk itself rather than handing raw blocks up, since vfs has
// no "parse this block as dirents" helper of its own).
type node struct {
	fs      *FS
	num     uint32
	ino     *inode
}

func (n *node) ReadAt(buf []byte, offset int64) (int, *kernel.Error) {
	if n.ino.Mode&modeFmt == modeDir {
		return 0, vfs.ErrNotSupported()
	}
	return n.fs.readData(n.ino, buf, offset)
}

func (n *node) WriteAt(buf []byte, offset int64) (int, *kernel.Error) {
	if n.ino.Mode&modeFmt == modeDir {
		return 0, vfs.ErrNotSupported()
	}
	return n.fs.writeData(n.ino, buf, offset)
}

func (n *node) Readdir() ([]vfs.DirEntry, *kernel.Error) {
	records, err := n.fs.listDir(n.ino)
	if err != nil {
		return nil, err
	}

	out := make([]vfs.DirEntry, 0, len(records))
	for _, r := range records {
		if r.Name == "." || r.Name == ".." {
			continue
		}
		childIno, err := n.fs.readInode(r.Inode)
		if err != nil {
			continue
		}
		out = append(out, vfs.DirEntry{Name: r.Name, Type: fileTypeToNodeType(r.FileType, childIno.Mode)})
	}
	return out, nil
}

func (n *node) Stat() (vfs.Stat, *kernel.Error) {
	return vfs.Stat{
		Type:    fileTypeToNodeType(n.ino.nodeType(), n.ino.Mode),
		Size:    n.ino.size(),
		Mode:    uint32(n.ino.Mode & modePerm),
		UID:     uint32(n.ino.UID),
		GID:     uint32(n.ino.GID),
		Links:   uint32(n.ino.LinksCount),
		ModTime: uint64(n.ino.Mtime),
	}, nil
}

func (n *node) Close() *kernel.Error { return nil }

// Chmod rewrites this node's permission bits (the low 12 bits of i_mode),
// preserving the file-type bits, and writes the inode back.
func (n *node) Chmod(mode uint32) *kernel.Error {
	n.ino.Mode = (n.ino.Mode &^ modePerm) | uint16(mode&modePerm)
	return n.fs.writeInode(n.num, n.ino)
}

// Readlink returns a symlink node's target.
func (n *node) Readlink() (string, *kernel.Error) {
	if n.ino.Mode&modeFmt != modeSymlink {
		return "", vfs.ErrNotSupported()
	}
	return n.fs.readlinkTarget(n.ino)
}
