package ext2

import (
	"path"
	"strings"

	"xelix/kernel"
	"xelix/vfs"
)

// Driver adapts one mounted FS to vfs.Driver, so Mount's result can be
// handed straight to vfs.Mount.
type Driver struct {
	FS *FS
}

// Open resolves p against the filesystem root and returns a Node. Symlinks
// along the path (including the final component) are followed, matching
// conventional open() behaviour; callers that need the symlink itself
// (readlink) use Readlink/Unlink on the containing FS instead.
func (d *Driver) Open(p string, flags vfs.OpenFlag) (vfs.Node, *kernel.Error) {
	num, ino, err := d.FS.resolvePath(p)
	if err != nil {
		return nil, err
	}
	return &node{fs: d.FS, num: num, ino: ino}, nil
}

// Chmod resolves path, rewrites the inode's permission bits, and writes the
// inode back.
func (fs *FS) Chmod(p string, mode uint32) *kernel.Error {
	num, ino, err := fs.resolvePath(p)
	if err != nil {
		return err
	}
	n := &node{fs: fs, num: num, ino: ino}
	return n.Chmod(mode)
}

// Readlink returns a symlink's target without following the final
// component (unlike Open/resolvePath).
func (fs *FS) Readlink(p string) (string, *kernel.Error) {
	dir, name := path.Split(strings.TrimSuffix(p, "/"))
	_, dirIno, err := fs.resolvePath(dir)
	if err != nil {
		return "", err
	}
	childNum, _, err := fs.lookup(dirIno, name)
	if err != nil {
		return "", err
	}
	childIno, err := fs.readInode(childNum)
	if err != nil {
		return "", err
	}
	n := &node{fs: fs, num: childNum, ino: childIno}
	return n.Readlink()
}

// Unlink resolves the parent directory and removes the matching dirent.
// Link-count decrement and block reclamation are documented gaps - the
// removed inode's i_links_count and block/inode bitmaps are left untouched.
func (fs *FS) Unlink(p string) *kernel.Error {
	dir, name := path.Split(strings.TrimSuffix(p, "/"))
	if name == "" {
		return errNotDirectory
	}
	_, dirIno, err := fs.resolvePath(dir)
	if err != nil {
		return err
	}
	return fs.removeEntry(dirIno, name)
}
