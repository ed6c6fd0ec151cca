// Package sysfs implements the kernel's synthetic filesystem: a flat,
// name-addressed registry of dynamically generated files and device nodes,
// mounted into the vfs tree like any other filesystem. It generalizes
// device/driver.go's probe-table registration idiom (an interface value
// registered against a key, looked up by name rather than probed) the way
// vfs/mount.go already generalizes it for path-based mounts.
package sysfs

import (
	"strings"

	"xelix/kernel"
	"xelix/kernel/sync"
	"xelix/vfs"
)

// ContentFn generates the bytes of a dynamic file on every read, the same
// callback-per-access model sysfs_add_file's entries use rather than
// caching a snapshot at registration time.
type ContentFn func() ([]byte, *kernel.Error)

var (
	lock    sync.Spinlock
	entries = make(map[string]vfs.Node)

	errNoEntry = &kernel.Error{Module: "sysfs", Message: "no sysfs entry with that name"}
)

type fileEntry struct {
	gen ContentFn
}

func (f *fileEntry) ReadAt(buf []byte, offset int64) (int, *kernel.Error) {
	data, err := f.gen()
	if err != nil {
		return 0, err
	}
	if offset >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

func (f *fileEntry) WriteAt(buf []byte, offset int64) (int, *kernel.Error) {
	return 0, vfs.ErrNotSupported()
}

func (f *fileEntry) Readdir() ([]vfs.DirEntry, *kernel.Error) { return nil, vfs.ErrNotSupported() }

func (f *fileEntry) Stat() (vfs.Stat, *kernel.Error) {
	data, err := f.gen()
	if err != nil {
		return vfs.Stat{}, err
	}
	return vfs.Stat{Type: vfs.TypeRegular, Size: uint64(len(data))}, nil
}

func (f *fileEntry) Close() *kernel.Error { return nil }

// RegisterFile registers a dynamically generated, read-only file under name,
// mirroring sysfs_add_file. Registering an existing name replaces it.
func RegisterFile(name string, gen ContentFn) {
	lock.Acquire()
	entries[name] = &fileEntry{gen: gen}
	lock.Release()
}

// RegisterDev registers an already-constructed device Node under name,
// mirroring sysfs_add_dev. Registering an existing name replaces it, the
// same idempotent-by-name behavior the original gives its device table.
func RegisterDev(name string, node vfs.Node) {
	lock.Acquire()
	entries[name] = node
	lock.Release()
}

// Unregister removes the entry registered under name, if any.
func Unregister(name string) {
	lock.Acquire()
	delete(entries, name)
	lock.Release()
}

// ResetEntries clears the registry. It exists for tests.
func ResetEntries() {
	lock.Acquire()
	entries = make(map[string]vfs.Node)
	lock.Release()
}

// rootDir is the directory Node returned when sysfs's mount root itself is
// opened, listing every currently registered name.
type rootDir struct{}

func (rootDir) ReadAt(buf []byte, offset int64) (int, *kernel.Error) {
	return 0, vfs.ErrNotSupported()
}

func (rootDir) WriteAt(buf []byte, offset int64) (int, *kernel.Error) {
	return 0, vfs.ErrNotSupported()
}

func (rootDir) Readdir() ([]vfs.DirEntry, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	out := make([]vfs.DirEntry, 0, len(entries))
	for name := range entries {
		out = append(out, vfs.DirEntry{Name: name, Type: vfs.TypeRegular})
	}
	return out, nil
}

func (rootDir) Stat() (vfs.Stat, *kernel.Error) {
	return vfs.Stat{Type: vfs.TypeDirectory}, nil
}

func (rootDir) Close() *kernel.Error { return nil }

// Driver is the vfs.Driver sysfs mounts under its root (conventionally
// "/sys"); Open resolves a flat name against the registry.
type Driver struct{}

// Open implements vfs.Driver.
func (Driver) Open(path string, flags vfs.OpenFlag) (vfs.Node, *kernel.Error) {
	name := strings.TrimPrefix(path, "/")
	if name == "" {
		return rootDir{}, nil
	}

	lock.Acquire()
	n, ok := entries[name]
	lock.Release()
	if !ok {
		return nil, errNoEntry
	}
	return n, nil
}
