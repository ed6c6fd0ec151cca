package vfs

import (
	"strings"

	"xelix/kernel"
	"xelix/kernel/sync"
)

// Driver is implemented by every mountable filesystem. Unlike
// device.Driver's hardware-probe shape, a vfs Driver is addressed by path
// rather than detected, but the registration idiom (an interface value
// handed to a table, looked up by a key at call time rather than by a type
// switch) is the same one device/driver.go already established.
type Driver interface {
	// Open resolves path (always slash-separated and relative to this
	// driver's own mount root - "/" for the root of whatever it mounts) and
	// returns a Node ready for the usual Node operations.
	Open(path string, flags OpenFlag) (Node, *kernel.Error)
}

type mountPoint struct {
	path   string
	driver Driver
}

var (
	mountLock sync.Spinlock
	mounts    []*mountPoint

	errNoMount       = &kernel.Error{Module: "vfs", Message: "no filesystem mounted that covers this path"}
	errAlreadyMounted = &kernel.Error{Module: "vfs", Message: "a filesystem is already mounted at this path"}
	errNotMounted    = &kernel.Error{Module: "vfs", Message: "no filesystem mounted at this path"}
)

// Mount registers driver as the filesystem backing everything under path.
// Mount points may nest; Open always resolves to the longest registered
// prefix of the requested path, the rule callers rely on implicitly by
// mounting "/" first and more specific subtrees afterward.
func Mount(path string, driver Driver) *kernel.Error {
	path = normalize(path)

	mountLock.Acquire()
	defer mountLock.Release()

	for _, m := range mounts {
		if m.path == path {
			return errAlreadyMounted
		}
	}

	mounts = append(mounts, &mountPoint{path: path, driver: driver})
	return nil
}

// Unmount removes the filesystem mounted at path.
func Unmount(path string) *kernel.Error {
	path = normalize(path)

	mountLock.Acquire()
	defer mountLock.Release()

	for i, m := range mounts {
		if m.path == path {
			mounts = append(mounts[:i], mounts[i+1:]...)
			return nil
		}
	}
	return errNotMounted
}

// ErrNoMount returns the "nothing mounted covers this path" sentinel, for callers (kernel/syscall) that need to map it to an errno.
func ErrNoMount() *kernel.Error { return errNoMount }

// ResetMounts clears the mount table. It exists for tests.
func ResetMounts() {
	mountLock.Acquire()
	mounts = nil
	mountLock.Release()
}

// resolve finds the mount covering path and returns it together with path
// made relative to that mount's root.
func resolve(path string) (*mountPoint, string, *kernel.Error) {
	path = normalize(path)

	mountLock.Acquire()
	defer mountLock.Release()

	var best *mountPoint
	for _, m := range mounts {
		if !isPrefix(m.path, path) {
			continue
		}
		if best == nil || len(m.path) > len(best.path) {
			best = m
		}
	}
	if best == nil {
		return nil, "", errNoMount
	}

	rel := strings.TrimPrefix(path, best.path)
	if rel == "" {
		rel = "/"
	}
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return best, rel, nil
}

// isPrefix reports whether mountPath is "/" or a full path-segment prefix of
// path, so "/dev" matches "/dev/tty" but not "/development".
func isPrefix(mountPath, path string) bool {
	if mountPath == "/" {
		return true
	}
	if path == mountPath {
		return true
	}
	return strings.HasPrefix(path, mountPath+"/")
}

// CleanPath exposes normalize for callers outside this package (chdir needs
// it to collapse a possibly-relative path into the canonical absolute form
// stored in Task.Cwd).
func CleanPath(path string) string { return normalize(path) }

// Join resolves path against cwd the way the original's relative-path vfs
// calls did: an absolute path (leading "/") ignores cwd entirely, anything
// else is appended to it.
func Join(cwd, path string) string {
	if strings.HasPrefix(path, "/") {
		return normalize(path)
	}
	return normalize(cwd + "/" + path)
}

// normalize turns path into an absolute, slash-separated path with every "."
// and ".." component collapsed, the way vfs/ext2's own component loop skips
// "." while walking a directory's entries. Collapsing here means every
// driver's Open sees an already-clean path - sysfs's flat name-keyed
// registry has no on-disk ".." dirent to fall back on the way ext2's
// directories do, so it depends on this having already happened.
func normalize(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	parts := strings.Split(path, "/")
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(clean) > 0 {
				clean = clean[:len(clean)-1]
			}
		default:
			clean = append(clean, p)
		}
	}

	if len(clean) == 0 {
		return "/"
	}
	return "/" + strings.Join(clean, "/")
}

// Open resolves path against the mount table and opens it through whichever
// driver covers it.
func Open(path string, flags OpenFlag) (*File, *kernel.Error) {
	m, rel, err := resolve(path)
	if err != nil {
		return nil, err
	}

	node, err := m.driver.Open(rel, flags)
	if err != nil {
		return nil, err
	}

	return &File{node: node, path: path, flags: flags}, nil
}
