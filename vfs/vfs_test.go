package vfs

import (
	"testing"

	"xelix/kernel"
)

type memNode struct {
	data []byte
}

func (n *memNode) ReadAt(buf []byte, offset int64) (int, *kernel.Error) {
	if offset >= int64(len(n.data)) {
		return 0, nil
	}
	return copy(buf, n.data[offset:]), nil
}

func (n *memNode) WriteAt(buf []byte, offset int64) (int, *kernel.Error) {
	end := offset + int64(len(buf))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[offset:], buf)
	return len(buf), nil
}

func (n *memNode) Readdir() ([]DirEntry, *kernel.Error) { return nil, errNotSupported }
func (n *memNode) Stat() (Stat, *kernel.Error) {
	return Stat{Type: TypeRegular, Size: uint64(len(n.data))}, nil
}
func (n *memNode) Close() *kernel.Error { return nil }

type memDriver struct {
	nodes map[string]*memNode
}

func (d *memDriver) Open(path string, flags OpenFlag) (Node, *kernel.Error) {
	n, ok := d.nodes[path]
	if !ok {
		if flags&FlagCreate == 0 {
			return nil, errNoMount
		}
		n = &memNode{}
		d.nodes[path] = n
	}
	return n, nil
}

func withCleanMounts(t *testing.T) {
	t.Helper()
	ResetMounts()
	t.Cleanup(ResetMounts)
}

func TestMountResolvesLongestPrefix(t *testing.T) {
	withCleanMounts(t)

	root := &memDriver{nodes: map[string]*memNode{"/": {}}}
	dev := &memDriver{nodes: map[string]*memNode{"/tty": {data: []byte("tty")}}}

	if err := Mount("/", root); err != nil {
		t.Fatalf("mount / failed: %v", err)
	}
	if err := Mount("/dev", dev); err != nil {
		t.Fatalf("mount /dev failed: %v", err)
	}

	m, rel, err := resolve("/dev/tty")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if m.driver != dev {
		t.Fatalf("expected /dev mount to win over /, got %v", m.path)
	}
	if rel != "/tty" {
		t.Fatalf("expected relative path /tty, got %q", rel)
	}
}

func TestMountDuplicatePathFails(t *testing.T) {
	withCleanMounts(t)

	d := &memDriver{nodes: map[string]*memNode{}}
	if err := Mount("/", d); err != nil {
		t.Fatalf("first mount failed: %v", err)
	}
	if err := Mount("/", d); err != errAlreadyMounted {
		t.Fatalf("expected errAlreadyMounted, got %v", err)
	}
}

func TestOpenReadWriteThroughMount(t *testing.T) {
	withCleanMounts(t)

	d := &memDriver{nodes: map[string]*memNode{}}
	if err := Mount("/", d); err != nil {
		t.Fatalf("mount failed: %v", err)
	}

	f, err := Open("/greeting", FlagRead|FlagWrite|FlagCreate)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.Seek(0)

	buf := make([]byte, 5)
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("expected to read back 'hello', got %q (n=%d)", buf[:n], n)
	}
}

func TestOpenNoMountCovers(t *testing.T) {
	withCleanMounts(t)

	if _, err := Open("/anything", FlagRead); err != errNoMount {
		t.Fatalf("expected errNoMount, got %v", err)
	}
}

func TestTableAddGetClose(t *testing.T) {
	tbl := NewTable()
	f := &File{node: &memNode{}}

	fd := tbl.Add(f)
	if fd != 0 {
		t.Fatalf("expected first fd to be 0, got %d", fd)
	}

	got, err := tbl.Get(fd)
	if err != nil || got != f {
		t.Fatalf("Get returned (%v, %v), want (%v, nil)", got, err, f)
	}

	if err := tbl.Close(fd); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := tbl.Get(fd); err != errBadFD {
		t.Fatalf("expected errBadFD after close, got %v", err)
	}
}

func TestTableAddAtReservesLowFds(t *testing.T) {
	tbl := NewTable()
	fd := tbl.AddAt(&File{node: &memNode{}}, 3)
	if fd != 3 {
		t.Fatalf("expected fd 3, got %d", fd)
	}

	fd2 := tbl.AddAt(&File{node: &memNode{}}, 3)
	if fd2 != 4 {
		t.Fatalf("expected fd 4 once 3 is taken, got %d", fd2)
	}
}

func TestTableCloneSharesFiles(t *testing.T) {
	tbl := NewTable()
	f := &File{node: &memNode{}}
	fd := tbl.Add(f)

	clone := tbl.Clone()
	got, err := clone.Get(fd)
	if err != nil || got != f {
		t.Fatalf("clone did not carry over fd %d: (%v, %v)", fd, got, err)
	}
}

func TestTableCloneOfNilIsEmpty(t *testing.T) {
	var tbl *Table
	clone := tbl.Clone()
	if _, err := clone.Get(0); err != errBadFD {
		t.Fatalf("expected empty clone of nil table, got err=%v", err)
	}
}

func TestPipeReadWrite(t *testing.T) {
	r, w := NewPipe()

	if _, err := w.WriteAt([]byte("ping"), 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if n != 4 || string(buf) != "ping" {
		t.Fatalf("expected 'ping', got %q", buf[:n])
	}
}

func TestPipeReadReturnsEOFAfterWriterClose(t *testing.T) {
	r, w := NewPipe()

	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("expected EOF (nil error), got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes at EOF, got %d", n)
	}
}

func TestPipeWriteTooLargeFails(t *testing.T) {
	_, w := NewPipe()

	big := make([]byte, pipeBufferSize+1)
	if _, err := w.WriteAt(big, 0); err != errPipeFull {
		t.Fatalf("expected errPipeFull, got %v", err)
	}
}

func TestPipeWrongEndRejected(t *testing.T) {
	r, w := NewPipe()

	if _, err := r.WriteAt([]byte("x"), 0); err != errPipeWrongEnd {
		t.Fatalf("expected errPipeWrongEnd writing to read end, got %v", err)
	}
	if _, err := w.ReadAt(make([]byte, 1), 0); err != errPipeWrongEnd {
		t.Fatalf("expected errPipeWrongEnd reading from write end, got %v", err)
	}
}
