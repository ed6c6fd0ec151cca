package syscall

import (
	"testing"

	"xelix/kernel"
	"xelix/kernel/task"
	"xelix/vfs"
)

func newTestTask() *task.Task {
	return &task.Task{Files: vfs.NewTable(), Cwd: "/"}
}

// Every handler that touches a caller-supplied buffer runs it through
// ValidateUserRange first. In a plain test binary nothing is actually mapped
// through kernel/mm/vmm, so any non-zero-size pointer is rejected - this is
// exactly the behavior a hostile or buggy pointer argument should get, and
// lets these tests exercise the validation gate without a real address
// space.
func TestWriteRejectsUnmappedPointer(t *testing.T) {
	tk := newTestTask()
	_, err := sysWrite(tk, [3]uint32{0, 0x1000, 4})
	if err != task.ErrBadUserPointer() {
		t.Fatalf("expected ErrBadUserPointer, got %v", err)
	}
}

func TestReadRejectsUnmappedPointer(t *testing.T) {
	tk := newTestTask()
	_, err := sysRead(tk, [3]uint32{0, 0x1000, 4})
	if err != task.ErrBadUserPointer() {
		t.Fatalf("expected ErrBadUserPointer, got %v", err)
	}
}

func TestOpenRejectsUnmappedPointer(t *testing.T) {
	tk := newTestTask()
	_, err := sysOpen(tk, [3]uint32{0x1000, 4, uint32(vfs.FlagRead)})
	if err != task.ErrBadUserPointer() {
		t.Fatalf("expected ErrBadUserPointer, got %v", err)
	}
}

func TestChdirRejectsUnmappedPointer(t *testing.T) {
	tk := newTestTask()
	_, err := sysChdir(tk, [3]uint32{0x1000, 4})
	if err != task.ErrBadUserPointer() {
		t.Fatalf("expected ErrBadUserPointer, got %v", err)
	}
}

func TestGetcwdRejectsUnmappedPointer(t *testing.T) {
	tk := newTestTask()
	_, err := sysGetcwd(tk, [3]uint32{0x1000, 4})
	if err != task.ErrBadUserPointer() {
		t.Fatalf("expected ErrBadUserPointer, got %v", err)
	}
}

func TestCloseUnknownFD(t *testing.T) {
	tk := newTestTask()
	_, err := sysClose(tk, [3]uint32{7})
	if err != vfs.ErrBadFD() {
		t.Fatalf("expected ErrBadFD, got %v", err)
	}
}

func TestWaitNoChildrenSentinel(t *testing.T) {
	tk := newTestTask()
	_, err := sysWait(tk, [3]uint32{})
	if err != task.ErrNoChildren() {
		t.Fatalf("expected ErrNoChildren, got %v", err)
	}
}

func TestInvokeUnknownNumberSetsErrno(t *testing.T) {
	tk := newTestTask()
	_, err := Invoke(tk, Number(9999), [3]uint32{})
	if err != errUnknownSyscall {
		t.Fatalf("expected errUnknownSyscall, got %v", err)
	}
	if tk.Errno() != int32(ENOSYS) {
		t.Fatalf("expected errno ENOSYS, got %d", tk.Errno())
	}
}

type fakeNode struct{ closed bool }

func (n *fakeNode) ReadAt(buf []byte, offset int64) (int, *kernel.Error)  { return 0, nil }
func (n *fakeNode) WriteAt(buf []byte, offset int64) (int, *kernel.Error) { return len(buf), nil }
func (n *fakeNode) Readdir() ([]vfs.DirEntry, *kernel.Error)              { return nil, nil }
func (n *fakeNode) Stat() (vfs.Stat, *kernel.Error)                       { return vfs.Stat{}, nil }
func (n *fakeNode) Close() *kernel.Error                                  { n.closed = true; return nil }

type fakeDriver struct{ node *fakeNode }

func (d *fakeDriver) Open(path string, flags vfs.OpenFlag) (vfs.Node, *kernel.Error) {
	return d.node, nil
}

func TestInvokeClearsErrnoOnSuccess(t *testing.T) {
	vfs.ResetMounts()
	defer vfs.ResetMounts()

	node := &fakeNode{}
	if err := vfs.Mount("/", &fakeDriver{node: node}); err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	f, err := vfs.Open("/anything", vfs.FlagRead)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	tk := newTestTask()
	tk.SetErrno(int32(EIO))
	fd := tk.Files.Add(f)

	if _, err := Invoke(tk, NumClose, [3]uint32{uint32(fd)}); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}
	if !node.closed {
		t.Fatalf("expected underlying node to be closed")
	}
	if tk.Errno() != 0 {
		t.Fatalf("expected errno cleared to 0 on success, got %d", tk.Errno())
	}
}

func TestClassifyMapsKnownSentinels(t *testing.T) {
	cases := []struct {
		err  *kernel.Error
		want Errno
	}{
		{vfs.ErrNotSupported(), EINVAL},
		{vfs.ErrBadFD(), EBADF},
		{vfs.ErrNoMount(), ENOENT},
		{vfs.ErrPipeFull(), EFBIG},
		{task.ErrBadUserPointer(), EFAULT},
		{task.ErrNoChildren(), ECHILD},
		{&kernel.Error{Module: "x", Message: "something else"}, EIO},
	}
	for _, c := range cases {
		if got := classify(c.err); got != c.want {
			t.Errorf("classify(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
