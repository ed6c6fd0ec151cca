// Package task implements the kernel's process model: address spaces,
// fork/exec/wait/exit and a timer-driven round-robin scheduler.
//
// The teacher never reached multitasking, so there is no file to adapt this
// from; it is built fresh, but within a constraint the rest of this kernel
// doesn't have to worry about: by the time any task is spawned,
// kernel/goruntime.Init has already brought up the full Go runtime,
// including its own goroutine scheduler. A second, hand-rolled stack
// switcher living underneath a live Go scheduler would fight it for control
// of the same CPU state (the active page directory, the stack the runtime
// thinks a goroutine owns) with no way to tell it so. It would also run into
// a hardware dead end: x86's IRET only reloads SS:ESP from the interrupt
// frame on a privilege-level change, and this kernel has no ring-3 entry
// path, so every task switch here is ring0-to-ring0 and IRET would leave
// ESP exactly where it already was. Overwriting the live interrupt frame to
// switch stacks - the usual trick on a kernel that does have ring3 - simply
// does not relocate anything in that case.
//
// Tasks are goroutines instead. Each task's entry point runs as its own
// goroutine, pinned to the CPU with runtime.LockOSThread for as long as its
// address space is the active one; the timer tick drives preemption by
// calling runtime.Gosched rather than by touching any register frame. The
// Go runtime's own scheduler is, in effect, this kernel's round-robin
// scheduler; this package supplies the Unix-style process model (address
// spaces, fork, exit, wait) on top of it.
package task

import (
	"runtime"

	"xelix/kernel"
	"xelix/kernel/irq"
	"xelix/kernel/kfmt"
	"xelix/kernel/mm"
	"xelix/kernel/mm/valloc"
	"xelix/kernel/mm/vmm"
	"xelix/kernel/sync"
	"xelix/kernel/time"
	"xelix/vfs"
)

// ID uniquely identifies a task for its lifetime. ID 0 is never assigned.
type ID uint32

// State describes where a task currently sits in its lifecycle:
// {running} ∪ ready ∪ waiting ∪ terminated covers every live task.
type State uint8

const (
	StateRunnable State = iota
	StateRunning
	StateBlocked
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

const (
	// userBase and userPages bound the portion of address space this
	// package hands out via valloc to each task. Page 0 is skipped so a
	// nil/zero pointer from buggy task code can never resolve to mapped
	// memory; the range stops well short of the 3GB split a higher-half
	// kernel conventionally reserves for itself.
	userBase  = mm.Page(1)
	userPages = (0xc0000000 >> mm.PageShift) - uintptr(userBase)
)

// Task is one schedulable unit of execution: its own address space, its own
// virtual memory allocator, and the bookkeeping fork/wait/exit need.
type Task struct {
	ID   ID
	Name string

	AddrSpace *vmm.Context
	Mem       *valloc.Context

	// Files is this task's open file descriptor table. kernel/syscall looks
	// descriptors up here for every read/write/close; it is nil only for
	// tasks built directly for tests that never touch vfs.
	Files *vfs.Table

	// Cwd is the task's current working directory, used by the chdir and
	// getcwd syscalls. Relative path resolution against it is vfs's job.
	Cwd string

	Parent *Task

	lock     sync.Spinlock
	state    State
	exitCode int
	errno    int32
	children []*Task
	waiters  []chan *Task
	done     chan struct{}
}

// Errno returns the error code left behind by this task's most recent
// failed syscall, in the same "one cell per task" shape as the original
// sc_errno global that kernel/syscall's grounding source uses, adapted here
// to not require a single implicit current task.
func (t *Task) Errno() int32 {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.errno
}

// SetErrno records the error code for this task's most recent failed
// syscall. Exported so kernel/syscall, which lives in a separate package,
// can set it without this package exposing its lock.
func (t *Task) SetErrno(e int32) {
	t.lock.Acquire()
	t.errno = e
	t.lock.Release()
}

// ValidateUserRange confirms that every byte of [addr, addr+size) lies
// inside t's user-reachable virtual address range and is actually mapped in
// the currently active page directory. kernel/syscall calls this before
// dereferencing any pointer argument a task hands it, since nothing else
// stops a buggy or hostile task from passing a kernel address or an
// unmapped one.
func (t *Task) ValidateUserRange(addr uintptr, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	lo := userBase.Address()
	hi := lo + userPages*mm.PageSize
	if addr < lo || addr > hi || addr+size > hi {
		return errBadUserPointer
	}

	start := mm.PageFromAddress(addr)
	end := mm.PageFromAddress(addr + size - 1)
	for p := start; p <= end; p++ {
		if _, err := vmm.Translate(p.Address()); err != nil {
			return errBadUserPointer
		}
	}
	return nil
}

// ErrBadUserPointer returns the sentinel ValidateUserRange returns, for
// callers (kernel/syscall) that need to map it to an errno.
func ErrBadUserPointer() *kernel.Error { return errBadUserPointer }

// ErrNoChildren returns the "nothing to wait for" sentinel Wait returns.
func ErrNoChildren() *kernel.Error { return errNoChildren }

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.state
}

func (t *Task) setState(s State) {
	t.lock.Acquire()
	t.state = s
	t.lock.Release()
}

var (
	tableLock sync.Spinlock
	tasks     = make(map[ID]*Task)
	nextID    ID = 1

	// initTask is task 1. A task's children are reparented to it when their
	// own parent exits first, per SPEC_FULL.md's reparent-to-init decision
	// for Open Question #4 (no zombie reaping timeout).
	initTask *Task

	errNoSuchTask     = &kernel.Error{Module: "task", Message: "no task with that id"}
	errNoChildren     = &kernel.Error{Module: "task", Message: "task has no children to wait for"}
	errBadUserPointer = &kernel.Error{Module: "task", Message: "pointer argument is outside the task's mapped user range"}
)

// Init wires the scheduler's timer hook and the spinlock package's yield
// hook into the now-live Go runtime scheduler. It must run after
// kernel/time.Init and kernel/goruntime.Init.
func Init() {
	time.SetTickHandler(onTick)
	sync.SetYieldFn(runtime.Gosched)
}

// onTick runs on every PIT interrupt, with interrupts still masked for the
// duration of the handler. Handing control to the Go runtime's scheduler
// here is this kernel's entire preemption policy: whichever other runnable
// task goroutine the runtime picks next is, by definition, the next entry in
// the round-robin rotation.
func onTick(_ *irq.Regs) {
	runtime.Gosched()
}

func allocID() ID {
	tableLock.Acquire()
	defer tableLock.Release()
	id := nextID
	nextID++
	return id
}

func register(t *Task) {
	tableLock.Acquire()
	defer tableLock.Release()
	tasks[t.ID] = t
}

func unregister(t *Task) {
	tableLock.Acquire()
	defer tableLock.Release()
	delete(tasks, t.ID)
}

// Lookup returns the task registered under id.
func Lookup(id ID) (*Task, *kernel.Error) {
	tableLock.Acquire()
	defer tableLock.Release()
	t, ok := tasks[id]
	if !ok {
		return nil, errNoSuchTask
	}
	return t, nil
}

// newAddrSpaceFn/newMemFn/activateFn indirect onto vmm/valloc so tests can
// substitute fakes instead of driving the real page-directory plumbing
// (which needs a real frame allocator and, for Activate, ring 0).
var (
	newAddrSpaceFn = vmm.NewAddressSpace
	newMemFn       = valloc.NewContext
	activateFn     = func(c *vmm.Context) { c.Activate() }
)

// newContext builds a fresh address space plus the valloc bookkeeping for
// the user-reachable half of it.
func newContext() (*vmm.Context, *valloc.Context, *kernel.Error) {
	addrSpace, err := newAddrSpaceFn()
	if err != nil {
		return nil, nil, err
	}
	mem, err := newMemFn(userBase, userPages)
	if err != nil {
		return nil, nil, err
	}
	return addrSpace, mem, nil
}

// Spawn creates a brand new task with a fresh, empty address space and
// starts entry running as its own goroutine. It is how the very first
// kernel tasks (init, driver threads) come to exist; user programs arrive
// through Fork followed by Execve instead.
func Spawn(name string, entry func(*Task)) (*Task, *kernel.Error) {
	addrSpace, mem, err := newContext()
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:        allocID(),
		Name:      name,
		AddrSpace: addrSpace,
		Mem:       mem,
		Files:     vfs.NewTable(),
		Cwd:       "/",
		state:     StateRunnable,
		done:      make(chan struct{}),
	}
	register(t)
	if t.ID == 1 {
		initTask = t
	}

	kfmt.Printf("task: spawned %d (%s)\n", uint32(t.ID), t.Name)
	go runTask(t, entry)
	return t, nil
}

// Fork creates a child task that is an eager copy of parent: a new address
// space with every one of the parent's ranges duplicated byte-for-byte. This
// kernel has no frame refcounting in kernel/mm/pmm, so true copy-on-write
// fork is not on the table; entry is the child's starting point, typically a small
// trampoline that resumes wherever the caller wants the child to begin
// rather than re-running the parent's own entry function.
func Fork(parent *Task, entry func(*Task)) (*Task, *kernel.Error) {
	addrSpace, mem, err := newContext()
	if err != nil {
		return nil, err
	}

	child := &Task{
		ID:        allocID(),
		Name:      parent.Name,
		AddrSpace: addrSpace,
		Mem:       mem,
		Files:     parent.Files.Clone(),
		Cwd:       parent.Cwd,
		Parent:    parent,
		state:     StateRunnable,
		done:      make(chan struct{}),
	}

	if err := copyAddressSpace(parent, child); err != nil {
		return nil, err
	}

	parent.lock.Acquire()
	parent.children = append(parent.children, child)
	parent.lock.Release()

	register(child)
	kfmt.Printf("task: forked %d from %d\n", uint32(child.ID), uint32(parent.ID))
	go runTask(child, entry)
	return child, nil
}

// copyAddressSpace duplicates every range reserved in parent.Mem into
// child.Mem and copies the backing page contents across.
//
// vmm.Map/vmm.Unmap - and therefore valloc.Context.Reserve, which is built
// on them - only ever touch the currently active page directory, so
// reproducing child's mappings requires briefly activating it. Once the
// mappings exist, the actual byte copy runs with the parent active instead:
// every source page is already directly addressable there, and
// vmm.MapTemporary reaches each destination frame through the recursive
// mapping window without needing child's directory active at all.
func copyAddressSpace(parent, child *Task) *kernel.Error {
	ranges := parent.Mem.Ranges()

	activateFn(child.AddrSpace)
	for _, r := range ranges {
		if r.Flags&valloc.FlagNoMap != 0 {
			continue
		}
		if _, err := child.Mem.Reserve(r.Pages, r.Start, mm.InvalidFrame, r.Flags); err != nil {
			activateFn(parent.AddrSpace)
			return err
		}
	}
	activateFn(parent.AddrSpace)

	for _, r := range ranges {
		if r.Flags&valloc.FlagNoMap != 0 {
			continue
		}
		for i := uintptr(0); i < r.Pages; i++ {
			srcPage := r.Start + mm.Page(i)

			dstFrame, err := child.Mem.FrameAt(srcPage)
			if err != nil {
				return err
			}

			tmpPage, err := vmm.MapTemporary(dstFrame)
			if err != nil {
				return err
			}
			kernel.Memcopy(srcPage.Address(), tmpPage.Address(), mm.PageSize)
			_ = vmm.Unmap(tmpPage)
		}
	}

	return nil
}

func runTask(t *Task, entry func(*Task)) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer t.finish()

	activateFn(t.AddrSpace)
	t.setState(StateRunning)

	entry(t)
}

// Exit terminates the calling task immediately with the given code. Like
// os.Exit it never returns to its caller, but since a "process" here is a
// goroutine rather than an OS process, the mechanism is runtime.Goexit:
// deferred calls still run as the goroutine unwinds, which is how runTask's
// deferred finish gets a chance to reparent children and wake waiters.
func Exit(t *Task, code int) {
	t.lock.Acquire()
	t.exitCode = code
	t.lock.Release()
	runtime.Goexit()
}

// finish transitions t to StateZombie, reparents its children to init and
// wakes anyone blocked in Wait for it. It never frees t.AddrSpace's frames:
// kernel/mm/pmm has no bulk-free primitive, so a reaped task's memory is
// reclaimed page-by-page the first time it is actually unmapped, not here;
// this mirrors the "only cleanup path is reparent-to-init" decision recorded
// for SPEC_FULL.md's Open Question #4.
func (t *Task) finish() {
	t.lock.Acquire()
	t.state = StateZombie
	kids := t.children
	t.children = nil
	waiters := t.waiters
	t.waiters = nil
	code := t.exitCode
	t.lock.Release()

	if initTask != nil && initTask != t {
		initTask.lock.Acquire()
		initTask.children = append(initTask.children, kids...)
		initTask.lock.Release()
		for _, k := range kids {
			k.lock.Acquire()
			k.Parent = initTask
			k.lock.Release()
		}
	}

	for _, w := range waiters {
		w <- t
		close(w)
	}

	close(t.done)
	kfmt.Printf("task: %d (%s) exited with code %d\n", uint32(t.ID), t.Name, code)
}

// Wait blocks until any direct child of parent becomes a zombie, reaps it
// (removes it from parent's child list and the global task table) and
// returns it along with its exit code. It returns errNoChildren immediately
// if parent has none.
func Wait(parent *Task) (*Task, int, *kernel.Error) {
	parent.lock.Acquire()
	if len(parent.children) == 0 {
		parent.lock.Release()
		return nil, 0, errNoChildren
	}
	children := append([]*Task(nil), parent.children...)
	parent.lock.Release()

	for _, c := range children {
		if c.State() == StateZombie {
			code := c.exitCode
			return reap(parent, c), code, nil
		}
	}

	// Subscribe to every child at once; the first one to exit delivers
	// itself on ch and the rest keep the now-stale channel around until
	// their own finish() closes it unread. A task rarely has more than a
	// handful of children alive at once, so this beats giving Wait its own
	// condition variable.
	ch := make(chan *Task, 1)
	for _, c := range children {
		c.lock.Acquire()
		if c.state == StateZombie {
			c.lock.Release()
			return reap(parent, c), c.exitCode, nil
		}
		c.waiters = append(c.waiters, ch)
		c.lock.Release()
	}

	done := <-ch
	return reap(parent, done), done.exitCode, nil
}

func reap(parent, child *Task) *Task {
	parent.lock.Acquire()
	for i, c := range parent.children {
		if c == child {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	parent.lock.Release()

	unregister(child)
	return child
}
