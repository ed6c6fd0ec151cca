// Package valloc implements a per-address-space virtual range allocator on
// top of kernel/mm/vmm. It tracks which pages of a context's virtual address
// space are in use with a bitmap, keeps a linked list of the active ranges
// (for unmap-by-range and map_across bookkeeping) and defers the physical
// mapping work to kernel/mm/vmm and kernel/mm/pmm.
package valloc

import (
	"math/bits"
	"unsafe"

	"xelix/kernel"
	"xelix/kernel/mm"
	"xelix/kernel/mm/heap"
	"xelix/kernel/mm/vmm"
	"xelix/kernel/sync"
)

// rawSliceHeader mirrors a slice header so that allocUint64Slice and
// allocFrameSlice can carve a backing array for n elements out of the heap
// and overlay it as a slice. It exists
// because this package runs before kernel/goruntime.Init enables Go's own
// make/append, so every slice it owns must be backed by heap.Allocate instead
// of the runtime allocator.
type rawSliceHeader struct {
	data uintptr
	len  int
	cap  int
}

func allocUint64Slice(n uintptr) ([]uint64, *kernel.Error) {
	var s []uint64
	if n == 0 {
		return s, nil
	}

	addr, err := heapAllocate(n*unsafe.Sizeof(uint64(0)), false, true)
	if err != nil {
		return nil, err
	}

	hdr := (*rawSliceHeader)(unsafe.Pointer(&s))
	hdr.data, hdr.len, hdr.cap = addr, int(n), int(n)
	return s, nil
}

func allocFrameSlice(n uintptr) ([]mm.Frame, *kernel.Error) {
	var s []mm.Frame
	if n == 0 {
		return s, nil
	}

	var frameZero mm.Frame
	addr, err := heapAllocate(n*unsafe.Sizeof(frameZero), false, true)
	if err != nil {
		return nil, err
	}

	hdr := (*rawSliceHeader)(unsafe.Pointer(&s))
	hdr.data, hdr.len, hdr.cap = addr, int(n), int(n)
	return s, nil
}

func freeUint64Slice(s []uint64) {
	if len(s) == 0 {
		return
	}
	hdr := (*rawSliceHeader)(unsafe.Pointer(&s))
	_ = heapFree(hdr.data)
}

func freeFrameSlice(s []mm.Frame) {
	if len(s) == 0 {
		return
	}
	hdr := (*rawSliceHeader)(unsafe.Pointer(&s))
	_ = heapFree(hdr.data)
}

// Flag describes the properties requested for a Reserve call. Unlike
// vmm.PageTableEntryFlag, which describes hardware page-table bits, Flag
// describes policy decisions made by this package.
type Flag uint32

const (
	// FlagRW requests that the mapped pages are writable.
	FlagRW Flag = 1 << iota

	// FlagUser requests that the mapped pages are user-accessible.
	FlagUser

	// FlagZero zeroes the backing memory right after it is mapped.
	FlagZero

	// FlagNoMap reserves bitmap/range bookkeeping for the region without
	// installing any page-table mapping. Used for guard pages and for
	// regions a caller will map manually.
	FlagNoMap

	// FlagFreeOnRelease returns the backing physical frames to kernel/mm/pmm
	// when the range is released. Ranges that alias memory owned by another
	// context (map_across results) must not set this.
	FlagFreeOnRelease

	// FlagDemandZero reserves the range's bitmap/page-table bookkeeping
	// without allocating or mapping any physical frame up front. Each page
	// is backed and zeroed lazily by kernel/mm/vmm's page fault handler the
	// first time it is touched. Mutually exclusive with FlagNoMap, which
	// never installs a page-table entry at all - a demand-zero range still
	// needs one, just without FlagPresent set.
	FlagDemandZero
)

// Range describes a previously reserved, page-aligned virtual memory region.
type Range struct {
	ctx   *Context
	Start mm.Page
	Pages uintptr
	Flags Flag

	// frames holds the backing physical frame for every page in the range,
	// in order. For a region reserved in one shot it is contiguous; for the
	// result of MapAcross it mirrors whatever frames backed the source
	// range's pages.
	frames []mm.Frame

	prev, next *Range
}

// Context is a single virtual address space: a bitmap of which pages are in
// use, the list of active ranges, and the lock that serializes operations on
// both.
type Context struct {
	lock sync.Spinlock

	base  mm.Page
	pages uintptr

	bitmap []uint64
	ranges *Range

	reservedPages uintptr
}

var (
	mapFn      = vmm.Map
	unmapFn    = vmm.Unmap
	allocFrame = mm.AllocFrame
	freeFrame  func(mm.Frame) *kernel.Error

	// heapAllocate/heapFree indirect onto kernel/mm/heap. They exist as
	// package vars, rather than direct calls, purely so tests can stub out
	// the backing store without needing a fully initialized heap.
	heapAllocate = heap.Allocate
	heapFree     = heap.Free

	errOutOfVirtualSpace = &kernel.Error{Module: "valloc", Message: "no free virtual address range of the requested size"}
	errRangeNotFree      = &kernel.Error{Module: "valloc", Message: "requested virtual address range is already in use"}
	errOutOfPhysicalMem  = &kernel.Error{Module: "valloc", Message: "could not reserve a backing physical frame"}
	errRangeForeignCtx   = &kernel.Error{Module: "valloc", Message: "range does not belong to this context"}
	errPageNotMapped     = &kernel.Error{Module: "valloc", Message: "source page is not mapped in the source context"}
)

// SetFreeFrameFn registers the function used to return physical frames to
// the frame allocator when a FlagFreeOnRelease range is released. It exists
// so kernel/mm/pmm (which depends on neither vmm nor valloc) stays free of an
// import cycle while still being the thing that ultimately reclaims frames.
func SetFreeFrameFn(fn func(mm.Frame) *kernel.Error) {
	freeFrame = fn
}

// NewContext creates a virtual address space covering [base, base+pages).
func NewContext(base mm.Page, pages uintptr) (*Context, *kernel.Error) {
	bitmap, err := allocUint64Slice((pages + 63) / 64)
	if err != nil {
		return nil, err
	}

	return &Context{
		base:   base,
		pages:  pages,
		bitmap: bitmap,
	}, nil
}

// Stats returns the total number of pages managed by this context and how
// many of them are currently reserved.
func (c *Context) Stats() (total, used uintptr) {
	c.lock.Acquire()
	defer c.lock.Release()

	return c.pages, c.reservedPages
}

// Ranges returns every range currently reserved in this context. It exists
// for callers that need to walk a whole address space, such as kernel/task's
// fork implementation, which eagerly copies every user range of the parent
// into the child. Safe to call only once the Go allocator is up, since it
// builds its result with append; every caller of Ranges runs well after that
// point (fork happens once the scheduler is live).
func (c *Context) Ranges() []*Range {
	c.lock.Acquire()
	defer c.lock.Release()

	var out []*Range
	for r := c.ranges; r != nil; r = r.next {
		out = append(out, r)
	}
	return out
}

// findFreeRun scans the bitmap for the first run of count consecutive clear
// bits and returns its starting page offset, or -1 if none is available.
func (c *Context) findFreeRun(count uintptr) int {
	run := uintptr(0)
	start := -1

	for wordIndex, word := range c.bitmap {
		for bitIndex := 0; bitIndex < 64; bitIndex++ {
			pageOffset := wordIndex*64 + bitIndex
			if uintptr(pageOffset) >= c.pages {
				return -1
			}

			if word&(1<<uint(63-bitIndex)) != 0 {
				run = 0
				start = -1
				continue
			}

			if start == -1 {
				start = pageOffset
			}

			run++
			if run == count {
				return start
			}
		}
	}

	return -1
}

// isFree returns true if every page in [offset, offset+count) is clear.
func (c *Context) isFree(offset, count uintptr) bool {
	if offset+count > c.pages {
		return false
	}

	for page := offset; page < offset+count; page++ {
		wordIndex, bitIndex := page/64, page%64
		if c.bitmap[wordIndex]&(1<<uint(63-bitIndex)) != 0 {
			return false
		}
	}

	return true
}

// mark sets or clears count consecutive bitmap bits starting at offset.
func (c *Context) mark(offset, count uintptr, used bool) {
	for page := offset; page < offset+count; page++ {
		wordIndex, bitIndex := page/64, page%64
		bit := uint64(1) << uint(63-bitIndex)
		if used {
			c.bitmap[wordIndex] |= bit
		} else {
			c.bitmap[wordIndex] &^= bit
		}
	}
}

// pageFlags converts a Flag bitset into the vmm.PageTableEntryFlag set
// needed to actually install the mapping.
func pageFlags(flags Flag) vmm.PageTableEntryFlag {
	pteFlags := vmm.FlagPresent

	if flags&FlagRW != 0 {
		pteFlags |= vmm.FlagRW
	}
	if flags&FlagUser != 0 {
		pteFlags |= vmm.FlagUserAccessible
	}

	return pteFlags
}

// Reserve allocates pageCount contiguous pages of virtual address space. If
// at is non-zero it requests that specific starting page instead of letting
// the context pick one; Reserve fails if that range is not entirely free. If
// reqFrame is Valid (see mm.Frame.Valid), the range is backed by that
// physical frame (and the following pageCount-1 frames) instead of asking
// the frame allocator for fresh ones.
func (c *Context) Reserve(pageCount uintptr, at mm.Page, reqFrame mm.Frame, flags Flag) (*Range, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	var startOffset int
	if at != 0 {
		startOffset = int(at - c.base)
		if startOffset < 0 || !c.isFree(uintptr(startOffset), pageCount) {
			return nil, errRangeNotFree
		}
	} else {
		startOffset = c.findFreeRun(pageCount)
		if startOffset == -1 {
			return nil, errOutOfVirtualSpace
		}
	}

	frames, err := allocFrameSlice(pageCount)
	if err != nil {
		return nil, err
	}

	startPage := c.base + mm.Page(startOffset)

	if flags&FlagDemandZero != 0 {
		// Every page is left unbacked; the leaf page table entry is
		// installed with its eventual flags but FlagPresent withheld, so
		// vmm's fault handler can recognise it and back it lazily.
		pteFlags := pageFlags(flags) &^ vmm.FlagPresent
		for i := uintptr(0); i < pageCount; i++ {
			frames[i] = mm.InvalidFrame
			if err := mapFn(startPage+mm.Page(i), mm.Frame(0), pteFlags|vmm.FlagDemandZero); err != nil {
				for j := uintptr(0); j < i; j++ {
					_ = unmapFn(startPage + mm.Page(j))
				}
				freeFrameSlice(frames)
				return nil, err
			}
		}
	} else {
		for i := uintptr(0); i < pageCount; i++ {
			if reqFrame.Valid() {
				frames[i] = reqFrame + mm.Frame(i)
				continue
			}

			frame, err := allocFrame()
			if err != nil {
				// roll back any frames we already grabbed for this request
				for j := uintptr(0); j < i; j++ {
					_ = freeFrame(frames[j])
				}
				freeFrameSlice(frames)
				return nil, errOutOfPhysicalMem
			}
			frames[i] = frame
		}

		if flags&FlagNoMap == 0 {
			pteFlags := pageFlags(flags)
			for i := uintptr(0); i < pageCount; i++ {
				if err := mapFn(startPage+mm.Page(i), frames[i], pteFlags); err != nil {
					for j := uintptr(0); j < i; j++ {
						_ = unmapFn(startPage + mm.Page(j))
					}
					freeFrameSlice(frames)
					return nil, err
				}
			}

			if flags&FlagZero != 0 {
				kernel.Memset(startPage.Address(), 0, pageCount*mm.PageSize)
			}
		}
	}

	c.mark(uintptr(startOffset), pageCount, true)
	c.reservedPages += pageCount

	r := &Range{
		ctx:    c,
		Start:  startPage,
		Pages:  pageCount,
		Flags:  flags,
		frames: frames,
	}

	r.next = c.ranges
	if c.ranges != nil {
		c.ranges.prev = r
	}
	c.ranges = r

	return r, nil
}

// Release unmaps and frees a range previously returned by Reserve or MapAcross.
func (c *Context) Release(r *Range) *kernel.Error {
	if r.ctx != c {
		return errRangeForeignCtx
	}

	c.lock.Acquire()
	defer c.lock.Release()

	if r.Flags&FlagNoMap == 0 {
		for i := uintptr(0); i < r.Pages; i++ {
			_ = unmapFn(r.Start + mm.Page(i))
		}
	}

	c.mark(uintptr(r.Start-c.base), r.Pages, false)
	c.reservedPages -= r.Pages

	if r.prev != nil {
		r.prev.next = r.next
	} else {
		c.ranges = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}

	if r.Flags&FlagFreeOnRelease != 0 {
		for _, frame := range r.frames {
			// A demand-zero page never touched before release has no
			// backing frame to return.
			if frame.Valid() {
				_ = freeFrame(frame)
			}
		}
	}
	freeFrameSlice(r.frames)

	return nil
}

// MapAcross transparently maps size bytes starting at srcAddr (a virtual
// address inside src) into dst, returning the address of the newly mapped
// data in dst's address space. srcAddr need not be page-aligned; MapAcross
// allocates enough destination pages to cover the spill and preserves the
// intra-page offset in the returned address. The two contexts' locks are
// always acquired in ascending pointer order to avoid AB/BA deadlocks with a
// concurrent MapAcross going the other way.
func MapAcross(dst *Context, dstFlags Flag, src *Context, srcAddr uintptr, size uintptr) (uintptr, *Range, *kernel.Error) {
	first, second := dst, src
	if uintptr(unsafe.Pointer(second)) < uintptr(unsafe.Pointer(first)) {
		first, second = second, first
	}

	first.lock.Acquire()
	if second != first {
		second.lock.Acquire()
	}
	defer func() {
		if second != first {
			second.lock.Release()
		}
		first.lock.Release()
	}()

	srcOffset := srcAddr % mm.PageSize
	srcStart := mm.PageFromAddress(srcAddr)
	pageCount := (size + srcOffset + mm.PageSize - 1) / mm.PageSize

	frames, err := allocFrameSlice(pageCount)
	if err != nil {
		return 0, nil, err
	}
	for i := uintptr(0); i < pageCount; i++ {
		frame, err := src.frameForPageLocked(srcStart + mm.Page(i))
		if err != nil {
			freeFrameSlice(frames)
			return 0, nil, err
		}
		frames[i] = frame
	}

	startOffset := dst.findFreeRun(pageCount)
	if startOffset == -1 {
		freeFrameSlice(frames)
		return 0, nil, errOutOfVirtualSpace
	}

	startPage := dst.base + mm.Page(startOffset)
	pteFlags := pageFlags(dstFlags)
	for i := uintptr(0); i < pageCount; i++ {
		if err := mapFn(startPage+mm.Page(i), frames[i], pteFlags); err != nil {
			for j := uintptr(0); j < i; j++ {
				_ = unmapFn(startPage + mm.Page(j))
			}
			freeFrameSlice(frames)
			return 0, nil, err
		}
	}

	dst.mark(uintptr(startOffset), pageCount, true)
	dst.reservedPages += pageCount

	r := &Range{
		ctx:    dst,
		Start:  startPage,
		Pages:  pageCount,
		Flags:  dstFlags &^ FlagFreeOnRelease,
		frames: frames,
	}
	r.next = dst.ranges
	if dst.ranges != nil {
		dst.ranges.prev = r
	}
	dst.ranges = r

	return startPage.Address() + srcOffset, r, nil
}

// FrameAt returns the physical frame backing page within this context. It
// exists for kernel/task's fork implementation, which needs to address a
// specific physical frame of a child context while the parent's own address
// space is the active one.
func (c *Context) FrameAt(page mm.Page) (mm.Frame, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.frameForPageLocked(page)
}

// frameForPageLocked returns the physical frame backing page within this
// context. The caller must already hold c.lock.
func (c *Context) frameForPageLocked(page mm.Page) (mm.Frame, *kernel.Error) {
	offset := uintptr(page - c.base)

	wordIndex, bitIndex := offset/64, offset%64
	if c.bitmap[wordIndex]&(1<<uint(63-bitIndex)) == 0 {
		return mm.InvalidFrame, errPageNotMapped
	}

	for r := c.ranges; r != nil; r = r.next {
		if page >= r.Start && page < r.Start+mm.Page(r.Pages) {
			return r.frames[page-r.Start], nil
		}
	}

	return mm.InvalidFrame, errPageNotMapped
}

// popcount is used by tests to sanity-check bitmap bookkeeping without
// exposing the bitmap itself.
func (c *Context) popcount() int {
	count := 0
	for _, word := range c.bitmap {
		count += bits.OnesCount64(word)
	}
	return count
}
