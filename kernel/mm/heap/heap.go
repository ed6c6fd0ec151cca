// Package heap implements the kernel's general purpose memory allocator. It
// runs before the Go runtime's own allocator is usable (kernel/goruntime
// enables that much later in the boot sequence) so, like the rest of the
// early boot path, it manages a raw byte range by hand instead of relying on
// make/new.
//
// The layout follows a classic header+footer doubly-linked block scheme: a
// fixed header precedes every block's content, a 4-byte footer holding the
// block's size follows it so the previous block can always be found by
// walking backwards, and free blocks additionally store a free-list link
// inside their own content area.
package heap

import (
	"unsafe"

	"xelix/kernel"
	"xelix/kernel/mm"
	"xelix/kernel/mm/vmm"
	"xelix/kernel/sync"
)

const (
	blockMagic = 0xcafe

	// lockSpinAttempts bounds how many times Allocate/Free busy-spin trying
	// to acquire heapLock before giving up. A caller running in interrupt
	// context can never wait out a holder that got interrupted mid-critical
	// -section, so the lock must fail instead of spinning forever.
	lockSpinAttempts = 30

	footerSize = unsafe.Sizeof(uint32(0))
)

// header precedes every block, free or used.
type header struct {
	magic uint16
	size  uint32
	used  bool
}

var headerSize = unsafe.Sizeof(header{})

// freeLink is stored inside a free block's content area, right after its
// header. It makes the free list intrusive: no separate allocation is
// needed to track free blocks.
type freeLink struct {
	magic      uint16
	prev, next uintptr
}

var freeLinkSize = unsafe.Sizeof(freeLink{})

var (
	mapFn           = vmm.Map
	allocFrame      = mm.AllocFrame
	reserveRegionFn = vmm.EarlyReserveRegion

	lock sync.Spinlock

	allocStart, allocEnd, mappedEnd, allocMax uintptr
	lastFree                                  uintptr
	ready                                     bool

	// IntegrityCheck stamps and validates blockMagic on every header and
	// free-list node touched by Allocate/Free. Off by default since it is a
	// real performance cost; no boot command-line key sets it, so it is
	// turned on by assigning it directly.
	IntegrityCheck bool

	errHeapNotReady  = &kernel.Error{Module: "heap", Message: "heap used before Init"}
	errHeapLocked    = &kernel.Error{Module: "heap", Message: "could not acquire heap lock"}
	errHeapExhausted = &kernel.Error{Module: "heap", Message: "heap region exhausted"}
	errInvalidFree   = &kernel.Error{Module: "heap", Message: "attempt to free an invalid or already-free block"}
	errCorruptBlock  = &kernel.Error{Module: "heap", Message: "heap metadata corruption detected"}
)

// Init reserves a virtual address range of maxSize bytes for the heap. No
// physical memory is committed until Allocate actually needs it.
func Init(maxSize uintptr) *kernel.Error {
	start, err := reserveRegionFn(maxSize)
	if err != nil {
		return err
	}

	allocStart, allocEnd, mappedEnd = start, start, start
	allocMax = start + maxSize
	lastFree = 0
	ready = true
	return nil
}

func headerAt(addr uintptr) *header   { return (*header)(unsafe.Pointer(addr)) }
func footerAt(addr uintptr) *uint32   { return (*uint32)(unsafe.Pointer(addr)) }
func linkAt(addr uintptr) *freeLink   { return (*freeLink)(unsafe.Pointer(addr)) }
func contentOf(h uintptr) uintptr     { return h + headerSize }
func footerOf(h uintptr, sz uint32) uintptr {
	return h + headerSize + uintptr(sz)
}
func fullSize(sz uint32) uintptr { return headerSize + uintptr(sz) + footerSize }
func nextBlock(h uintptr, sz uint32) uintptr {
	return footerOf(h, sz) + footerSize
}
func prevBlock(h uintptr) uintptr {
	prevFooter := h - footerSize
	prevSz := *footerAt(prevFooter)
	return prevFooter - uintptr(prevSz) - headerSize
}

// setBlock stamps a block header/footer pair with the given content size and
// returns the header address unchanged, mirroring the original's set_block.
func setBlock(h uintptr, sz uint32) uintptr {
	hdr := headerAt(h)
	hdr.size = sz
	if IntegrityCheck {
		hdr.magic = blockMagic
	}
	*footerAt(footerOf(h, sz)) = sz
	return h
}

func unlinkFree(addr uintptr) {
	link := linkAt(contentOf(addr))
	if link.next != 0 {
		linkAt(contentOf(link.next)).prev = link.prev
	}
	if link.prev != 0 {
		linkAt(contentOf(link.prev)).next = link.next
	}
	if addr == lastFree {
		lastFree = link.prev
	}
}

func pushFree(addr uintptr) {
	hdr := headerAt(addr)
	hdr.used = false

	link := linkAt(contentOf(addr))
	link.prev = lastFree
	link.next = 0
	if IntegrityCheck {
		link.magic = blockMagic
	}

	if lastFree != 0 {
		linkAt(contentOf(lastFree)).next = addr
	}
	lastFree = addr
}

// freeBlock marks a block free, coalescing with its neighbours when they are
// also free, and returns the (possibly merged) block's header address.
//
// A block's left neighbour, if free, is always already linked into the free
// list, so merging with it must reuse that existing link rather than pushing
// a second one; only a block with no free left neighbour needs pushFree.
func freeBlock(addr uintptr) uintptr {
	hdr := headerAt(addr)
	mergedLeft := false

	if addr > allocStart {
		prev := prevBlock(addr)
		if !headerAt(prev).used {
			setBlock(prev, uint32(uintptr(headerAt(prev).size)+fullSize(hdr.size)))
			addr, hdr, mergedLeft = prev, headerAt(prev), true
		}
	}

	if !mergedLeft {
		pushFree(addr)
	}

	next := nextBlock(addr, hdr.size)
	if next < allocEnd && !headerAt(next).used {
		unlinkFree(next)
		setBlock(addr, uint32(uintptr(hdr.size)+fullSize(headerAt(next).size)))
	}

	return addr
}

// splitBlock carves a block of exactly sz usable bytes off the front of a
// larger free block, returning the header address of the leftover remainder,
// or 0 if the block isn't big enough to be worth splitting.
func splitBlock(addr uintptr, sz uint32) uintptr {
	minRemainder := fullSize(uint32(freeLinkSize))
	hdr := headerAt(addr)
	if uintptr(hdr.size) < uintptr(sz)+minRemainder {
		return 0
	}

	origSize := hdr.size
	setBlock(addr, sz)
	remainderSize := uint32(uintptr(origSize) - uintptr(sz) - fullSize(0))
	return setBlock(nextBlock(addr, sz), remainderSize)
}

// alignmentOffset returns how many bytes must be carved off the front of a
// block starting at addr so its content starts on a page boundary, or 0 if
// it already does.
func alignmentOffset(addr uintptr) uintptr {
	content := contentOf(addr)
	if content&(mm.PageSize-1) == 0 {
		return 0
	}

	aligned := (content + mm.PageSize - 1) &^ (mm.PageSize - 1)
	offset := aligned - content
	if offset < fullSize(uint32(freeLinkSize)) {
		offset += mm.PageSize
	}
	return offset
}

func findFreeBlock(sz uint32, aligned bool) uintptr {
	for fb := lastFree; fb != 0; fb = linkAt(contentOf(fb)).prev {
		hdr := headerAt(fb)

		needed := uintptr(sz)
		if aligned {
			needed += alignmentOffset(fb) + fullSize(0)
		}

		if uintptr(hdr.size) >= needed {
			return fb
		}
	}

	return 0
}

// growTo extends the mapped region so that [mappedEnd, target) is backed by
// real physical frames, growing one page at a time.
func growTo(target uintptr) *kernel.Error {
	for mappedEnd < target {
		frame, err := allocFrame()
		if err != nil {
			return err
		}
		if err := mapFn(mm.PageFromAddress(mappedEnd), frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}
		mappedEnd += mm.PageSize
	}
	return nil
}

// Allocate reserves size bytes from the heap, returning the address of the
// usable content area. If aligned is set the returned address is page
// aligned. If zeroed is set the content is cleared before being returned.
func Allocate(size uintptr, aligned, zeroed bool) (uintptr, *kernel.Error) {
	if !ready {
		return 0, errHeapNotReady
	}
	if size < freeLinkSize {
		size = freeLinkSize
	}

	if !lock.AcquireBounded(lockSpinAttempts) {
		return 0, errHeapLocked
	}

	blockAddr := findFreeBlock(uint32(size), aligned)
	if blockAddr != 0 {
		unlinkFree(blockAddr)
		headerAt(blockAddr).used = true
	} else {
		needed := size
		if aligned {
			// A freshly grown block has no neighbours yet, so there is no way
			// to know its exact alignment padding ahead of time the way
			// findFreeBlock does for existing free blocks. Pad by a worst
			// case page plus the smallest possible free block, which covers
			// alignmentOffset's own worst case of "just under a page, so it
			// rounds up by one more page".
			needed += mm.PageSize + fullSize(uint32(freeLinkSize))
		}

		full := fullSize(uint32(needed))
		if allocEnd+full > allocMax {
			lock.Release()
			return 0, errHeapExhausted
		}

		if err := growTo(allocEnd + full); err != nil {
			lock.Release()
			return 0, err
		}

		blockAddr = setBlock(allocEnd, uint32(needed))
		headerAt(blockAddr).used = true
		allocEnd += full
	}

	// The alignment split must happen before the size split: it carves the
	// padding needed to push this block's content onto a page boundary off
	// the front, and the block sized above (by findFreeBlock or the growth
	// path) already accounted for that padding. Doing it the other way round would trim
	// the block down to exactly size bytes first, leaving no room to carve
	// an aligned remainder out of it.
	if aligned {
		if off := alignmentOffset(blockAddr); off != 0 {
			prefixSize := uint32(off - fullSize(0))
			if remainder := splitBlock(blockAddr, prefixSize); remainder != 0 {
				headerAt(remainder).used = true
				freeBlock(blockAddr)
				blockAddr = remainder
			}
		}
	}

	if remainder := splitBlock(blockAddr, uint32(size)); remainder != 0 {
		headerAt(remainder).used = true // prevent freeBlock from merging back
		freeBlock(remainder)
	}

	content := contentOf(blockAddr)
	lock.Release()

	if zeroed {
		kernel.Memset(content, 0, size)
	}

	return content, nil
}

// Free releases a block previously returned by Allocate.
func Free(addr uintptr) *kernel.Error {
	if addr == 0 {
		return nil
	}

	h := addr - headerSize
	if addr < allocStart+headerSize || addr >= allocEnd || !headerAt(h).used {
		return errInvalidFree
	}

	if !lock.AcquireBounded(lockSpinAttempts) {
		return errHeapLocked
	}
	defer lock.Release()

	freeBlock(h)
	return nil
}

// Stats returns the total size of the heap region committed so far and the
// number of bytes currently free within it.
func Stats() (total, free uintptr) {
	lock.Acquire()
	defer lock.Release()

	total = allocEnd - allocStart
	free = allocMax - allocEnd

	for fb := lastFree; fb != 0; fb = linkAt(contentOf(fb)).prev {
		free += uintptr(headerAt(fb).size)
	}

	return total, free
}

// CheckIntegrity validates every header/footer/free-link magic in the heap
// and returns errCorruptBlock at the first mismatch. It is a no-op unless
// IntegrityCheck is enabled, since the magics are never stamped otherwise.
func CheckIntegrity() *kernel.Error {
	if !IntegrityCheck {
		return nil
	}

	for h := allocStart; h < allocEnd; h = nextBlock(h, headerAt(h).size) {
		hdr := headerAt(h)
		if hdr.magic != blockMagic {
			return errCorruptBlock
		}
		if *footerAt(footerOf(h, hdr.size)) != hdr.size {
			return errCorruptBlock
		}
		if !hdr.used && linkAt(contentOf(h)).magic != blockMagic {
			return errCorruptBlock
		}
	}

	return nil
}
