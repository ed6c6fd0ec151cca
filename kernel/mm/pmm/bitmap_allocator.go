package pmm

import (
	"math/bits"
	"reflect"
	"unsafe"

	"xelix/kernel"
	"xelix/kernel/hal/multiboot"
	"xelix/kernel/mm"
	"xelix/kernel/mm/vmm"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame is not managed by this allocator"}

	// The following functions are used by tests to mock calls to the vmm package
	// and are automatically inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map
)

// markAction describes the action to be taken by markFrame.
type markAction uint8

const (
	markReserved markAction = iota
	markFree
)

// framePool tracks frame reservations for a contiguous block of physical
// memory using a bitmap where a set bit indicates a reserved frame. Within
// each 64-bit block, bit 63 corresponds to the first frame in the block and
// bit 0 to the last, so the first free frame in a block can be located via
// a leading-zero-count on the block's complement.
type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// Each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool.
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks reserved/free pages in the pool.
	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. Unlike
// BootMemAllocator it also supports freeing previously allocated frames.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// init allocates space for the allocator structures using the early bootmem
// allocator, then reserves the frames that are already in use by the kernel
// image and by the early allocator itself.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}

	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	return nil
}

// setupPoolBitmaps uses the early allocator and the vmm region reservation
// helper to initialize the list of available pools and their free bitmap
// slices.
func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		pageSizeMinus1      = uint64(mm.PageSize - 1)
		requiredBitmapBytes uintptr
	)

	// Detect available memory regions and calculate their pool bitmap
	// requirements.
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame.
		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length)& ^pageSizeMinus1)>>mm.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame + 1)
		alloc.totalPages += pageCount

		// To represent the free page bitmap we need pageCount bits. Since
		// the backing slice uses uint64 words, round up to a multiple of 64.
		requiredBitmapBytes += uintptr(((pageCount + 63) &^ 63) >> 3)
		return true
	})

	// Reserve enough pages to hold the allocator state (pool headers plus
	// their bitmap words).
	requiredBytes := (uintptr(alloc.poolsHdr.Len)*sizeofPool + requiredBitmapBytes + mm.PageSize - 1) & ^(mm.PageSize - 1)
	requiredPages := requiredBytes >> mm.PageShift

	alloc.poolsHdr.Data, err = reserveRegionFn(requiredBytes)
	if err != nil {
		return err
	}

	for page, index := mm.PageFromAddress(alloc.poolsHdr.Data), uintptr(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, err := earlyAllocFrame()
		if err != nil {
			return err
		}

		if err = mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		kernel.Memset(page.Address(), 0, mm.PageSize)
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	// Run a second pass to initialize the free bitmap slices for all pools.
	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length)& ^pageSizeMinus1)>>mm.PageShift) - 1
		bitmapBytes := uintptr((((regionEndFrame - regionStartFrame + 1) + 63) &^ 63) >> 3)

		pool := &alloc.pools[poolIndex]
		pool.startFrame = regionStartFrame
		pool.endFrame = regionEndFrame
		pool.freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		pool.freeBitmapHdr.Len = int(bitmapBytes >> 3)
		pool.freeBitmapHdr.Cap = pool.freeBitmapHdr.Len
		pool.freeBitmapHdr.Data = bitmapStartAddr
		pool.freeBitmap = *(*[]uint64)(unsafe.Pointer(&pool.freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

// poolForFrame returns the index of the pool that manages the given frame or
// -1 if the frame does not belong to any pool.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for i := range alloc.pools {
		if frame >= alloc.pools[i].startFrame && frame <= alloc.pools[i].endFrame {
			return i
		}
	}

	return -1
}

// markFrame flips the bitmap entry for frame in the pool with the given
// index and adjusts the pool and allocator free/reserved counters. Calls
// with a negative pool index or a frame outside the addressed pool are a
// no-op.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, action markAction) {
	if poolIndex < 0 || poolIndex >= len(alloc.pools) {
		return
	}

	pool := &alloc.pools[poolIndex]
	if frame < pool.startFrame || frame > pool.endFrame {
		return
	}

	offset := uint32(frame - pool.startFrame)
	block := offset / 64
	mask := uint64(1) << (63 - (offset % 64))

	switch action {
	case markReserved:
		if pool.freeBitmap[block]&mask != 0 {
			return
		}
		pool.freeBitmap[block] |= mask
		pool.freeCount--
		alloc.reservedPages++
	case markFree:
		if pool.freeBitmap[block]&mask == 0 {
			return
		}
		pool.freeBitmap[block] &^= mask
		pool.freeCount++
		alloc.reservedPages--
	}
}

// reserveKernelFrames marks the frames occupied by the kernel image as
// reserved so the allocator never hands them out.
func (alloc *BitmapAllocator) reserveKernelFrames() {
	for frame := bootMemAllocator.kernelStartFrame; frame <= bootMemAllocator.kernelEndFrame; frame++ {
		alloc.markFrame(alloc.poolForFrame(frame), frame, markReserved)
	}
}

// reserveEarlyAllocatorFrames marks the frames that were already handed out
// by bootMemAllocator (while this allocator was being bootstrapped) as
// reserved. It replays the early allocator's deterministic allocation order
// against a throwaway copy so the original allocator's internal state is
// left untouched.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	replay := BootMemAllocator{
		kernelStartAddr:  bootMemAllocator.kernelStartAddr,
		kernelEndAddr:    bootMemAllocator.kernelEndAddr,
		kernelStartFrame: bootMemAllocator.kernelStartFrame,
		kernelEndFrame:   bootMemAllocator.kernelEndFrame,
	}

	for i := uint64(0); i < bootMemAllocator.allocCount; i++ {
		frame, err := replay.AllocFrame()
		if err != nil {
			return
		}

		alloc.markFrame(alloc.poolForFrame(frame), frame, markReserved)
	}
}

// AllocFrame reserves and returns the next available frame by scanning the
// pools in order and picking the lowest-numbered free frame in the first
// pool that has one.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		for blockIndex, block := range pool.freeBitmap {
			if block == ^uint64(0) {
				continue
			}

			bitIndex := bits.LeadingZeros64(^block)
			offset := uint32(blockIndex)*64 + uint32(bitIndex)
			frame := pool.startFrame + mm.Frame(offset)
			if frame > pool.endFrame {
				break
			}

			alloc.markFrame(poolIndex, frame, markReserved)
			return frame, nil
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame releases a previously allocated frame back to its pool.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocFrameNotManaged
	}

	pool := &alloc.pools[poolIndex]
	offset := uint32(frame - pool.startFrame)
	block := offset / 64
	mask := uint64(1) << (63 - (offset % 64))

	if pool.freeBitmap[block]&mask == 0 {
		return errBitmapAllocDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}
