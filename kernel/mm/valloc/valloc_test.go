package valloc

import (
	"runtime"
	"testing"
	"unsafe"

	"xelix/kernel"
	"xelix/kernel/mm"
	"xelix/kernel/mm/vmm"
)

// withMocks stubs out every package-level indirection valloc uses to reach
// hardware-adjacent code (vmm, the frame allocator, the heap), so tests can
// exercise the bitmap/range bookkeeping without a booted kernel underneath.
// heapAllocate/heapFree are backed by the test binary's own Go heap, which is
// safe here since these tests run under `go test`, not the early boot path
// this package has to survive in production.
func withMocks(t *testing.T) (mapped map[mm.Page]mm.Frame, freed *[]mm.Frame) {
	mapped = make(map[mm.Page]mm.Frame)
	freed = new([]mm.Frame)
	var nextFrame mm.Frame

	origMap, origUnmap, origAlloc, origFree := mapFn, unmapFn, allocFrame, freeFrame
	origHeapAlloc, origHeapFree := heapAllocate, heapFree
	t.Cleanup(func() {
		mapFn, unmapFn, allocFrame, freeFrame = origMap, origUnmap, origAlloc, origFree
		heapAllocate, heapFree = origHeapAlloc, origHeapFree
	})

	mapFn = func(page mm.Page, frame mm.Frame, _ vmm.PageTableEntryFlag) *kernel.Error {
		mapped[page] = frame
		return nil
	}
	unmapFn = func(page mm.Page) *kernel.Error {
		delete(mapped, page)
		return nil
	}
	allocFrame = func() (mm.Frame, *kernel.Error) {
		nextFrame++
		return nextFrame, nil
	}
	freeFrame = func(f mm.Frame) *kernel.Error {
		*freed = append(*freed, f)
		return nil
	}
	heapAllocate = func(size uintptr, aligned, zeroed bool) (uintptr, *kernel.Error) {
		buf := make([]byte, size)
		return uintptr(unsafe.Pointer(&buf[0])), nil
	}
	heapFree = func(addr uintptr) *kernel.Error { return nil }

	return mapped, freed
}

func newTestContext(t *testing.T, base mm.Page, pages uintptr) *Context {
	ctx, err := NewContext(base, pages)
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

func TestContextReserveAndRelease(t *testing.T) {
	mapped, _ := withMocks(t)

	// FlagZero clears the range through its virtual address, so the
	// context's pages are placed over real memory.
	backing := make([]byte, 65*mm.PageSize)
	defer runtime.KeepAlive(backing)
	base := mm.PageFromAddress(uintptr(unsafe.Pointer(&backing[0])) + mm.PageSize - 1)

	ctx := newTestContext(t, base, 64)

	r, err := ctx.Reserve(3, 0, mm.InvalidFrame, FlagRW|FlagZero)
	if err != nil {
		t.Fatal(err)
	}

	if r.Pages != 3 {
		t.Fatalf("expected a 3 page range; got %d", r.Pages)
	}

	if total, used := ctx.Stats(); total != 64 || used != 3 {
		t.Fatalf("expected stats (64, 3); got (%d, %d)", total, used)
	}

	for i := uintptr(0); i < 3; i++ {
		if _, ok := mapped[r.Start+mm.Page(i)]; !ok {
			t.Errorf("expected page %d of range to be mapped", i)
		}
	}

	if err := ctx.Release(r); err != nil {
		t.Fatal(err)
	}

	if total, used := ctx.Stats(); total != 64 || used != 0 {
		t.Fatalf("expected stats (64, 0) after release; got (%d, %d)", total, used)
	}

	for i := uintptr(0); i < 3; i++ {
		if _, ok := mapped[r.Start+mm.Page(i)]; ok {
			t.Errorf("expected page %d to be unmapped after release", i)
		}
	}
}

func TestContextReserveFreesFramesOnRelease(t *testing.T) {
	_, freed := withMocks(t)

	ctx := newTestContext(t, mm.Page(0), 16)

	r, err := ctx.Reserve(2, 0, mm.InvalidFrame, FlagRW|FlagFreeOnRelease)
	if err != nil {
		t.Fatal(err)
	}

	if err := ctx.Release(r); err != nil {
		t.Fatal(err)
	}

	if len(*freed) != 2 {
		t.Fatalf("expected 2 frames to be freed; got %d", len(*freed))
	}
}

func TestContextReserveDemandZeroInstallsUnbackedMapping(t *testing.T) {
	var gotFlags vmm.PageTableEntryFlag

	origMap, origUnmap, origAlloc, origFree := mapFn, unmapFn, allocFrame, freeFrame
	origHeapAlloc, origHeapFree := heapAllocate, heapFree
	t.Cleanup(func() {
		mapFn, unmapFn, allocFrame, freeFrame = origMap, origUnmap, origAlloc, origFree
		heapAllocate, heapFree = origHeapAlloc, origHeapFree
	})

	mapped := make(map[mm.Page]mm.Frame)
	mapFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		mapped[page] = frame
		gotFlags = flags
		return nil
	}
	unmapFn = func(page mm.Page) *kernel.Error {
		delete(mapped, page)
		return nil
	}
	allocFrame = func() (mm.Frame, *kernel.Error) {
		t.Fatal("demand-zero reservation should not allocate a frame up front")
		return mm.InvalidFrame, nil
	}
	freeFrame = func(f mm.Frame) *kernel.Error { return nil }
	heapAllocate = func(size uintptr, aligned, zeroed bool) (uintptr, *kernel.Error) {
		buf := make([]byte, size)
		return uintptr(unsafe.Pointer(&buf[0])), nil
	}
	heapFree = func(addr uintptr) *kernel.Error { return nil }

	ctx := newTestContext(t, mm.Page(0x2000), 16)

	r, err := ctx.Reserve(2, 0, mm.InvalidFrame, FlagRW|FlagUser|FlagDemandZero)
	if err != nil {
		t.Fatal(err)
	}

	if gotFlags&vmm.FlagPresent != 0 {
		t.Error("expected the placeholder mapping to leave FlagPresent unset")
	}
	if gotFlags&vmm.FlagDemandZero == 0 {
		t.Error("expected the placeholder mapping to carry FlagDemandZero")
	}
	if gotFlags&vmm.FlagRW == 0 || gotFlags&vmm.FlagUserAccessible == 0 {
		t.Error("expected the placeholder mapping to already carry its eventual RW/user flags")
	}

	if len(mapped) != 2 {
		t.Fatalf("expected 2 placeholder mappings installed; got %d", len(mapped))
	}

	if err := ctx.Release(r); err != nil {
		t.Fatal(err)
	}
}

func TestContextReserveAtSpecificPage(t *testing.T) {
	withMocks(t)

	ctx := newTestContext(t, mm.Page(0), 16)

	at := ctx.base + mm.Page(4)
	r, err := ctx.Reserve(2, at, mm.InvalidFrame, FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	if r.Start != at {
		t.Fatalf("expected range to start at page %d; got %d", at, r.Start)
	}

	if _, err := ctx.Reserve(1, at, mm.InvalidFrame, FlagRW); err != errRangeNotFree {
		t.Fatalf("expected errRangeNotFree for overlapping reservation; got %v", err)
	}
}

func TestContextReserveOutOfSpace(t *testing.T) {
	withMocks(t)

	ctx := newTestContext(t, mm.Page(0), 4)

	if _, err := ctx.Reserve(5, 0, mm.InvalidFrame, FlagRW); err != errOutOfVirtualSpace {
		t.Fatalf("expected errOutOfVirtualSpace; got %v", err)
	}
}

func TestMapAcross(t *testing.T) {
	withMocks(t)

	src := newTestContext(t, mm.Page(0x2000), 16)
	dst := newTestContext(t, mm.Page(0x4000), 16)

	srcRange, err := src.Reserve(2, 0, mm.InvalidFrame, FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	srcAddr := srcRange.Start.Address() + 10

	mappedAddr, r, err := MapAcross(dst, FlagRW, src, srcAddr, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if mappedAddr%mm.PageSize != 10 {
		t.Fatalf("expected the intra-page offset to be preserved; got offset %d", mappedAddr%mm.PageSize)
	}

	if r.Pages != 2 {
		t.Fatalf("expected a 2 page destination range to cover the spill; got %d", r.Pages)
	}

	if r.Flags&FlagFreeOnRelease != 0 {
		t.Fatal("expected MapAcross ranges to never free the source's frames on release")
	}
}
