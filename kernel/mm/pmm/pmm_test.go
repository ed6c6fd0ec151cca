package pmm

import (
	"testing"
	"unsafe"

	"xelix/kernel"
	"xelix/kernel/hal/multiboot"
	"xelix/kernel/mm"
	"xelix/kernel/mm/vmm"
)

func TestInit(t *testing.T) {
	defer func() {
		mapFn = vmm.Map
		reserveRegionFn = vmm.EarlyReserveRegion
		mm.SetFrameAllocator(nil)
		bootMemAllocator = BootMemAllocator{}
		bitmapAllocator = BitmapAllocator{}
	}()

	physMem := make([]byte, 2*mm.PageSize)
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))

	t.Run("success", func(t *testing.T) {
		mapFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
			return nil
		}
		reserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
			return uintptr(unsafe.Pointer(&physMem[0])), nil
		}

		if err := Init(0x100000, 0x1fa7c8); err != nil {
			t.Fatal(err)
		}

		if _, err := mm.AllocFrame(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("setupPoolBitmaps error", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "something went wrong"}

		mapFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
			return expErr
		}

		if err := Init(0x100000, 0x1fa7c8); err != expErr {
			t.Fatalf("expected to get error: %v; got %v", expErr, err)
		}
	})
}

func TestFreeFrame(t *testing.T) {
	defer func() { bitmapAllocator = BitmapAllocator{} }()

	bitmapAllocator = BitmapAllocator{
		pools: []framePool{
			{startFrame: mm.Frame(0), endFrame: mm.Frame(7), freeCount: 7, freeBitmap: []uint64{1 << 63}},
		},
		totalPages:    8,
		reservedPages: 1,
	}

	if err := FreeFrame(mm.Frame(0)); err != nil {
		t.Fatal(err)
	}

	if bitmapAllocator.pools[0].freeCount != 8 {
		t.Fatalf("expected free count to be 8; got %d", bitmapAllocator.pools[0].freeCount)
	}
}
