package pmm

import (
	"bytes"
	"testing"
	"unsafe"

	"xelix/kernel/hal/multiboot"
	"xelix/kernel/kfmt"
)

func TestBootMemAllocator(t *testing.T) {
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))

	specs := []struct {
		kernelStart, kernelEnd uintptr
		expAllocCount          uint64
	}{
		{
			// the kernel is loaded in a reserved memory region
			0xa0000,
			0xa0000,
			159 + 32480,
		},
		{
			// the kernel is loaded at the beginning of region 1 taking 2.5 pages
			0x0,
			0x2800,
			159 - 3 + 32480,
		},
		{
			// the kernel is loaded at the end of region 1 taking 2.5 pages
			0x9c800,
			0x9f000,
			159 - 3 + 32480,
		},
		{
			// the kernel (after rounding) uses the entire region 1
			0x123,
			0x9fc00,
			32480,
		},
		{
			// the kernel is loaded at region 2 start + 2K taking 1.5 pages
			0x100800,
			0x102000,
			159 + 32480 - 2,
		},
	}

	var alloc BootMemAllocator
	for specIndex, spec := range specs {
		alloc.allocCount = 0
		alloc.lastAllocFrame = 0
		alloc.init(spec.kernelStart, spec.kernelEnd)

		for {
			frame, err := alloc.AllocFrame()
			if err != nil {
				if err == errBootAllocOutOfMemory {
					break
				}
				t.Fatalf("[spec %d] [frame %d] unexpected allocator error: %v", specIndex, alloc.allocCount, err)
			}

			if frame != alloc.lastAllocFrame {
				t.Errorf("[spec %d] expected returned frame to be the same as lastAllocFrame", specIndex)
			}

			if frame >= alloc.kernelStartFrame && frame <= alloc.kernelEndFrame {
				t.Errorf("[spec %d] allocator returned a frame reserved for the kernel image: %d", specIndex, frame)
			}
		}

		if alloc.allocCount != spec.expAllocCount {
			t.Errorf("[spec %d] expected allocator to report %d allocations; got %d", specIndex, spec.expAllocCount, alloc.allocCount)
		}
	}
}

func TestBootMemAllocatorOutOfMemory(t *testing.T) {
	emptyInfoData := []byte{
		0, 0, 0, 0, // size
		0, 0, 0, 0, // reserved
		0, 0, 0, 0, // tag with type zero and length zero
		0, 0, 0, 0,
	}
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&emptyInfoData[0])))

	var alloc BootMemAllocator
	alloc.init(0, 0)

	if _, err := alloc.AllocFrame(); err != errBootAllocOutOfMemory {
		t.Fatalf("expected error %v; got %v", errBootAllocOutOfMemory, err)
	}
}

func TestBootMemAllocatorPrintMemoryMap(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	var alloc BootMemAllocator
	alloc.init(0x100000, 0x1fa7c8)
	alloc.printMemoryMap()

	if buf.Len() == 0 {
		t.Fatal("expected printMemoryMap to produce output")
	}
}

// A dump of multiboot2 data containing only the memory region tag. It
// encodes the following available memory regions as reported by qemu:
// [     0 -   9fc00] length:    654336
// [100000 - 7fe0000] length: 133038080
var multibootMemoryMap = []byte{
	72, 5, 0, 0, 0, 0, 0, 0,
	6, 0, 0, 0, 160, 0, 0, 0, 24, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
	1, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
	0, 4, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 15, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0,
	2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0,
	0, 0, 238, 7, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 254, 7, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0,
	2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 255, 0, 0, 0, 0,
	0, 0, 4, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
	9, 0, 0, 0, 212, 3, 0, 0, 24, 0, 0, 0, 40, 0, 0, 0,
	21, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 27, 0, 0, 0,
	1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 16, 0, 0, 16, 0, 0,
	24, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}
