package vmm

const (
	// pageLevels indicates the number of page table levels used by 32-bit
	// x86 paging without PAE: a page directory and a page table.
	pageLevels = 2

	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry. Bits 12-31 contain
	// the physical frame address; bits 0-11 are reserved for flags.
	ptePhysPageMask = uintptr(0xfffff000)

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when mapping inactive PDT
	// pages). It uses page directory index 1023 (the recursively mapped
	// entry) and page table index 1022.
	tempMappingAddr = uintptr(0xfffff000 - 0x1000)
)

var (
	// pdtVirtualAddr is a special virtual address that exploits the
	// recursive mapping installed in the last PDT entry to let the MMU
	// itself walk back to the page directory: setting both the directory
	// and table index bits to 1023 lands on the directory page.
	pdtVirtualAddr = uintptr(0xfffff000)

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Both the directory and the table use
	// 10 bits, for 1024 entries apiece.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page
	// table component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 4Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive. It is stored in one of the
	// three bits (9-11) that the MMU ignores and leaves for OS use.
	FlagCopyOnWrite = 1 << 9

	// FlagDemandZero marks a page table entry that has every flag bit it
	// will eventually carry already set except FlagPresent: the virtual
	// page is reserved but has no backing frame yet. The page fault handler
	// allocates and zeroes a frame for it on first access, then sets
	// FlagPresent and clears this flag. Stored in the same OS-available bit
	// range as FlagCopyOnWrite.
	FlagDemandZero = 1 << 10

	// FlagNoExecute has no effect on this architecture: enforcing
	// non-execute permissions on a page requires PAE paging with
	// EFER.NXE set, which this 2-level, non-PAE page table format cannot
	// express. The flag is kept so that architecture-independent callers
	// (e.g. setupPDTForKernel) can always request it; here it is a no-op.
	FlagNoExecute = 0
)
