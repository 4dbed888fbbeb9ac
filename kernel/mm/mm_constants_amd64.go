package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// EntriesPerTable is the number of entries in a page table at any level.
	EntriesPerTable = 512

	// canonicalLowEnd is the first address above the lower canonical half
	// and canonicalHighStart is the first address of the upper half. Valid
	// virtual addresses are sign-extended copies of bit 47.
	canonicalLowEnd    = uintptr(0x0000_8000_0000_0000)
	canonicalHighStart = uintptr(0xffff_8000_0000_0000)
)
