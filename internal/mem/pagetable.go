package mem

import "encoding/binary"

// CacheMode selects the PAT/PCD/PWT encoding applied to a mapping, per
// spec.md §4.1 ("Cache-mode selects one of {write-back, write-through,
// write-combining, uncacheable, write-protected}; the mode is encoded
// into the PTE via a fixed translation table").
type CacheMode int

const (
	WriteBack CacheMode = iota
	WriteThrough
	WriteCombining
	Uncacheable
	WriteProtected
)

// cacheModeBits is the fixed translation table from CacheMode to the
// (PAT, PCD, PWT) triple encoded starting at bit 12/4/3 of a 2 MiB PD
// leaf entry (the MSR referenced in spec.md §6 for cache-mode encoding
// is PAT, programmed once at boot to populate these slots).
var cacheModeBits = [...]uint64{
	WriteBack:      0,
	WriteThrough:   ptePWT,
	WriteCombining: ptePAT,
	Uncacheable:    ptePCD,
	WriteProtected: ptePAT | ptePCD,
}

const (
	ptePresent = 1 << 0
	pteWrite   = 1 << 1
	pteUser    = 1 << 2
	ptePWT     = 1 << 3
	ptePCD     = 1 << 4
	ptePS      = 1 << 7 // page-size bit: set on PD-level 2MiB leaves
	ptePAT     = 1 << 12
	pteAddrMask = 0x000F_FFFF_FFFF_F000
)

func indices(virt VirtAddr) (pml4i, pdpti, pdi int) {
	v := uint64(virt)
	pml4i = int((v >> 39) & 0x1FF)
	pdpti = int((v >> 30) & 0x1FF)
	pdi = int((v >> 21) & 0x1FF)
	return
}

func entryAt(table []byte, index int) uint64 {
	return binary.LittleEndian.Uint64(table[index*8 : index*8+8])
}

func setEntryAt(table []byte, index int, value uint64) {
	binary.LittleEndian.PutUint64(table[index*8:index*8+8], value)
}

func encodeTableEntry(phys PhysAddr) uint64 {
	return ptePresent | pteWrite | pteUser | (uint64(phys) & pteAddrMask)
}

func encodeLeafEntry(phys PhysAddr, mode CacheMode) uint64 {
	bits := ptePresent | pteWrite | pteUser | ptePS
	bits |= cacheModeBits[mode]
	bits |= uint64(phys) & pteAddrMask
	return bits
}

func entryPresent(e uint64) bool {
	return e&ptePresent != 0
}

func entryPhysAddr(e uint64) PhysAddr {
	return PhysAddr(e & pteAddrMask)
}
