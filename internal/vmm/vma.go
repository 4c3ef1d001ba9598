package vmm

// Access flags describe a VMA's permitted operations and nature.
type Access uint32

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute
	AccessShared
	AccessStack
	AccessHeap
	AccessAnonymous
	AccessFile
)

// VMArea is a [Start, End) half-open range with uniform protection.
type VMArea struct {
	Start, End uint64
	Access     Access

	FileOffset uint64
	FileLen    uint64
}

func (v *VMArea) contains(addr uint64) bool { return addr >= v.Start && addr < v.End }

func (v *VMArea) pteFlags() PTEFlags {
	flags := Present | User
	if v.Access&AccessWrite != 0 {
		flags |= Writable
	}
	if v.Access&AccessExecute == 0 {
		flags |= NX
	}
	return flags
}
