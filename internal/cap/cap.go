// Package cap implements per-process capability spaces: fixed slot
// tables gating access to kernel objects by kind and rights, with
// generation-based bulk revocation.
package cap

import (
	"unsafe"

	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/ktypes"
)

// Kind names a capability's underlying object type.
type Kind int

const (
	KindNone Kind = iota
	KindEndpoint
	KindNotification
	KindMemory
	KindProcess
	KindThread
	KindReply
)

// Rights is a bitmask of operations a capability permits.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightGrant
	RightRevoke
	RightSend
	RightReceive
)

// Capability is (kind, rights, object pointer, badge, generation): an
// unforgeable handle to a kernel object, scoped to the rights it was
// minted with.
type Capability struct {
	Kind       Kind
	Rights     Rights
	Object     any
	Badge      uint64
	Generation uint64
}

func (c Capability) occupied() bool { return c.Kind != KindNone }

// Space is a per-process table of fixed-width capability slots, a
// free-slot bitmap, and a generation counter bumped on revoke.
type Space struct {
	lock       ktypes.SpinLock
	slots      []Capability
	free       *ktypes.Bitmap
	generation uint64
}

// NewSpace allocates a capability space with the given fixed slot
// count.
func NewSpace(numSlots int) *Space {
	return &Space{
		slots: make([]Capability, numSlots),
		free:  ktypes.NewBitmap(numSlots),
	}
}

// addr is used only to order two spaces for deadlock-free dual
// locking in Copy/Mint across processes.
func (s *Space) addr() uintptr { return uintptr(unsafe.Pointer(s)) }

// lockPair acquires a and b in address order, returning an unlock
// function to defer.
func lockPair(a, b *Space) func() {
	if a == b {
		a.lock.Lock()
		return a.lock.Unlock
	}
	first, second := a, b
	if a.addr() > b.addr() {
		first, second = b, a
	}
	first.lock.Lock()
	second.lock.Lock()
	return func() {
		second.lock.Unlock()
		first.lock.Unlock()
	}
}

// Insert finds a free slot, writes c with the space's current
// generation, and marks it occupied. Returns the assigned slot index.
func (s *Space) Insert(kind Kind, rights Rights, object any, badge uint64) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.insertLocked(kind, rights, object, badge)
}

func (s *Space) insertLocked(kind Kind, rights Rights, object any, badge uint64) (int, error) {
	slot := s.free.FirstClear(0)
	if slot < 0 {
		return 0, errno.New("cap: insert", errno.OutOfMemory)
	}
	s.slots[slot] = Capability{Kind: kind, Rights: rights, Object: object, Badge: badge, Generation: s.generation}
	s.free.Set(slot)
	return slot, nil
}

// Lookup returns the capability at slot if occupied.
func (s *Space) Lookup(slot int) (Capability, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if slot < 0 || slot >= len(s.slots) || !s.free.Test(slot) {
		return Capability{}, errno.New("cap: lookup", errno.NoSuchEntry)
	}
	return s.slots[slot], nil
}

// Delete zeros and frees slot.
func (s *Space) Delete(slot int) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if slot < 0 || slot >= len(s.slots) || !s.free.Test(slot) {
		return errno.New("cap: delete", errno.NoSuchEntry)
	}
	s.slots[slot] = Capability{}
	s.free.Clear(slot)
	return nil
}

// Copy duplicates the capability at srcSlot of src into dest,
// requiring the source to carry RightGrant. The destination inherits
// rights and object unchanged. src and dest may be the same space or
// different processes' spaces; locks are acquired in address order to
// prevent deadlock across concurrent cross-space operations.
func Copy(src *Space, srcSlot int, dest *Space) (int, error) {
	unlock := lockPair(src, dest)
	defer unlock()

	c := src.slots[srcSlot]
	if !src.free.Test(srcSlot) || !c.occupied() {
		return 0, errno.New("cap: copy", errno.NoSuchEntry)
	}
	if c.Rights&RightGrant == 0 {
		return 0, errno.New("cap: copy", errno.PermissionDenied)
	}
	return dest.insertLocked(c.Kind, c.Rights, c.Object, c.Badge)
}

// Mint is Copy with a reduced rights mask (intersected with the
// source's rights) and a caller-supplied badge distinguishing the new
// handle from its source.
func Mint(src *Space, srcSlot int, dest *Space, rightsMask Rights, badge uint64) (int, error) {
	unlock := lockPair(src, dest)
	defer unlock()

	c := src.slots[srcSlot]
	if !src.free.Test(srcSlot) || !c.occupied() {
		return 0, errno.New("cap: mint", errno.NoSuchEntry)
	}
	if c.Rights&RightGrant == 0 {
		return 0, errno.New("cap: mint", errno.PermissionDenied)
	}
	rights := c.Rights & rightsMask
	if rights == 0 {
		return 0, errno.New("cap: mint", errno.PermissionDenied)
	}
	return dest.insertLocked(c.Kind, rights, c.Object, badge)
}

// Revoke requires RightRevoke on the capability at slot and bumps the
// space's generation counter. Every capability handle a caller cached
// with an older generation is invalid on its next IsValid check, the
// coarse bulk-revocation model; slot contents are untouched, so a
// fresh Lookup still returns a capability, just one that compares
// stale against the bumped generation until re-derived.
func (s *Space) Revoke(slot int) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if slot < 0 || slot >= len(s.slots) || !s.free.Test(slot) {
		return errno.New("cap: revoke", errno.NoSuchEntry)
	}
	if s.slots[slot].Rights&RightRevoke == 0 {
		return errno.New("cap: revoke", errno.PermissionDenied)
	}
	s.generation++
	return nil
}

// IsValid reports whether c's recorded generation is still current.
func (s *Space) IsValid(c Capability) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return c.Generation >= s.generation
}
