package vmm

import "github.com/tinyrange/kcore/internal/errno"

const maxStringLen = 4096

// validateRange checks that [ptr, ptr+length) lies strictly within
// user space, is covered end-to-end by one or more VMAs, and every
// covering VMA carries every flag in need.
func (as *AddressSpace) validateRange(ptr, length uint64, need Access) error {
	if ptr >= UserSpaceEnd || ptr+length > UserSpaceEnd || ptr+length < ptr {
		return errno.New("vmm: validate_range", errno.BadAddress)
	}
	as.lock.Lock()
	defer as.lock.Unlock()

	cur := ptr
	end := ptr + length
	for cur < end {
		v, ok := as.findVMALocked(cur)
		if !ok || v.Access&need != need {
			return errno.New("vmm: validate_range", errno.BadAddress)
		}
		cur = v.End
	}
	return nil
}

// userBytes returns a byte view of [ptr, ptr+length) by walking each
// covered page's PTE and stitching the PMM's per-page byte slices
// together. Assumes validateRange already succeeded.
func (as *AddressSpace) userBytes(ptr, length uint64) ([]byte, error) {
	out := make([]byte, 0, length)
	cur := ptr
	end := ptr + length
	as.lock.Lock()
	defer as.lock.Unlock()
	for cur < end {
		e, ok := as.lookupPTE(cur)
		if !ok || e&uint64(Present) == 0 {
			return nil, errno.New("vmm: copy_user", errno.BadAddress)
		}
		pfn := pfnFromEntry(e)
		pageOff := cur & (pageSize - 1)
		n := pageSize - pageOff
		if remain := end - cur; n > remain {
			n = remain
		}
		out = append(out, as.pm.Bytes(pfn)[pageOff:pageOff+n]...)
		cur += n
	}
	return out, nil
}

// CopyFromUser validates [ptr, ptr+len(dst)) for read access and
// copies it into dst.
func (as *AddressSpace) CopyFromUser(dst []byte, ptr uint64) error {
	if err := as.validateRange(ptr, uint64(len(dst)), AccessRead); err != nil {
		return err
	}
	src, err := as.userBytes(ptr, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// CopyToUser validates [ptr, ptr+len(src)) for write access and copies
// src into it.
func (as *AddressSpace) CopyToUser(ptr uint64, src []byte) error {
	if err := as.validateRange(ptr, uint64(len(src)), AccessWrite); err != nil {
		return err
	}
	cur := ptr
	remaining := src
	as.lock.Lock()
	defer as.lock.Unlock()
	for len(remaining) > 0 {
		e, ok := as.lookupPTE(cur)
		if !ok || e&uint64(Present) == 0 {
			return errno.New("vmm: copy_user", errno.BadAddress)
		}
		pfn := pfnFromEntry(e)
		pageOff := cur & (pageSize - 1)
		n := pageSize - pageOff
		if uint64(len(remaining)) < n {
			n = uint64(len(remaining))
		}
		copy(as.pm.Bytes(pfn)[pageOff:pageOff+n], remaining[:n])
		remaining = remaining[n:]
		cur += n
	}
	return nil
}

// CopyStringFromUser walks byte-by-byte validating each page crossed,
// stopping at a NUL terminator, and fails with errno.Overflow if none
// is found within maxLen bytes; errno has no separate name-too-long code.
func (as *AddressSpace) CopyStringFromUser(ptr uint64, maxLen int) (string, error) {
	if maxLen <= 0 || maxLen > maxStringLen {
		maxLen = maxStringLen
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		var b [1]byte
		if err := as.CopyFromUser(b[:], ptr+uint64(i)); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", errno.New("vmm: copy_string_from_user", errno.Overflow)
}
