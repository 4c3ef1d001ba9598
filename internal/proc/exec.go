package proc

import (
	"debug/elf"
	"fmt"

	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/vmm"
)

// UserStackPages is the size of the stack VMA exec() builds for a
// fresh process image.
const UserStackPages = 16
const pageSize = 4096
const userStackTop = vmm.UserSpaceEnd - pageSize

// Exec implements exec(): validate the ELF64 header, build a fresh
// address space, map every PT_LOAD segment with permissions derived
// from its flags, build a 16-page stack VMA, and return the entry
// point and initial stack pointer the caller should resume user mode
// at. The filesystem read that would normally produce image is out of
// scope here (services over IPC, per this kernel's division of
// responsibility) — image is the ELF file's bytes, already in hand.
func Exec(mgr *vmm.Manager, p *Process, image []byte) (entry, sp uint64, err error) {
	f, err := elf.NewFile(byteReaderAt(image))
	if err != nil {
		return 0, 0, errno.New("proc: exec", errno.InvalidArgument)
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_X86_64 || f.Type != elf.ET_EXEC {
		return 0, 0, errno.New("proc: exec", errno.InvalidArgument)
	}

	as, err := mgr.NewAddressSpace()
	if err != nil {
		return 0, 0, fmt.Errorf("proc: exec: %w", err)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		access := segmentAccess(prog.Flags)
		start := prog.Vaddr &^ (pageSize - 1)
		end := (prog.Vaddr + prog.Memsz + pageSize - 1) &^ (pageSize - 1)
		if err := as.MapRegion(start, end-start, access); err != nil {
			as.DecRef()
			return 0, 0, fmt.Errorf("proc: exec: map segment: %w", err)
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			as.DecRef()
			return 0, 0, fmt.Errorf("proc: exec: read segment: %w", err)
		}
		if err := as.CopyToUser(prog.Vaddr, data); err != nil {
			as.DecRef()
			return 0, 0, fmt.Errorf("proc: exec: install segment: %w", err)
		}
	}

	stackStart := uint64(userStackTop - UserStackPages*pageSize)
	if err := as.MapRegion(stackStart, UserStackPages*pageSize, vmm.AccessRead|vmm.AccessWrite|vmm.AccessStack); err != nil {
		as.DecRef()
		return 0, 0, fmt.Errorf("proc: exec: map stack: %w", err)
	}

	old := p.AS
	p.AS = as
	if old != nil {
		old.DecRef()
	}

	return f.Entry, userStackTop, nil
}

func segmentAccess(flags elf.ProgFlag) vmm.Access {
	var a vmm.Access
	if flags&elf.PF_R != 0 {
		a |= vmm.AccessRead
	}
	if flags&elf.PF_W != 0 {
		a |= vmm.AccessWrite
	}
	if flags&elf.PF_X != 0 {
		a |= vmm.AccessExecute
	}
	return a
}

// byteReaderAt adapts a byte slice to io.ReaderAt for elf.NewFile.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, fmt.Errorf("proc: exec: out-of-range read at %d", off)
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("proc: exec: short read")
	}
	return n, nil
}
