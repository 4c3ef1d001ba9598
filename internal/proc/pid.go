// Package proc implements process and thread records, PID allocation,
// and the fork/exec/exit/wait process lifecycle on top of internal/vmm
// address spaces and internal/sched run queues.
package proc

import (
	"sync"

	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/ktypes"
)

// MaxPIDs is the PID bitmap's width; PID 0 is reserved for the
// idle/kernel role and never allocated.
const MaxPIDs = 32768

// PIDAllocator hands out the lowest free PID at or after a rotating
// cursor, wrapping around, so recently-freed low PIDs are not reused
// immediately.
type PIDAllocator struct {
	lock   ktypes.SpinLock
	bitmap *ktypes.Bitmap
	cursor int
}

// NewPIDAllocator creates an allocator with PID 0 pre-marked used.
func NewPIDAllocator() *PIDAllocator {
	a := &PIDAllocator{bitmap: ktypes.NewBitmap(MaxPIDs), cursor: 1}
	a.bitmap.Set(0)
	return a
}

// Alloc returns the lowest free PID at or after the cursor, wrapping
// once, or fails if the bitmap is fully occupied.
func (a *PIDAllocator) Alloc() (int, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	pid := a.bitmap.FirstClear(a.cursor)
	if pid < 0 {
		return 0, errno.New("proc: alloc_pid", errno.OutOfMemory)
	}
	a.bitmap.Set(pid)
	a.cursor = pid + 1
	if a.cursor >= MaxPIDs {
		a.cursor = 1
	}
	return pid, nil
}

// Free returns pid to the pool.
func (a *PIDAllocator) Free(pid int) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if pid <= 0 || pid >= MaxPIDs {
		return
	}
	a.bitmap.Clear(pid)
}

var (
	globalPIDsOnce sync.Once
	globalPIDs     *PIDAllocator
)

// GlobalPIDs returns the process-wide PID allocator, created on first
// use — the module-local singleton this design calls for.
func GlobalPIDs() *PIDAllocator {
	globalPIDsOnce.Do(func() { globalPIDs = NewPIDAllocator() })
	return globalPIDs
}
