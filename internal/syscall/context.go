package syscall

import (
	"io"

	"github.com/tinyrange/kcore/internal/console"
	"github.com/tinyrange/kcore/internal/proc"
	"github.com/tinyrange/kcore/internal/sched"
	"github.com/tinyrange/kcore/internal/vmm"
)

// Context bundles everything a handler needs to act on behalf of the
// calling thread: its process, its thread record, and the kernel's
// singletons.
type Context struct {
	Process *proc.Process
	Thread  *sched.Thread

	Sched   *sched.Scheduler
	VMM     *vmm.Manager
	PIDs    *proc.PIDAllocator
	Console *console.Console

	// Stdin stands in for the serial input line fd 0's read pulls
	// from; a real port in cmd/kernel, a bytes.Reader in tests.
	Stdin io.ByteReader
}
