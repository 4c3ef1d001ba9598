// Package console implements the kernel's serial early console and the
// locked, formatted print spec.md §2 calls out as its own layer. It is
// grounded on the teacher's internal/debug.Debug — a mutex-guarded
// writer shared by many goroutines — generalized from a binary trace
// format to the kernel's line-oriented printf/panic-dump console.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// Console is a lock-guarded writer: Printf holds the lock across
// formatting and the write, so two kernel threads printing concurrently
// never interleave partial lines (spec.md §2's "locked formatted print").
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	color  bool
}

// New wraps w (a serial-port stand-in: os.Stdout in cmd/kernel, a
// bytes.Buffer in tests) as a Console. color enables ANSI SGR
// highlighting of panic banners.
func New(w io.Writer, color bool) *Console {
	return &Console{w: w, color: color}
}

// Printf writes a formatted line under the console lock. A trailing
// newline is added if msg doesn't already end in one.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	io.WriteString(c.w, msg)
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		io.WriteString(c.w, "\n")
	}
}

// Write implements io.Writer directly, for callers (e.g. a raw serial
// echo loop) that already have fully-formatted bytes.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

// RegisterFrame is the minimal register set a panic dump prints; the
// real trap frame layout is cpu.TrapFrame in internal/cpu, this is just the
// subset worth showing a human.
type RegisterFrame struct {
	RIP, RSP, RBP                     uint64
	RAX, RBX, RCX, RDX, RSI, RDI       uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	RFLAGS                              uint64
	ErrorCode                           uint64
}

// PanicDump formats a register dump (spec.md §7's panic disposition),
// optionally highlighting the banner with ANSI SGR codes, then invokes
// halt. halt is injected so tests can observe a panic without the real
// "disable interrupts and loop forever" behavior.
func (c *Console) PanicDump(msg string, regs RegisterFrame, cr2 *uint64, halt func()) {
	c.mu.Lock()
	banner := "!!! KERNEL PANIC !!!"
	if c.color {
		banner = ansi.Bold(banner)
	}
	fmt.Fprintf(c.w, "%s\n%s\n", banner, msg)
	fmt.Fprintf(c.w, "RIP=%#016x RSP=%#016x RBP=%#016x\n", regs.RIP, regs.RSP, regs.RBP)
	fmt.Fprintf(c.w, "RAX=%#016x RBX=%#016x RCX=%#016x RDX=%#016x\n", regs.RAX, regs.RBX, regs.RCX, regs.RDX)
	fmt.Fprintf(c.w, "RSI=%#016x RDI=%#016x R8=%#016x R9=%#016x\n", regs.RSI, regs.RDI, regs.R8, regs.R9)
	fmt.Fprintf(c.w, "R10=%#016x R11=%#016x R12=%#016x R13=%#016x\n", regs.R10, regs.R11, regs.R12, regs.R13)
	fmt.Fprintf(c.w, "R14=%#016x R15=%#016x RFLAGS=%#016x\n", regs.R14, regs.R15, regs.RFLAGS)
	if cr2 != nil {
		fmt.Fprintf(c.w, "CR2=%#016x ERR=%#x\n", *cr2, regs.ErrorCode)
	}
	c.mu.Unlock()

	if halt != nil {
		halt()
	}
}
