// Package syscall implements the SYSCALL/SYSRET entry path's dispatch
// table: decoding a trap frame's argument registers, routing to a
// handler by syscall number, and packing the result back into RAX.
package syscall

import (
	"errors"

	"github.com/tinyrange/kcore/internal/cpu"
	"github.com/tinyrange/kcore/internal/errno"
)

// Number is one of the fixed syscall numbers this kernel dispatches.
type Number uint64

const (
	SysExit            Number = 0
	SysFork            Number = 1
	SysExec            Number = 2
	SysWait            Number = 3
	SysGetpid          Number = 4
	SysGetppid         Number = 5
	SysYield           Number = 10
	SysRead            Number = 32
	SysWrite           Number = 33
	SysIPCSend         Number = 50
	SysIPCRecv         Number = 51
	SysEndpointCreate  Number = 60
	SysEndpointDestroy Number = 61
	SysDebugPrint      Number = 99
)

// Handler services one syscall: ctx carries the calling thread/process,
// frame carries the decoded argument registers (RDI, RSI, RDX, R10,
// R8, R9 per this kernel's ABI) and is where the return value is
// written back into RAX.
type Handler func(ctx *Context, frame *cpu.TrapFrame) (uint64, error)

// Table is a sparse syscall-number -> handler map with range-checked
// dispatch.
type Table struct {
	handlers map[Number]Handler
}

// NewTable creates an empty dispatch table; callers register handlers
// with Register or use DefaultTable for the built-in set.
func NewTable() *Table {
	return &Table{handlers: make(map[Number]Handler)}
}

// Register installs fn as the handler for num, replacing any existing
// registration.
func (t *Table) Register(num Number, fn Handler) {
	t.handlers[num] = fn
}

// Args are this kernel's syscall argument registers, in ABI order.
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
}

// DecodeArgs reads the six argument registers off frame in this
// kernel's fixed convention: RDI, RSI, RDX, R10, R8, R9 (R10 stands in
// for RCX, which SYSCALL clobbers with the return address).
func DecodeArgs(frame *cpu.TrapFrame) Args {
	return Args{
		A0: frame.RDI,
		A1: frame.RSI,
		A2: frame.RDX,
		A3: frame.R10,
		A4: frame.R8,
		A5: frame.R9,
	}
}

// Dispatch looks up the syscall number in frame.RAX, invokes its
// handler, and writes the result (or the negative errno code on
// failure) into frame.RAX. Unknown or unregistered numbers fail with
// "not implemented", matching this kernel's syscall-ABI contract.
func (t *Table) Dispatch(ctx *Context, frame *cpu.TrapFrame) {
	num := Number(frame.RAX)
	h, ok := t.handlers[num]
	if !ok {
		frame.RAX = packErr(errno.NotImplemented)
		return
	}
	val, err := h(ctx, frame)
	if err != nil {
		frame.RAX = packErr(codeOf(err))
		return
	}
	frame.RAX = val
}

func codeOf(err error) errno.Code {
	var e *errno.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return errno.IO
}

// packErr encodes a failure as the two's-complement negative of its
// numeric code, the Linux-style convention this kernel's return
// register carries errors in.
func packErr(code errno.Code) uint64 {
	return uint64(-int64(code))
}
