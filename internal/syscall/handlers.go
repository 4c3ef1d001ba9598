package syscall

import (
	"io"

	"github.com/tinyrange/kcore/internal/cap"
	"github.com/tinyrange/kcore/internal/cpu"
	"github.com/tinyrange/kcore/internal/errno"
	"github.com/tinyrange/kcore/internal/ipc"
	"github.com/tinyrange/kcore/internal/proc"
	"github.com/tinyrange/kcore/internal/sched"
)

// DefaultTable builds the dispatch table with every built-in handler
// registered, per this kernel's fixed syscall ABI.
func DefaultTable() *Table {
	t := NewTable()
	t.Register(SysExit, handleExit)
	t.Register(SysFork, handleFork)
	t.Register(SysExec, handleExec)
	t.Register(SysWait, handleWait)
	t.Register(SysGetpid, handleGetpid)
	t.Register(SysGetppid, handleGetppid)
	t.Register(SysYield, handleYield)
	t.Register(SysRead, handleRead)
	t.Register(SysWrite, handleWrite)
	t.Register(SysIPCSend, handleIPCSend)
	t.Register(SysIPCRecv, handleIPCRecv)
	t.Register(SysEndpointCreate, handleEndpointCreate)
	t.Register(SysEndpointDestroy, handleEndpointDestroy)
	t.Register(SysDebugPrint, handleDebugPrint)
	return t
}

func handleExit(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	args := DecodeArgs(frame)
	proc.Exit(ctx.Sched, ctx.Process, ctx.Thread, int(int64(args.A0)))
	return 0, nil
}

func handleFork(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	child, err := proc.Fork(ctx.Sched, ctx.PIDs, ctx.Process, ctx.Thread, func(self *sched.Thread) {
		// The child's "return from fork" is realized by the caller
		// observing PID 0 via whatever mechanism resumes this
		// goroutine into user mode; there is no trap frame to replay
		// here (Open Question (b), DESIGN.md).
	})
	if err != nil {
		return 0, err
	}
	return uint64(child.PID), nil
}

func handleExec(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	args := DecodeArgs(frame)
	path, err := ctx.Process.AS.CopyStringFromUser(args.A0, 4096)
	if err != nil {
		return 0, err
	}
	image, err := loadImage(path)
	if err != nil {
		return 0, err
	}
	entry, sp, err := proc.Exec(ctx.VMM, ctx.Process, image)
	if err != nil {
		return 0, err
	}
	frame.RIP, frame.RSP = entry, sp
	return 0, nil
}

// loadImage is a seam for the filesystem server this kernel's exec()
// otherwise has no business reading from directly (§1's division of
// responsibility puts filesystems in user space, over IPC).
var loadImage = func(path string) ([]byte, error) {
	return nil, errno.New("proc: exec", errno.NoSuchEntry)
}

func handleWait(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	args := DecodeArgs(frame)
	pid, code, err := proc.Wait(ctx.Sched, ctx.PIDs, ctx.Process, ctx.Thread)
	if err != nil {
		return 0, err
	}
	if args.A0 != 0 {
		var buf [8]byte
		buf[0] = byte(code)
		if err := ctx.Process.AS.CopyToUser(args.A0, buf[:]); err != nil {
			return 0, err
		}
	}
	return uint64(pid), nil
}

func handleGetpid(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	return uint64(ctx.Process.PID), nil
}

func handleGetppid(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	if ctx.Process.Parent == nil {
		return 0, nil
	}
	return uint64(ctx.Process.Parent.PID), nil
}

func handleYield(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	ctx.Sched.Yield(ctx.Thread)
	return 0, nil
}

func handleRead(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	args := DecodeArgs(frame)
	fd, ptr, count := args.A0, args.A1, args.A2
	if fd != 0 {
		return 0, errno.New("read", errno.InvalidArgument)
	}
	if ctx.Stdin == nil {
		return 0, errno.New("read", errno.IO)
	}
	buf := make([]byte, 0, count)
	for uint64(len(buf)) < count {
		b, err := ctx.Stdin.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errno.New("read", errno.IO)
		}
		ctx.Console.Printf("%c", b)
		buf = append(buf, b)
		if b == '\n' {
			break
		}
	}
	if err := ctx.Process.AS.CopyToUser(ptr, buf); err != nil {
		return 0, err
	}
	return uint64(len(buf)), nil
}

func handleWrite(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	args := DecodeArgs(frame)
	fd, ptr, count := args.A0, args.A1, args.A2
	if fd != 1 && fd != 2 {
		return 0, errno.New("write", errno.InvalidArgument)
	}
	buf := make([]byte, count)
	if err := ctx.Process.AS.CopyFromUser(buf, ptr); err != nil {
		return 0, err
	}
	ctx.Console.Write(buf)
	return uint64(len(buf)), nil
}

func endpointFromSlot(ctx *Context, slot uint64, need cap.Rights) (*ipc.Endpoint, error) {
	c, err := ctx.Process.Caps.Lookup(int(slot))
	if err != nil {
		return nil, err
	}
	if c.Kind != cap.KindEndpoint {
		return nil, errno.New("ipc", errno.InvalidArgument)
	}
	if c.Rights&need != need {
		return nil, errno.New("ipc", errno.PermissionDenied)
	}
	ep, ok := c.Object.(*ipc.Endpoint)
	if !ok {
		return nil, errno.New("ipc", errno.InvalidArgument)
	}
	return ep, nil
}

func handleIPCSend(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	args := DecodeArgs(frame)
	ep, err := endpointFromSlot(ctx, args.A0, cap.RightSend)
	if err != nil {
		return 0, err
	}
	msg := &ipc.Message{
		Tag:  ipc.Tag(args.A1),
		Regs: [8]uint64{args.A2, args.A3, args.A4, args.A5},
	}
	if err := ep.Send(msg, false); err != nil {
		return 0, err
	}
	return 0, nil
}

func handleIPCRecv(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	args := DecodeArgs(frame)
	ep, err := endpointFromSlot(ctx, args.A0, cap.RightReceive)
	if err != nil {
		return 0, err
	}
	var msg ipc.Message
	if err := ep.Recv(&msg, false); err != nil {
		return 0, err
	}
	if args.A1 != 0 {
		var tagBuf [8]byte
		putLE64(tagBuf[:], uint64(msg.Tag))
		if err := ctx.Process.AS.CopyToUser(args.A1, tagBuf[:]); err != nil {
			return 0, err
		}
	}
	regPtrs := []uint64{args.A2, args.A3, args.A4, args.A5}
	for i, ptr := range regPtrs {
		if ptr == 0 {
			continue
		}
		var buf [8]byte
		putLE64(buf[:], msg.Regs[i])
		if err := ctx.Process.AS.CopyToUser(ptr, buf[:]); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func handleEndpointCreate(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	args := DecodeArgs(frame)
	ep := ipc.NewEndpoint(ipc.EndpointFlags(args.A0))
	slot, err := ctx.Process.Caps.Insert(cap.KindEndpoint, cap.RightSend|cap.RightReceive|cap.RightGrant|cap.RightRevoke, ep, 0)
	if err != nil {
		return 0, err
	}
	return uint64(slot), nil
}

func handleEndpointDestroy(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	args := DecodeArgs(frame)
	ep, err := endpointFromSlot(ctx, args.A0, 0)
	if err != nil {
		return 0, err
	}
	ep.Destroy()
	return 0, ctx.Process.Caps.Delete(int(args.A0))
}

func handleDebugPrint(ctx *Context, frame *cpu.TrapFrame) (uint64, error) {
	args := DecodeArgs(frame)
	buf := make([]byte, args.A1)
	if err := ctx.Process.AS.CopyFromUser(buf, args.A0); err != nil {
		return 0, err
	}
	ctx.Console.Printf("%s", string(buf))
	return uint64(len(buf)), nil
}
