package native

import (
	"debug/elf"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

const _AARCH64_GREGS_SIZE = 34 * 8

// user_pt_regs: x0-x30, sp, pc, pstate.
type arm64PtraceRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

func registersPC(tid int) (uint64, error) {
	var regs arm64PtraceRegs
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(&regs)), Len: _AARCH64_GREGS_SIZE}
	_, _, errno := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return regs.Pc, nil
}
