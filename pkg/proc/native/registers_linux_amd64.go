package native

import (
	sys "golang.org/x/sys/unix"
)

func registersPC(tid int) (uint64, error) {
	var regs sys.PtraceRegs
	if err := sys.PtraceGetRegs(tid, &regs); err != nil {
		return 0, err
	}
	return regs.Rip, nil
}
