//go:build !linux

package native

import (
	"fmt"
	"runtime"

	"github.com/spelunkdbg/spelunk/pkg/proc"
)

// Attach is not implemented outside of Linux.
func Attach(pid int) (proc.Process, error) {
	return nil, fmt.Errorf("native debugging is not supported on %s", runtime.GOOS)
}
