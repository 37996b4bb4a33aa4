//go:build linux && !amd64 && !arm64

package native

import "errors"

func registersPC(tid int) (uint64, error) {
	return 0, errors.New("register access not supported on this architecture")
}
