//go:build !unix

package spawn

import (
	"fmt"
	"syscall"
)

func detachedAttr() (*syscall.SysProcAttr, error) {
	return nil, fmt.Errorf("%w: inherited ipc descriptors need a unix platform", ErrSpawnFailure)
}
