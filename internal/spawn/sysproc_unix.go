//go:build unix

package spawn

import "syscall"

// detachedAttr starts the worker in its own session so terminal signals
// aimed at the caller's process group do not reach it.
func detachedAttr() (*syscall.SysProcAttr, error) {
	return &syscall.SysProcAttr{Setsid: true}, nil
}
