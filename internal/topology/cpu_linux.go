//go:build linux

package topology

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func currentCPU() (int, bool) {
	var cpu, node uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&node)), 0)
	if errno != 0 {
		return 0, false
	}
	return int(cpu), true
}
