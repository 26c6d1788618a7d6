// Package logger provides the small set of shared utilities every device in
// this plane relies on: a diagnostic logger, a fatal assertion, and OS
// thread naming for long-lived worker goroutines.
package logger

import (
	"fmt"
	"log"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Logf writes a diagnostic line. Used for recoverable/informational events
// (unmapped dispatch, decoded transfer modes, per-tick timing) that must
// never abort the process.
func Logf(format string, args ...any) {
	log.Printf(format, args...)
}

// Panicf reports an emulator defect or misconfiguration by logging the
// message and panicking with it (log.Panicf); unless a caller recovers the
// panic, this terminates the process. Guest-visible errors (wrong opcode, bad parameters) must never
// reach this; they belong in the emulated register file instead.
func Panicf(format string, args ...any) {
	log.Panicf(format, args...)
}

// Assert calls Panicf with a formatted message if cond is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		Panicf("assertion failed: %s", fmt.Sprintf(format, args...))
	}
}

// NameThread sets the calling OS thread's name, visible in /proc/<pid>/task
// and tools like top -H. The caller must have already called
// runtime.LockOSThread, or the name may end up on the wrong thread the next
// time the goroutine is rescheduled.
func NameThread(name string) {
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(firstBytePtr(name))), 0, 0, 0); err != nil {
		Logf("NameThread(%s): %v", name, err)
	}
}

// firstBytePtr returns a pointer to a NUL-terminated copy of name's bytes,
// as required by PR_SET_NAME.
func firstBytePtr(name string) *byte {
	b := append([]byte(name), 0)

	return &b[0]
}
