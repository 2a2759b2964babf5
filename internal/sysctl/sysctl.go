// Package sysctl provides typed access to kernel variables through the
// sysctl(2) management information base.
//
// A variable is addressed by a MIB, constructed either from a fixed,
// well-known OID vector or by resolving a dotted name at runtime. On
// top of the raw Size/Read/Write primitives, Sync is a live typed view
// that round-trips through the kernel on every access and Once is a
// memoised view captured at construction.
package sysctl

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ctlMaxName bounds the depth of an OID vector, from <sys/sysctl.h>.
const ctlMaxName = 24

var (
	// ErrNotFound is returned when the kernel has no such variable.
	ErrNotFound = errors.New("no such sysctl variable")

	// ErrTruncated is returned when a value does not match the
	// caller's buffer, in either direction.
	ErrTruncated = errors.New("sysctl value truncated")

	// ErrDenied is returned on insufficient privileges.
	ErrDenied = errors.New("sysctl access denied")
)

// Func definition for unit testing
var sysctlFunc = rawSysctl

// rawSysctl issues a single sysctl(2) call. oldlen carries the buffer
// length in and the value length out; it may be nil for pure writes.
func rawSysctl(oid []int32, old []byte, oldlen *uintptr, new []byte) error {
	var oldp, newp unsafe.Pointer
	var oldlenp unsafe.Pointer
	if len(old) > 0 {
		oldp = unsafe.Pointer(&old[0])
	}
	if oldlen != nil {
		oldlenp = unsafe.Pointer(oldlen)
	}
	var newlen uintptr
	if len(new) > 0 {
		newp = unsafe.Pointer(&new[0])
		newlen = uintptr(len(new))
	}
	_, _, errno := unix.Syscall6(unix.SYS___SYSCTL,
		uintptr(unsafe.Pointer(&oid[0])), uintptr(len(oid)),
		uintptr(oldp), uintptr(oldlenp),
		uintptr(newp), newlen)
	if errno != 0 {
		return errnoToError(errno)
	}
	return nil
}

// errnoToError maps kernel failures onto the package error taxonomy.
// The kernel reports a too small old buffer as ENOMEM.
func errnoToError(errno unix.Errno) error {
	switch errno {
	case unix.ENOENT:
		return ErrNotFound
	case unix.ENOMEM:
		return ErrTruncated
	case unix.EPERM, unix.EACCES:
		return ErrDenied
	}
	return fmt.Errorf("sysctl: %w", errno)
}

// MIB addresses one kernel variable. The zero value is unusable; build
// instances with Resolve or Address.
type MIB struct {
	name string
	oid  []int32
}

// Resolve translates a dotted variable name into its OID vector using
// the kernel's name lookup node.
func Resolve(name string) (MIB, error) {
	oid := make([]int32, ctlMaxName)
	oidlen := uintptr(len(oid)) * unsafe.Sizeof(oid[0])
	err := sysctlFunc([]int32{0, 3}, int32Bytes(oid), &oidlen, []byte(name))
	if err != nil {
		return MIB{}, fmt.Errorf("%s: %w", name, err)
	}
	return MIB{name: name, oid: oid[:oidlen/unsafe.Sizeof(oid[0])]}, nil
}

// Address constructs a MIB from a fixed, well-known OID vector, e.g.
// Address("hw.ncpu", 6, 3). Construction cannot fail; name is kept for
// diagnostics only.
func Address(name string, oid ...int32) MIB {
	return MIB{name: name, oid: oid}
}

// Name returns the dotted variable name the MIB was built from.
func (m MIB) Name() string { return m.name }

// Size reports the current byte length of the variable's value.
func (m MIB) Size() (int, error) {
	var n uintptr
	if err := sysctlFunc(m.oid, nil, &n, nil); err != nil {
		return 0, fmt.Errorf("%s: %w", m.name, err)
	}
	return int(n), nil
}

// Read fills buf with the variable's value and reports the number of
// bytes retrieved. A buffer smaller than the value fails with
// ErrTruncated.
func (m MIB) Read(buf []byte) (int, error) {
	n := uintptr(len(buf))
	if err := sysctlFunc(m.oid, buf, &n, nil); err != nil {
		return int(n), fmt.Errorf("%s: %w", m.name, err)
	}
	return int(n), nil
}

// Write replaces the variable's value with buf.
func (m MIB) Write(buf []byte) error {
	if err := sysctlFunc(m.oid, nil, nil, buf); err != nil {
		return fmt.Errorf("%s: %w", m.name, err)
	}
	return nil
}

// ReadString retrieves a variable length character string value,
// sized at call time.
func (m MIB) ReadString() (string, error) {
	size, err := m.Size()
	if err != nil {
		return "", err
	}
	buf := make([]byte, size)
	n, err := m.Read(buf)
	if err != nil {
		return "", err
	}
	buf = buf[:n]
	// kernel strings carry a trailing NUL
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

// int32Bytes views an int32 slice as its backing bytes.
func int32Bytes(s []int32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(s[0])))
}
