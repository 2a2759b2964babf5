package sysctl

import (
	"fmt"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Sync is a live typed view of a kernel variable of fixed width. Every
// Get and Set round-trips through the kernel; nothing is cached. A
// value whose kernel width differs from T fails with ErrTruncated.
type Sync[T constraints.Integer] struct {
	mib MIB
}

// NewSync wraps an already addressed variable.
func NewSync[T constraints.Integer](m MIB) Sync[T] {
	return Sync[T]{mib: m}
}

// SyncByName resolves name and wraps it.
func SyncByName[T constraints.Integer](name string) (Sync[T], error) {
	m, err := Resolve(name)
	if err != nil {
		return Sync[T]{}, err
	}
	return Sync[T]{mib: m}, nil
}

// MIB exposes the underlying address.
func (s Sync[T]) MIB() MIB { return s.mib }

// Get reads the current value.
func (s Sync[T]) Get() (T, error) {
	buf := make([]byte, width[T]())
	n, err := s.mib.Read(buf)
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("%s: %w", s.mib.name, ErrTruncated)
	}
	return decode[T](buf), nil
}

// Set writes a new value.
func (s Sync[T]) Set(v T) error {
	buf := make([]byte, width[T]())
	encode(v, buf)
	return s.mib.Write(buf)
}

// Once is a read once view of a kernel variable. The value is captured
// at construction; construction cannot fail, the fallback is stored on
// any read failure.
type Once[T constraints.Integer] struct {
	value T
}

// NewOnce captures the variable's value, falling back to def.
func NewOnce[T constraints.Integer](def T, m MIB) Once[T] {
	return Once[T]{value: ReadOnce(def, m)}
}

// Value returns the captured value.
func (o Once[T]) Value() T { return o.value }

// ReadOnce reads the variable's value, returning def on any failure.
func ReadOnce[T constraints.Integer](def T, m MIB) T {
	v, err := NewSync[T](m).Get()
	if err != nil {
		return def
	}
	return v
}

func width[T constraints.Integer]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// decode assembles a little-endian value of T's width.
func decode[T constraints.Integer](buf []byte) T {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return T(v)
}

// encode serialises v little-endian into buf.
func encode[T constraints.Integer](v T, buf []byte) {
	u := uint64(v)
	for i := range buf {
		buf[i] = byte(u)
		u >>= 8
	}
}
