// Package util carries small generic helpers shared across packages.
package util

import "golang.org/x/exp/constraints"

// Clamp bounds v to the closed interval [lo, hi]. With inverted bounds
// the nested min/max resolves to hi.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	return min(max(v, lo), hi)
}
