// Package util contains small generic helpers used across the kernel,
// adapted from the teacher's util package but trimmed to what this
// translation actually needs (no unsafe byte-packing: every consumer here
// works with sized Go integers instead of raw C-style frames).
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b. The original C source
// computed this with `(v + b - 1) / b` where operator precedence made the
// remainder add to the quotient rather than conditionally round up (Design
// Notes §9); Roundup is written to round up explicitly instead.
func Roundup[T Int](v, b T) T {
	if v%b == 0 {
		return v
	}
	return Rounddown(v, b) + b
}
