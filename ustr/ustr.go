// Package ustr provides an immutable byte-slice path/string type used
// throughout the VFS and process layers, grounded on the teacher's
// ustr.Ustr (biscuit/src/ustr/ustr.go).
package ustr

// Ustr is an immutable path or name, stored as raw bytes so file systems
// that deal in 8.3/UCS-2 names don't round-trip through Go string
// validation on every comparison.
type Ustr []byte

// Mk converts a Go string to a Ustr.
func Mk(s string) Ustr { return Ustr(s) }

// Root is "/".
func Root() Ustr { return Ustr("/") }

// Dot is ".".
func Dot() Ustr { return Ustr(".") }

// DotDot is "..".
var DotDot = Ustr{'.', '.'}

func (us Ustr) Isdot() bool    { return len(us) == 1 && us[0] == '.' }
func (us Ustr) Isdotdot() bool { return len(us) == 2 && us[0] == '.' && us[1] == '.' }

// Eq compares two Ustr values byte-for-byte.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

// Extend appends '/' and p, returning a new Ustr.
func (us Ustr) Extend(p Ustr) Ustr {
	out := make(Ustr, 0, len(us)+1+len(p))
	out = append(out, us...)
	out = append(out, '/')
	out = append(out, p...)
	return out
}

// ExtendStr is Extend taking a plain string.
func (us Ustr) ExtendStr(p string) Ustr { return us.Extend(Ustr(p)) }

func (us Ustr) String() string { return string(us) }

// Split breaks a Ustr into '/'-separated components, dropping empties
// (so "/a//b/" yields ["a", "b"]).
func (us Ustr) Split() []Ustr {
	var out []Ustr
	start := -1
	for i := 0; i <= len(us); i++ {
		if i < len(us) && us[i] != '/' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, us[start:i])
			start = -1
		}
	}
	return out
}
