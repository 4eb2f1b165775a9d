// Package bpath normalizes paths the way spec.md §4.4 requires: collapse
// duplicate separators, strip a trailing separator, drop "." components,
// and resolve ".." against preceding components without ever climbing
// past root. Grounded on the original kernel's get_abs_path
// (kernel/arch/i386/process/process.c) and the teacher's empty bpath
// stub, whose intended caller (fd.Cwd_t.Canonicalicalpath) is reproduced
// in proc.Cwd below.
package bpath

import "simplix/ustr"

// Canonicalize resolves p (already absolute, i.e. cwd-joined) into its
// normal form: always starts with '/', never ends with '/' unless it is
// exactly "/", and contains no "." or resolvable ".." components.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	parts := p.Split()
	var out []ustr.Ustr
	for _, c := range parts {
		switch {
		case c.Isdot():
			continue
		case c.Isdotdot():
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return ustr.Root()
	}
	res := make(ustr.Ustr, 0, len(p))
	for _, c := range out {
		res = append(res, '/')
		res = append(res, c...)
	}
	return res
}

// Join resolves p against cwd (both already-canonical, cwd absolute):
// absolute p is returned canonicalized on its own; relative p is appended
// to cwd first.
func Join(cwd, p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return Canonicalize(p)
	}
	return Canonicalize(cwd.Extend(p))
}

// Dir and Base split a canonical path into its parent directory and final
// component, the way path resolution walks one component at a time.
func Dir(p ustr.Ustr) ustr.Ustr {
	parts := p.Split()
	if len(parts) <= 1 {
		return ustr.Root()
	}
	var out ustr.Ustr
	for _, c := range parts[:len(parts)-1] {
		out = append(out, '/')
		out = append(out, c...)
	}
	return out
}

func Base(p ustr.Ustr) ustr.Ustr {
	parts := p.Split()
	if len(parts) == 0 {
		return ustr.Root()
	}
	return parts[len(parts)-1]
}
