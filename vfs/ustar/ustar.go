// Package ustar implements the read-only USTAR archive file system of
// spec §4.5 and §6: a sequence of 512-byte metadata blocks each followed
// by the file's data blocks (rounded up to 512), octal sizes, and a
// "ustar" magic at offset 257. Grounded on the original kernel's
// ustar.c/tar.c mount-at-boot root file system (SPEC_FULL.md E2E scenario
// 1: "mounts USTAR at /"); the teacher's own fs package models a
// different, richer on-disk format (blk.go/super.go) not reused here
// since USTAR's layout is fixed by the format, not by kernel design
// choice.
package ustar

import (
	"strconv"
	"strings"

	"simplix/defs"
	"simplix/stat"
	"simplix/ustr"
	"simplix/vfs"
)

const blockSize = 512

// entry is one parsed USTAR header: a file's name, size, and the block
// offset (from the start of the archive) where its data begins.
type entry struct {
	name     string
	size     int64
	dataBase int64
	typeflag byte
}

// FS is a mounted USTAR archive: an immutable blob plus its parsed
// directory of entries, built once at mount time (spec §4.5: "Look-up
// scans from the mount's starting block, decoding octal sizes to skip
// over files").
type FS struct {
	data    []byte
	entries []entry
	byName  map[string]entry
}

// New parses data (the raw archive bytes starting at the mount's block)
// into an FS. Parsing stops at the first all-zero header block, or when
// data is exhausted, whichever comes first.
func New(data []byte) *FS {
	fs := &FS{data: data, byName: map[string]entry{}}
	off := int64(0)
	for off+blockSize <= int64(len(data)) {
		hdr := data[off : off+blockSize]
		if isZeroBlock(hdr) {
			break
		}
		if string(hdr[257:262]) != "ustar" {
			break
		}
		name := cstr(hdr[0:100])
		size := parseOctal(hdr[124:136])
		typeflag := hdr[156]
		e := entry{name: name, size: size, dataBase: off + blockSize, typeflag: typeflag}
		fs.entries = append(fs.entries, e)
		fs.byName[strings.TrimSuffix(name, "/")] = e
		dataBlocks := (size + blockSize - 1) / blockSize
		off += blockSize + dataBlocks*blockSize
	}
	return fs
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func parseOctal(b []byte) int64 {
	s := strings.TrimSpace(strings.TrimRight(cstr(b), "\x00"))
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0
	}
	return n
}

func key(path ustr.Ustr) string {
	s := path.String()
	return strings.TrimPrefix(strings.TrimSuffix(s, "/"), "/")
}

// Ops returns the read-only vtable binding fs as a VFS mount.
func (fs *FS) Ops() *vfs.Ops {
	return &vfs.Ops{
		Open: func(path ustr.Ustr, flags int) (vfs.Handle, defs.Err_t) {
			if flags&(defs.O_WRONLY|defs.O_RDWR|defs.O_CREAT) != 0 {
				return nil, defs.EPERM
			}
			e, ok := fs.byName[key(path)]
			if !ok {
				return nil, defs.ENOENT
			}
			return e, 0
		},
		Read: func(h vfs.Handle, buf []byte, offset int64) (int, defs.Err_t) {
			e := h.(entry)
			if offset >= e.size {
				return 0, 0
			}
			end := offset + int64(len(buf))
			if end > e.size {
				end = e.size
			}
			n := copy(buf, fs.data[e.dataBase+offset:e.dataBase+end])
			return n, 0
		},
		Getattr: func(h vfs.Handle, st *stat.Stat_t) defs.Err_t {
			e := h.(entry)
			st.Wsize(uint(e.size))
			if e.typeflag == '5' {
				st.Wmode(stat.ModeDir)
			}
			return 0
		},
		GetattrPath: func(path ustr.Ustr, st *stat.Stat_t) defs.Err_t {
			e, ok := fs.byName[key(path)]
			if !ok {
				if key(path) == "" {
					st.Wmode(stat.ModeDir)
					return 0
				}
				return defs.ENOENT
			}
			st.Wsize(uint(e.size))
			if e.typeflag == '5' {
				st.Wmode(stat.ModeDir)
			}
			return 0
		},
		Readdir: func(h vfs.Handle, fill func(name string) bool) defs.Err_t {
			dir := h.(entry)
			prefix := dir.name
			if prefix != "" && !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}
			seen := map[string]bool{}
			for _, e := range fs.entries {
				rest := strings.TrimPrefix(e.name, prefix)
				if rest == e.name || rest == "" {
					continue
				}
				if i := strings.IndexByte(rest, '/'); i >= 0 {
					rest = rest[:i]
				}
				if seen[rest] {
					continue
				}
				seen[rest] = true
				if !fill(rest) {
					return 0
				}
			}
			return 0
		},
	}
}
