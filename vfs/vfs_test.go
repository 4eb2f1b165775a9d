package vfs_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"simplix/defs"
	"simplix/stat"
	"simplix/ustr"
	"simplix/vfs"
)

// memfs is a tiny in-memory file system used only to exercise the VFS
// dispatch logic, independent of any concrete file system package.
type memfs struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemfs() *memfs { return &memfs{files: map[string][]byte{}} }

func (m *memfs) ops() *vfs.Ops {
	return &vfs.Ops{
		Open: func(path ustr.Ustr, flags int) (vfs.Handle, defs.Err_t) {
			m.mu.Lock()
			defer m.mu.Unlock()
			key := path.String()
			if _, ok := m.files[key]; !ok {
				if flags&defs.O_CREAT == 0 {
					return nil, defs.ENOENT
				}
				m.files[key] = nil
			}
			if flags&defs.O_TRUNC != 0 {
				m.files[key] = nil
			}
			return key, 0
		},
		Read: func(h vfs.Handle, buf []byte, offset int64) (int, defs.Err_t) {
			m.mu.Lock()
			defer m.mu.Unlock()
			data := m.files[h.(string)]
			if offset >= int64(len(data)) {
				return 0, 0
			}
			n := copy(buf, data[offset:])
			return n, 0
		},
		Write: func(h vfs.Handle, buf []byte, offset int64) (int, defs.Err_t) {
			m.mu.Lock()
			defer m.mu.Unlock()
			key := h.(string)
			data := m.files[key]
			end := offset + int64(len(buf))
			if end > int64(len(data)) {
				grown := make([]byte, end)
				copy(grown, data)
				data = grown
			}
			copy(data[offset:], buf)
			m.files[key] = data
			return len(buf), 0
		},
		Getattr: func(h vfs.Handle, st *stat.Stat_t) defs.Err_t {
			m.mu.Lock()
			defer m.mu.Unlock()
			st.Wsize(uint(len(m.files[h.(string)])))
			return 0
		},
		GetattrPath: func(path ustr.Ustr, st *stat.Stat_t) defs.Err_t {
			m.mu.Lock()
			defer m.mu.Unlock()
			data, ok := m.files[path.String()]
			if !ok {
				return defs.ENOENT
			}
			st.Wsize(uint(len(data)))
			return 0
		},
		Unlink: func(path ustr.Ustr) defs.Err_t {
			m.mu.Lock()
			defer m.mu.Unlock()
			key := path.String()
			if _, ok := m.files[key]; !ok {
				return defs.ENOENT
			}
			delete(m.files, key)
			return 0
		},
	}
}

func TestWriteSeekReadRoundTrip(t *testing.T) {
	v := vfs.New(8)
	fs := newMemfs()
	_, errno := v.Mount(ustr.Root(), fs.ops(), nil)
	require.Zero(t, errno)

	of, errno := v.Open(ustr.Mk("/greeting"), defs.O_RDWR|defs.O_CREAT)
	require.Zero(t, errno)

	buf := []byte("Hello User I/O World!")
	n, errno := v.Write(of, buf)
	require.Zero(t, errno)
	require.Equal(t, len(buf), n)

	_, errno = v.Seek(of, -int64(len(buf)), defs.SEEK_CUR)
	require.Zero(t, errno)

	out := make([]byte, len(buf))
	n, errno = v.Read(of, out)
	require.Zero(t, errno)
	require.Equal(t, len(buf), n)
	require.Equal(t, buf, out)
}

func TestUnlinkThenStatPathReturnsENOENT(t *testing.T) {
	v := vfs.New(8)
	fs := newMemfs()
	_, errno := v.Mount(ustr.Root(), fs.ops(), nil)
	require.Zero(t, errno)

	of, errno := v.Open(ustr.Mk("/d"), defs.O_RDWR|defs.O_CREAT)
	require.Zero(t, errno)
	require.Zero(t, v.Close(of))
	require.Zero(t, v.Unlink(ustr.Mk("/d")))

	var st stat.Stat_t
	errno = v.StatPath(ustr.Mk("/d"), &st)
	require.Equal(t, defs.ENOENT, errno)
}

func TestPrefixMonotoneLongestMountWins(t *testing.T) {
	v := vfs.New(8)
	root := newMemfs()
	home := newMemfs()
	_, errno := v.Mount(ustr.Root(), root.ops(), nil)
	require.Zero(t, errno)
	_, errno = v.Mount(ustr.Mk("/home"), home.ops(), nil)
	require.Zero(t, errno)

	_, errno = v.Open(ustr.Mk("/home/x"), defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, errno)
	require.Len(t, home.files, 1)
	require.Len(t, root.files, 0)
}

func TestTooManyOpenFilesReturnsEMFILE(t *testing.T) {
	v := vfs.New(1)
	fs := newMemfs()
	_, errno := v.Mount(ustr.Root(), fs.ops(), nil)
	require.Zero(t, errno)

	of1, errno := v.Open(ustr.Mk("/a"), defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, errno)
	_, errno = v.Open(ustr.Mk("/b"), defs.O_CREAT|defs.O_RDWR)
	require.Equal(t, defs.EMFILE, errno)

	require.Zero(t, v.Close(of1))
	_, errno = v.Open(ustr.Mk("/b"), defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, errno)
}

func TestDupKeepsHandleOpenUntilLastClose(t *testing.T) {
	v := vfs.New(8)
	fs := newMemfs()
	_, errno := v.Mount(ustr.Root(), fs.ops(), nil)
	require.Zero(t, errno)

	of, errno := v.Open(ustr.Mk("/a"), defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, errno)
	v.Dup(of)
	require.Equal(t, 2, of.Ref)

	require.Zero(t, v.Close(of))
	require.Equal(t, 1, of.Ref)
	require.Zero(t, v.Close(of))
}
