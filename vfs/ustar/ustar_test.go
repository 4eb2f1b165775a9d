package ustar

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"simplix/stat"
	"simplix/ustr"
)

// buildArchive packs name/content pairs into a minimal USTAR byte stream,
// standing in for a real archive built by an external tar tool the way
// the original kernel's boot image is assembled.
func buildArchive(files map[string]string) []byte {
	var out []byte
	for name, content := range files {
		hdr := make([]byte, blockSize)
		copy(hdr[0:100], name)
		sizeOctal := strconv.FormatInt(int64(len(content)), 8)
		copy(hdr[124:136], sizeOctal)
		hdr[156] = '0'
		copy(hdr[257:263], "ustar\x00")
		out = append(out, hdr...)
		data := make([]byte, ((len(content)+blockSize-1)/blockSize)*blockSize)
		copy(data, content)
		out = append(out, data...)
	}
	out = append(out, make([]byte, blockSize*2)...) // end-of-archive markers
	return out
}

func TestOpenReadRoundTrip(t *testing.T) {
	archive := buildArchive(map[string]string{"hello.txt": "hello world"})
	fs := New(archive)
	ops := fs.Ops()

	h, errno := ops.Open(ustr.Mk("/hello.txt"), 0)
	require.Zero(t, errno)

	buf := make([]byte, 64)
	n, errno := ops.Read(h, buf, 0)
	require.Zero(t, errno)
	require.Equal(t, "hello world", string(buf[:n]))
}

func TestOpenMissingReturnsENOENT(t *testing.T) {
	fs := New(buildArchive(map[string]string{"a.txt": "a"}))
	_, errno := fs.Ops().Open(ustr.Mk("/missing.txt"), 0)
	require.Equal(t, -2, int(errno))
}

func TestOpenForWriteReturnsEPERM(t *testing.T) {
	fs := New(buildArchive(map[string]string{"a.txt": "a"}))
	_, errno := fs.Ops().Open(ustr.Mk("/a.txt"), 0x40)
	require.Equal(t, -7, int(errno))
}

func TestGetattrPathReportsSize(t *testing.T) {
	fs := New(buildArchive(map[string]string{"a.txt": "abcdef"}))
	var st stat.Stat_t
	errno := fs.Ops().GetattrPath(ustr.Mk("/a.txt"), &st)
	require.Zero(t, errno)
	require.Equal(t, uint(6), st.Size())
}

func TestReaddirListsImmediateChildrenOnly(t *testing.T) {
	fs := New(buildArchive(map[string]string{
		"dir/a.txt":     "a",
		"dir/sub/b.txt": "b",
		"dir/":          "",
	}))
	root, errno := fs.Ops().Open(ustr.Mk("/dir"), 0)
	require.Zero(t, errno)

	var names []string
	errno = fs.Ops().Readdir(root, func(name string) bool {
		names = append(names, name)
		return true
	})
	require.Zero(t, errno)
	require.ElementsMatch(t, []string{"a.txt", "sub"}, names)
}
