package fat32

import (
	"strings"
	"time"

	"simplix/defs"
	"simplix/stat"
	"simplix/ustr"
	"simplix/vfs"
)

// handle is the vfs.Handle a FAT32 mount hands back from Open: the
// resolved dirent plus a fully-buffered copy of its data, flushed back to
// disk on Close. Buffering the whole file trades memory for a far
// simpler write path than chasing the cluster chain on every partial
// write; SPEC_FULL.md's FAT32 section does not bound file size tightly
// enough to make this unsafe for the images this kernel boots from.
type handle struct {
	fs      *FS
	dir     dirent
	pathKey string
	data    []byte
	dirty   bool
	isDir   bool
}

func canonKey(path ustr.Ustr) string {
	return strings.ToUpper(strings.Trim(path.String(), "/"))
}

// splitParent divides a residual path into its parent directory's
// segments and the final component name.
func splitParent(path ustr.Ustr) ([]ustr.Ustr, ustr.Ustr) {
	parts := path.Split()
	if len(parts) == 0 {
		return nil, nil
	}
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// readDirEntries decodes every live entry in the directory whose data
// chain starts at cluster, assembling long names from the LFN fragments
// that precede each short entry (fat32_iterate_dir).
func (fs *FS) readDirEntries(cluster uint32) ([]dirent, error) {
	raw, errno := fs.readClusterChain(cluster)
	if errno != 0 {
		return nil, errBadFAT32
	}
	var out []dirent
	var lfnParts []string
	for i := 0; i+dirEntrySize <= len(raw); i += dirEntrySize {
		rec := raw[i : i+dirEntrySize]
		if rec[0] == 0x00 {
			break // end-of-directory marker
		}
		if rec[0] == 0xE5 {
			lfnParts = nil
			continue // deleted entry
		}
		if rec[11] == attrLFN {
			_, text, isLast := parseLFNEntry(rec)
			if isLast {
				lfnParts = []string{text}
			} else {
				lfnParts = append([]string{text}, lfnParts...)
			}
			continue
		}
		d := parseShortEntry(rec)
		if len(lfnParts) > 0 {
			d.longName = strings.Join(lfnParts, "")
			lfnParts = nil
		}
		d.dirCluster = cluster
		d.entryIndex = i / dirEntrySize
		out = append(out, d)
	}
	return out, nil
}

func nameMatches(d dirent, name string) bool {
	if d.longName != "" {
		return strings.EqualFold(d.longName, name)
	}
	return strings.EqualFold(d.shortName, name)
}

// lookupInDir finds name among dirCluster's entries.
func (fs *FS) lookupInDir(dirCluster uint32, name string) (dirent, bool) {
	entries, err := fs.readDirEntries(dirCluster)
	if err != nil {
		return dirent{}, false
	}
	for _, d := range entries {
		if nameMatches(d, name) {
			return d, true
		}
	}
	return dirent{}, false
}

// resolve walks path's components from the root cluster, returning the
// final dirent (the root itself if path is "/").
func (fs *FS) resolve(path ustr.Ustr) (dirent, defs.Err_t) {
	if path.Eq(ustr.Root()) || len(path) == 0 {
		return dirent{shortName: "/", attr: attrDir, cluster: fs.boot.rootCluster}, 0
	}
	key := canonKey(path)
	if cached, ok := fs.cache.Get(key); ok {
		return cached.(dirent), 0
	}
	cur := dirent{attr: attrDir, cluster: fs.boot.rootCluster}
	for _, seg := range path.Split() {
		if !cur.isDir() {
			return dirent{}, defs.ENOTDIR
		}
		next, ok := fs.lookupInDir(cur.cluster, seg.String())
		if !ok {
			return dirent{}, defs.ENOENT
		}
		cur = next
	}
	fs.cache.Set(key, cur)
	return cur, 0
}

// resolveParentDir walks path's parent components, returning the parent
// directory's dirent and the final path component's name.
func (fs *FS) resolveParentDir(path ustr.Ustr) (dirent, string, defs.Err_t) {
	parentParts, last := splitParent(path)
	parent := dirent{attr: attrDir, cluster: fs.boot.rootCluster}
	for _, seg := range parentParts {
		next, ok := fs.lookupInDir(parent.cluster, seg.String())
		if !ok {
			return dirent{}, "", defs.ENOENT
		}
		if !next.isDir() {
			return dirent{}, "", defs.ENOTDIR
		}
		parent = next
	}
	return parent, last.String(), 0
}

// entryRaw renders the 11-byte padded short-name field used both as a
// directory record and as the LFN checksum input.
func shortNameRawBytes(shortName string) []byte {
	name, ext := split83(shortName)
	out := make([]byte, 0, 11)
	out = append(out, padRight(name, 8)...)
	out = append(out, padRight(ext, 3)...)
	return out
}

// uniqueShortName derives an 8.3 short name for longName that does not
// collide with any entry already in dirCluster (fat32_set_numeric_tail).
func (fs *FS) uniqueShortName(dirCluster uint32, longName string) string {
	if shortNameIsValid(longName) {
		return strings.ToUpper(longName)
	}
	base := buildShortName(longName)
	entries, _ := fs.readDirEntries(dirCluster)
	collides := func(cand string) bool {
		for _, e := range entries {
			if strings.EqualFold(e.shortName, cand) {
				return true
			}
		}
		return false
	}
	if !collides(base) {
		return base
	}
	for n := 1; n < 1000000; n++ {
		cand := withNumericTail(base, n)
		if !collides(cand) {
			return cand
		}
	}
	return base // unreachable in practice
}

// appendEntries writes raw (one short entry, optionally preceded by LFN
// fragments) at the end of dirCluster's entry stream, growing the chain
// by one cluster if the current one has no room, and returns the index
// (within the whole chain) the short entry landed at.
func (fs *FS) appendEntries(dirCluster uint32, raws [][]byte) (int, defs.Err_t) {
	data, errno := fs.readClusterChain(dirCluster)
	if errno != 0 {
		return 0, errno
	}
	end := len(data)
	for i := 0; i+dirEntrySize <= len(data); i += dirEntrySize {
		if data[i] == 0x00 {
			end = i
			break
		}
	}
	need := len(raws) * dirEntrySize
	if end+need+dirEntrySize > len(data) {
		// grow the chain by enough whole clusters to hold the new entries
		// plus a trailing terminator.
		clusterSize := fs.clusterByteSize()
		lastCluster := dirCluster
		for {
			next, status := fs.nextCluster(lastCluster)
			if status != clusterUsed {
				break
			}
			lastCluster = next
		}
		extra := (end + need + dirEntrySize - len(data) + clusterSize - 1) / clusterSize
		if extra < 1 {
			extra = 1
		}
		if _, errno := fs.allocateClusters(lastCluster, extra); errno != 0 {
			return 0, errno
		}
		data, errno = fs.readClusterChain(dirCluster)
		if errno != 0 {
			return 0, errno
		}
	}
	at := end
	for _, r := range raws {
		copy(data[at:at+dirEntrySize], r)
		at += dirEntrySize
	}
	if errno := fs.writeClusterChain(dirCluster, data); errno != 0 {
		return 0, errno
	}
	return end / dirEntrySize, 0
}

// updateEntry rewrites the 32-byte short record at d's recorded position
// with new size/cluster/mtime.
func (fs *FS) updateEntry(d dirent, size uint32, cluster uint32, mtime time.Time) defs.Err_t {
	data, errno := fs.readClusterChain(d.dirCluster)
	if errno != 0 {
		return errno
	}
	off := d.entryIndex * dirEntrySize
	if off+dirEntrySize > len(data) {
		return defs.ENOENT
	}
	encodeShortEntry(data[off:off+dirEntrySize], d.shortName, d.attr, cluster, size, mtime)
	return fs.writeClusterChain(d.dirCluster, data)
}

// removeEntry marks d's short record (and any LFN fragments directly
// before it, up to the previous short/terminator record) as deleted.
func (fs *FS) removeEntry(d dirent) defs.Err_t {
	data, errno := fs.readClusterChain(d.dirCluster)
	if errno != 0 {
		return errno
	}
	idx := d.entryIndex
	for idx >= 0 {
		off := idx * dirEntrySize
		if off+dirEntrySize > len(data) {
			break
		}
		wasLFN := data[off+11] == attrLFN
		data[off] = 0xE5
		if !wasLFN {
			break
		}
		idx--
	}
	return fs.writeClusterChain(d.dirCluster, data)
}

// Ops returns the vtable binding fs as a VFS mount.
func (fs *FS) Ops() *vfs.Ops {
	return &vfs.Ops{
		Open:        fs.opOpen,
		Close:       fs.opClose,
		Read:        fs.opRead,
		Write:       fs.opWrite,
		Truncate:    fs.opTruncate,
		Getattr:     fs.opGetattr,
		GetattrPath: fs.opGetattrPath,
		Readdir:     fs.opReaddir,
		Mkdir:       fs.opMkdir,
		Rmdir:       fs.opRmdir,
		Unlink:      fs.opUnlink,
		Rename:      fs.opRename,
	}
}

func (fs *FS) opOpen(path ustr.Ustr, flags int) (vfs.Handle, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d, errno := fs.resolve(path)
	if errno == defs.ENOENT && flags&defs.O_CREAT != 0 {
		parent, name, perrno := fs.resolveParentDir(path)
		if perrno != 0 {
			return nil, perrno
		}
		nd, cerrno := fs.createEntry(parent, name, 0)
		if cerrno != 0 {
			return nil, cerrno
		}
		d = nd
	} else if errno != 0 {
		return nil, errno
	}
	if d.isDir() && flags&(defs.O_WRONLY|defs.O_RDWR) != 0 {
		return nil, defs.EISDIR
	}
	var data []byte
	if !d.isDir() {
		var rerrno defs.Err_t
		data, rerrno = fs.readClusterChain(d.cluster)
		if rerrno != 0 {
			return nil, rerrno
		}
		if flags&defs.O_TRUNC != 0 {
			data = nil
		}
		if int(d.size) < len(data) {
			data = data[:d.size]
		}
	}
	h := &handle{fs: fs, dir: d, pathKey: canonKey(path), data: data, isDir: d.isDir()}
	if flags&defs.O_TRUNC != 0 {
		h.dirty = true
	}
	fs.cache.Del(h.pathKey)
	fs.cache.Set(h.pathKey, d)
	return h, 0
}

// createEntry allocates a first cluster (directories only; files start
// with cluster 0 and grow lazily on write) and appends a short entry (and
// LFN fragments if the name needs them) into parent's directory.
func (fs *FS) createEntry(parent dirent, name string, attr uint8) (dirent, defs.Err_t) {
	short := fs.uniqueShortName(parent.cluster, name)
	raws := [][]byte{make([]byte, dirEntrySize)}
	mtime := fs.clock.Now()
	encodeShortEntry(raws[0], short, attr, 0, 0, mtime)
	if !strings.EqualFold(short, name) {
		lfns := encodeLFNEntries(name, shortNameRawBytes(short))
		raws = append(lfns, raws[0])
	}
	idx, errno := fs.appendEntries(parent.cluster, raws)
	if errno != 0 {
		return dirent{}, errno
	}
	return dirent{
		shortName:  short,
		longName:   name,
		attr:       attr,
		mtime:      mtime,
		dirCluster: parent.cluster,
		entryIndex: idx,
	}, 0
}

func (fs *FS) opClose(h vfs.Handle) defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	hh := h.(*handle)
	if !hh.dirty {
		return 0
	}
	if err := fs.flush(hh); err != 0 {
		return err
	}
	return 0
}

func (fs *FS) flush(hh *handle) defs.Err_t {
	clusterSize := fs.clusterByteSize()
	needClusters := (len(hh.data) + clusterSize - 1) / clusterSize
	haveClusters := fs.chainLength(hh.dir.cluster)
	cluster := hh.dir.cluster
	if cluster == 0 && needClusters > 0 {
		first, errno := fs.allocateClusters(0, needClusters)
		if errno != 0 {
			return errno
		}
		cluster = first
	} else if needClusters > haveClusters {
		if _, errno := fs.allocateClusters(fs.lastInChain(cluster), needClusters-haveClusters); errno != 0 {
			return errno
		}
	} else if needClusters < haveClusters && needClusters > 0 {
		cut := fs.nthInChain(cluster, needClusters-1)
		tail, _ := fs.nextCluster(cut)
		saved := append([]uint32{}, fs.fat...)
		fs.fat[cut] = (fs.fat[cut] &^ clusterMask) | clusterEOCValue
		if err := fs.writeFAT(saved); err != nil {
			fs.fat = saved
			return defs.EIO
		}
		fs.freeChain(tail)
	}
	if len(hh.data) > 0 {
		if errno := fs.writeClusterChain(cluster, hh.data); errno != 0 {
			return errno
		}
	}
	mtime := fs.clock.Now()
	if errno := fs.updateEntry(hh.dir, uint32(len(hh.data)), cluster, mtime); errno != 0 {
		return errno
	}
	hh.dir.cluster = cluster
	hh.dir.size = uint32(len(hh.data))
	hh.dir.mtime = mtime
	hh.dirty = false
	fs.cache.Del(hh.pathKey)
	fs.cache.Set(hh.pathKey, hh.dir)
	return 0
}

func (fs *FS) lastInChain(cluster uint32) uint32 {
	if cluster == 0 {
		return 0
	}
	cur := cluster
	for {
		next, status := fs.nextCluster(cur)
		if status != clusterUsed {
			return cur
		}
		cur = next
	}
}

func (fs *FS) nthInChain(cluster uint32, n int) uint32 {
	cur := cluster
	for i := 0; i < n; i++ {
		next, status := fs.nextCluster(cur)
		if status != clusterUsed && status != clusterEOC {
			return cur
		}
		cur = next
	}
	return cur
}

func (fs *FS) opRead(h vfs.Handle, buf []byte, offset int64) (int, defs.Err_t) {
	hh := h.(*handle)
	if hh.isDir {
		return 0, defs.EISDIR
	}
	if offset >= int64(len(hh.data)) {
		return 0, 0
	}
	n := copy(buf, hh.data[offset:])
	return n, 0
}

func (fs *FS) opWrite(h vfs.Handle, buf []byte, offset int64) (int, defs.Err_t) {
	hh := h.(*handle)
	if hh.isDir {
		return 0, defs.EISDIR
	}
	end := offset + int64(len(buf))
	if end > int64(len(hh.data)) {
		grown := make([]byte, end)
		copy(grown, hh.data)
		hh.data = grown
	}
	copy(hh.data[offset:end], buf)
	hh.dirty = true
	return len(buf), 0
}

func (fs *FS) opTruncate(h vfs.Handle, size int64) defs.Err_t {
	hh := h.(*handle)
	if hh.isDir {
		return defs.EISDIR
	}
	if size < 0 {
		return defs.EINVAL
	}
	if int64(len(hh.data)) == size {
		return 0
	}
	grown := make([]byte, size)
	copy(grown, hh.data)
	hh.data = grown
	hh.dirty = true
	return 0
}

func fillStat(st *stat.Stat_t, d dirent) {
	st.Wsize(uint(d.size))
	if d.isDir() {
		st.Wmode(stat.ModeDir)
	}
	st.Wmtime(d.mtime)
}

func (fs *FS) opGetattr(h vfs.Handle, st *stat.Stat_t) defs.Err_t {
	hh := h.(*handle)
	fillStat(st, hh.dir)
	if !hh.isDir {
		st.Wsize(uint(len(hh.data)))
	}
	return 0
}

func (fs *FS) opGetattrPath(path ustr.Ustr, st *stat.Stat_t) defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, errno := fs.resolve(path)
	if errno != 0 {
		return errno
	}
	fillStat(st, d)
	return 0
}

func (fs *FS) opReaddir(h vfs.Handle, fill func(name string) bool) defs.Err_t {
	hh := h.(*handle)
	if !hh.isDir {
		return defs.ENOTDIR
	}
	entries, err := fs.readDirEntries(hh.dir.cluster)
	if err != nil {
		return defs.EIO
	}
	for _, d := range entries {
		if d.attr&attrVolumeID != 0 {
			continue
		}
		if d.shortName == "." || d.shortName == ".." {
			continue
		}
		if !fill(d.displayName()) {
			return 0
		}
	}
	return 0
}

func (fs *FS) opMkdir(path ustr.Ustr) defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parent, name, errno := fs.resolveParentDir(path)
	if errno != 0 {
		return errno
	}
	if _, ok := fs.lookupInDir(parent.cluster, name); ok {
		return defs.EEXIST
	}
	first, errno := fs.allocateClusters(0, 1)
	if errno != 0 {
		return errno
	}
	clusterSize := fs.clusterByteSize()
	blank := make([]byte, clusterSize)
	mtime := fs.clock.Now()
	encodeShortEntry(blank[0:32], ".", attrDir, first, 0, mtime)
	encodeShortEntry(blank[32:64], "..", attrDir, parent.cluster, 0, mtime)
	if errno := fs.writeClusterChain(first, blank); errno != 0 {
		return errno
	}
	short := fs.uniqueShortName(parent.cluster, name)
	raws := [][]byte{make([]byte, dirEntrySize)}
	encodeShortEntry(raws[0], short, attrDir, first, 0, mtime)
	if !strings.EqualFold(short, name) {
		raws = append(encodeLFNEntries(name, shortNameRawBytes(short)), raws[0])
	}
	_, errno = fs.appendEntries(parent.cluster, raws)
	return errno
}

func (fs *FS) opRmdir(path ustr.Ustr) defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, errno := fs.resolve(path)
	if errno != 0 {
		return errno
	}
	if !d.isDir() {
		return defs.ENOTDIR
	}
	entries, _ := fs.readDirEntries(d.cluster)
	for _, e := range entries {
		if e.shortName != "." && e.shortName != ".." {
			return defs.EINVAL
		}
	}
	if errno := fs.removeEntry(d); errno != 0 {
		return errno
	}
	fs.cache.Del(canonKey(path))
	return fs.freeChain(d.cluster)
}

func (fs *FS) opUnlink(path ustr.Ustr) defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, errno := fs.resolve(path)
	if errno != 0 {
		return errno
	}
	if d.isDir() {
		return defs.EISDIR
	}
	if errno := fs.removeEntry(d); errno != 0 {
		return errno
	}
	fs.cache.Del(canonKey(path))
	return fs.freeChain(d.cluster)
}

func (fs *FS) opRename(oldpath, newpath ustr.Ustr) defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, errno := fs.resolve(oldpath)
	if errno != 0 {
		return errno
	}
	newParent, newName, errno := fs.resolveParentDir(newpath)
	if errno != 0 {
		return errno
	}
	if existing, ok := fs.lookupInDir(newParent.cluster, newName); ok {
		if errno := fs.removeEntry(existing); errno != 0 {
			return errno
		}
		if !existing.isDir() {
			fs.freeChain(existing.cluster)
		}
	}
	if errno := fs.removeEntry(d); errno != 0 {
		return errno
	}
	short := fs.uniqueShortName(newParent.cluster, newName)
	raws := [][]byte{make([]byte, dirEntrySize)}
	encodeShortEntry(raws[0], short, d.attr, d.cluster, d.size, d.mtime)
	if !strings.EqualFold(short, newName) {
		raws = append(encodeLFNEntries(newName, shortNameRawBytes(short)), raws[0])
	}
	_, errno = fs.appendEntries(newParent.cluster, raws)
	if errno != 0 {
		return errno
	}
	fs.cache.Del(canonKey(oldpath))
	return 0
}
