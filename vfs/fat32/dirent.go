package fat32

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Directory entry attribute bits (fat_attr).
const (
	attrReadOnly uint8 = 0x01
	attrHidden   uint8 = 0x02
	attrSystem   uint8 = 0x04
	attrVolumeID uint8 = 0x08
	attrDir      uint8 = 0x10
	attrArchive  uint8 = 0x20
	attrLFN      uint8 = 0x0F // ReadOnly|Hidden|System|VolumeID together
)

const lfnBytesPerEntry = 13 * 2 // 13 UCS-2 code units per LFN entry

// dirent is one resolved directory entry: its 8.3 short name (decoded to
// a displayable form), any assembled long name, and the fields a stat(2)
// or a cluster-chain operation needs. Grounded on fat32_file_entry, minus
// the C struct's raw byte-offset bookkeeping (dir_entry_cluster_start
// etc.), which this port instead recomputes by re-walking the parent
// directory on write (see fat32.go's updateEntry).
type dirent struct {
	shortName string // e.g. "HELLO.TXT", "." or ".."
	longName  string // "" if no LFN entries preceded this one
	attr      uint8
	cluster   uint32
	size      uint32
	mtime     time.Time

	// dirCluster/entryIndex locate this entry's 32-byte short-name record
	// within its parent directory, so updateEntry/removeEntry can find it
	// again without a second full-directory scan.
	dirCluster uint32
	entryIndex int
}

func (d dirent) isDir() bool { return d.attr&attrDir != 0 }
func (d dirent) displayName() string {
	if d.longName != "" {
		return d.longName
	}
	return d.shortName
}

// parseShortEntry decodes one 32-byte short (8.3) directory entry.
func parseShortEntry(b []byte) dirent {
	name := strings.TrimRight(string(b[0:8]), " ")
	ext := strings.TrimRight(string(b[8:11]), " ")
	short := name
	if name == "." || name == ".." {
		short = name
	} else if ext != "" {
		short = name + "." + ext
	}
	clusterHi := binary.LittleEndian.Uint16(b[20:22])
	clusterLo := binary.LittleEndian.Uint16(b[26:28])
	mtimeDate := binary.LittleEndian.Uint16(b[24:26])
	mtimeTime := binary.LittleEndian.Uint16(b[22:24])
	return dirent{
		shortName: short,
		attr:      b[11],
		cluster:   uint32(clusterHi)<<16 | uint32(clusterLo),
		size:      binary.LittleEndian.Uint32(b[28:32]),
		mtime:     decodeDOSTime(mtimeDate, mtimeTime),
	}
}

func encodeShortEntry(b []byte, shortName string, attr uint8, cluster uint32, size uint32, mtime time.Time) {
	for i := range b {
		b[i] = 0
	}
	name, ext := split83(shortName)
	copy(b[0:8], padRight(name, 8))
	copy(b[8:11], padRight(ext, 3))
	b[11] = attr
	date, tod := encodeDOSTime(mtime)
	binary.LittleEndian.PutUint16(b[16:18], tod) // ctime_time, unused beyond creation
	binary.LittleEndian.PutUint16(b[18:20], date)
	binary.LittleEndian.PutUint16(b[20:22], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(b[22:24], tod)
	binary.LittleEndian.PutUint16(b[24:26], date)
	binary.LittleEndian.PutUint16(b[26:28], uint16(cluster))
	binary.LittleEndian.PutUint32(b[28:32], size)
}

func padRight(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

func split83(shortName string) (name, ext string) {
	if shortName == "." || shortName == ".." {
		return shortName, ""
	}
	if i := strings.LastIndexByte(shortName, '.'); i >= 0 {
		return shortName[:i], shortName[i+1:]
	}
	return shortName, ""
}

// decodeDOSTime/encodeDOSTime convert between the packed DOS date/time
// pair every directory entry stores and a Go time.Time, matching
// convert_datetime/fat32_set_timestamp.
func decodeDOSTime(date, tod uint16) time.Time {
	year := 1980 + int(date>>9)
	month := int((date >> 5) & 0xF)
	day := int(date & 0x1F)
	hour := int(tod >> 11)
	min := int((tod >> 5) & 0x3F)
	sec := int((tod & 0x1F) * 2)
	if month == 0 || day == 0 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
}

func encodeDOSTime(t time.Time) (date, tod uint16) {
	if t.IsZero() {
		return 0, 0
	}
	date = uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	tod = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	return date, tod
}

// lfnChecksum implements lfn_checksum over the raw 11-byte short name.
func lfnChecksum(nameext []byte) uint8 {
	var sum uint8
	for _, c := range nameext {
		rotated := uint8(0)
		if sum&1 != 0 {
			rotated = 0x80
		}
		sum = rotated + (sum >> 1) + c
	}
	return sum
}

var ucs2 = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// parseLFNEntry decodes one long-file-name fragment's three UCS-2
// segments, per fat32_direntry_long's name1/name2/name3 layout.
func parseLFNEntry(b []byte) (seq uint8, text string, isLast bool) {
	seq = b[0]
	isLast = seq&0x40 != 0
	seq &= 0x3F
	var ucs2le []byte
	ucs2le = append(ucs2le, b[1:11]...)
	ucs2le = append(ucs2le, b[14:26]...)
	ucs2le = append(ucs2le, b[28:32]...)
	dec := ucs2.NewDecoder()
	out, _, err := transform.Bytes(dec, ucs2le)
	if err != nil {
		return seq, "", isLast
	}
	text = strings.TrimRight(strings.TrimRight(string(out), "\x00"), "￿")
	return seq, text, isLast
}

// encodeLFNEntries splits longName into the ceil(len/13) 32-byte LFN
// fragment records needed to precede a short entry, numbered from the
// last fragment down to 1 with the 0x40 "last" bit set on the highest-
// numbered one, which is written first (physically farthest from the
// short entry, per the format's reverse-order convention), each checksummed against
// shortNameRaw (fat_standardize_short_name's counterpart on encode).
func encodeLFNEntries(longName string, shortNameRaw []byte) [][]byte {
	enc := ucs2.NewEncoder()
	wide, _, _ := transform.Bytes(enc, []byte(longName))
	units := len(wide) / 2

	nEntries := (units + 12) / 13
	if nEntries == 0 {
		nEntries = 1
	}
	checksum := lfnChecksum(shortNameRaw)

	entries := make([][]byte, nEntries)
	for i := 0; i < nEntries; i++ {
		b := make([]byte, 32)
		seq := uint8(i + 1)
		if i == nEntries-1 {
			seq |= 0x40
		}
		b[0] = seq
		b[11] = attrLFN
		b[13] = checksum

		start := i * 13 * 2
		frag := make([]byte, 13*2)
		for j := range frag {
			frag[j] = 0xFF
		}
		end := start + 13*2
		if end > len(wide) {
			end = len(wide)
		}
		if start < len(wide) {
			copy(frag, wide[start:end])
			if end-start < 13*2 {
				// null-terminate right after the name, 0xFF pads the rest
				frag[end-start] = 0
				frag[end-start+1] = 0
			}
		}
		copy(b[1:11], frag[0:10])
		copy(b[14:26], frag[10:22])
		copy(b[28:32], frag[22:26])
		entries[nEntries-1-i] = b
	}
	return entries
}

// shortNameIsValid reports whether name already conforms to 8.3 (no
// lowercase, no forbidden characters, length within 8+3).
func shortNameIsValid(name string) bool {
	base, ext := split83(name)
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return false
	}
	for _, c := range base + ext {
		if !isValid83Rune(c) {
			return false
		}
	}
	return strings.ToUpper(name) == name
}

func isValid83Rune(c rune) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case strings.ContainsRune("$%'-_@~`!(){}^#&", c):
		return true
	}
	return false
}

// buildShortName derives a base 8.3 short name candidate from an
// arbitrary long name, stripping invalid characters and spaces
// (fat_standardize_short_name's encode-direction counterpart); the
// caller (fat32.go's addEntry) appends a ~N numeric tail if this
// candidate collides with an existing entry.
func buildShortName(longName string) string {
	base, ext := split83OnDot(longName)
	base = sanitize83(base, 8)
	ext = sanitize83(ext, 3)
	if base == "" {
		base = "FILE"
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func split83OnDot(name string) (base, ext string) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

func sanitize83(s string, max int) string {
	s = strings.ToUpper(s)
	var out []rune
	for _, c := range s {
		if c == ' ' {
			continue
		}
		if isValid83Rune(c) {
			out = append(out, c)
		} else {
			out = append(out, '_')
		}
		if len(out) == max {
			break
		}
	}
	return string(out)
}

// withNumericTail applies fat32_set_numeric_tail's "~N" collision
// resolution: BASE~1.EXT, BASE~2.EXT, ... truncating base as needed so
// the combined name still fits 8 characters. The tail is hex, matching
// the original's mod-16 digit extraction (n=10 is "~A", not "~10"), not
// decimal.
func withNumericTail(shortName string, n int) string {
	base, ext := split83(shortName)
	tail := "~" + strings.ToUpper(strconv.FormatInt(int64(n), 16))
	if len(base)+len(tail) > 8 {
		base = base[:8-len(tail)]
	}
	if ext == "" {
		return base + tail
	}
	return base + tail + "." + ext
}
