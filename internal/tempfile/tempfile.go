// Package tempfile implements the in-memory temporary-file subsystem
// (spec.md §4.4): recognized temp-name patterns are served entirely from
// memory so compiler scratch I/O never touches a real disk.
package tempfile

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kworker/kworker/internal/errdefs"
)

// Disposition mirrors the CreateFile dwCreationDisposition values relevant
// to temp-file routing.
type Disposition int

const (
	DispositionCreateNew Disposition = iota
	DispositionCreateAlways
	DispositionOpenExisting
	DispositionOpenAlways
	DispositionTruncateExisting
)

// clPattern matches cl.exe's `_CL_<8 hex><2 alpha>` temp-file base name.
var clPattern = regexp.MustCompile(`^_CL_[0-9A-Fa-f]{8}[A-Za-z]{2}`)

// IsRecognizedTempName reports whether base (the file name, no directory)
// matches a pattern the store will intercept: cl.exe's `_CL_` pattern, or a
// `{<uuid>}` braced-GUID name.
func IsRecognizedTempName(base string) bool {
	if clPattern.MatchString(base) {
		return true
	}
	if strings.HasPrefix(base, "{") && strings.HasSuffix(base, "}") {
		_, err := uuid.Parse(strings.Trim(base, "{}"))
		return err == nil
	}
	return false
}

const (
	preferredSegmentSize = 4 * 1024 * 1024
	fallbackSegmentSize  = 64 * 1024
)

// segment is one chunk of a temp file's backing storage.
type segment struct {
	fileOffset int64
	buf        []byte // len(buf) is the allocated size of this segment
}

// File is one in-memory temporary file.
type File struct {
	Path string // UTF-16 path as seen by the caller, stored as Go string

	activeHandles  int
	activeMappings int

	logicalSize int64
	segments    []*segment
}

func newFile(path string) *File {
	return &File{Path: path}
}

// segmentFor returns the segment covering offset, or nil.
func (f *File) segmentFor(offset int64) *segment {
	for _, s := range f.segments {
		if offset >= s.fileOffset && offset < s.fileOffset+int64(len(s.buf)) {
			return s
		}
	}
	return nil
}

// Read copies up to len(p) bytes starting at offset; reads past EOF return
// 0 bytes with no error, per spec.md §4.4.
func (f *File) Read(p []byte, offset int64) (int, error) {
	if offset >= f.logicalSize || len(p) == 0 {
		return 0, nil
	}
	remaining := int64(len(p))
	if offset+remaining > f.logicalSize {
		remaining = f.logicalSize - offset
	}
	total := 0
	for total < int(remaining) {
		cur := offset + int64(total)
		s := f.segmentFor(cur)
		if s == nil {
			// a gap (shouldn't normally happen since Write always allocates
			// contiguous segments) — treat as zero-fill.
			p[total] = 0
			total++
			continue
		}
		segOff := int(cur - s.fileOffset)
		n := copy(p[total:int(remaining)], s.buf[segOff:])
		total += n
	}
	return total, nil
}

// Write copies p into the file at offset, allocating new segments as
// needed and extending logicalSize.
func (f *File) Write(p []byte, offset int64) (int, error) {
	end := offset + int64(len(p))
	f.ensureCapacity(end)
	if end > f.logicalSize {
		f.logicalSize = end
	}
	total := 0
	for total < len(p) {
		cur := offset + int64(total)
		s := f.segmentFor(cur)
		if s == nil {
			return total, errdefs.ErrNotEnoughMemory
		}
		segOff := int(cur - s.fileOffset)
		n := copy(s.buf[segOff:], p[total:])
		total += n
	}
	return total, nil
}

// ensureCapacity grows the segment list so every offset up to end-1 is
// covered by some segment. Each new segment is preferredSegmentSize bytes,
// or exactly the uncovered remainder when that is smaller than
// preferredSegmentSize but larger than fallbackSegmentSize. Segment sizes
// do not double, and no fallbackSegmentSize-sized segment is allocated.
func (f *File) ensureCapacity(end int64) {
	var covered int64
	for _, s := range f.segments {
		top := s.fileOffset + int64(len(s.buf))
		if top > covered {
			covered = top
		}
	}
	for covered < end {
		size := int64(preferredSegmentSize)
		if size > end-covered && end-covered > fallbackSegmentSize {
			size = end - covered
		}
		f.segments = append(f.segments, &segment{
			fileOffset: covered,
			buf:        make([]byte, size),
		})
		covered += size
	}
}

// SetEndOfFile extends or truncates the logical size.
func (f *File) SetEndOfFile(size int64) {
	if size > f.logicalSize {
		f.ensureCapacity(size)
	}
	f.logicalSize = size
}

// Size returns the file's current logical size.
func (f *File) Size() int64 { return f.logicalSize }

// coalesce merges every segment into a single page-allocated buffer sized
// to logicalSize, required before a file can be mapped (spec.md §4.4). If
// already single-segment and fully sized, it is reused.
func (f *File) coalesce() []byte {
	if len(f.segments) == 1 && f.segments[0].fileOffset == 0 && int64(len(f.segments[0].buf)) == f.logicalSize {
		return f.segments[0].buf
	}
	merged := make([]byte, f.logicalSize)
	for _, s := range f.segments {
		if s.fileOffset >= f.logicalSize {
			continue
		}
		n := len(s.buf)
		if s.fileOffset+int64(n) > f.logicalSize {
			n = int(f.logicalSize - s.fileOffset)
		}
		copy(merged[s.fileOffset:], s.buf[:n])
	}
	f.segments = []*segment{{fileOffset: 0, buf: merged}}
	return merged
}

// Map returns the file's single coalesced backing buffer for
// CreateFileMapping/MapViewOfFile. Only one concurrent mapping per temp
// file is permitted.
func (f *File) Map() ([]byte, error) {
	if f.activeMappings > 0 {
		return nil, errdefs.ErrAccessDenied
	}
	f.activeMappings++
	return f.coalesce(), nil
}

func (f *File) Unmap() {
	if f.activeMappings > 0 {
		f.activeMappings--
	}
}

// Store is the job-scoped table of in-memory temp files, keyed by path.
// Lookup compares the last two characters first as a cheap bloom filter
// before a full case-sensitive comparison (spec.md §4.4).
type Store struct {
	files map[string]*File
}

func NewStore() *Store {
	return &Store{files: make(map[string]*File)}
}

// lastTwo is the bloom-filter key: the final two bytes of path, or the
// whole path if shorter.
func lastTwo(path string) string {
	if len(path) <= 2 {
		return path
	}
	return path[len(path)-2:]
}

// Lookup finds an existing temp file by exact, case-sensitive path match.
func (s *Store) Lookup(path string) *File {
	suffix := lastTwo(path)
	for p, f := range s.files {
		if lastTwo(p) != suffix {
			continue
		}
		if p == path {
			return f
		}
	}
	return nil
}

// Create opens or creates a temp file per disposition semantics.
// fallbackToReal is true when the caller must instead open a real file
// (miss with OPEN_EXISTING/TRUNCATE_EXISTING).
func (s *Store) Create(path string, disp Disposition) (f *File, fallbackToReal bool, err error) {
	existing := s.Lookup(path)

	switch disp {
	case DispositionOpenExisting:
		if existing == nil {
			return nil, true, nil
		}
		return existing, false, nil
	case DispositionTruncateExisting:
		if existing == nil {
			return nil, true, nil
		}
		existing.segments = nil
		existing.logicalSize = 0
		return existing, false, nil
	case DispositionCreateNew:
		if existing != nil {
			return nil, false, errdefs.ErrFileExists
		}
		nf := newFile(path)
		s.files[path] = nf
		return nf, false, nil
	case DispositionCreateAlways:
		if existing != nil {
			existing.segments = nil
			existing.logicalSize = 0
			return existing, false, nil
		}
		nf := newFile(path)
		s.files[path] = nf
		return nf, false, nil
	default: // OpenAlways
		if existing != nil {
			return existing, false, nil
		}
		nf := newFile(path)
		s.files[path] = nf
		return nf, false, nil
	}
}

// Delete marks path as gone from the caller's perspective; the backing
// File object and its bytes are not actually freed until late cleanup
// (spec.md §4.4: "the file vanishes at late cleanup").
func (s *Store) Delete(path string) {
	delete(s.files, path)
}

// Reset discards every temp file; called at per-job late cleanup.
func (s *Store) Reset() {
	s.files = make(map[string]*File)
}

// Len reports the number of live temp files, for tests and diagnostics.
func (s *Store) Len() int { return len(s.files) }
