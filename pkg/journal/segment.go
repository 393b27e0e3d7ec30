package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/bytebufferpool"
)

const (
	segmentHeaderSize = 8          // 4 (magic) + 4 (format version)
	segmentMagic      = 0x4A524E4C // "JRNL"
	segmentVersion    = 1
	segmentExt        = ".seg"

	// frame: offset(8) crc(4) flags(1) idLen(4) id payloadLen(4) payload
	frameFixedSize = 8 + 4 + 1 + 4 + 4
	crcStart       = 12

	flagCompressed = 1 << 0

	// one sparse index point per this many bytes of segment data
	indexIntervalBytes = 4096
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type indexPoint struct {
	offset uint64
	pos    int64
}

// segment is one journal file. Fields other than f are guarded by the
// journal's segMu.
type segment struct {
	path    string
	base    uint64
	f       *os.File
	size    int64
	entries int64
	last    uint64 // valid when entries > 0
	modTime time.Time

	index        []indexPoint
	sinceIndexed int64
}

func segmentName(base uint64) string {
	return fmt.Sprintf("%020d%s", base, segmentExt)
}

func (s *segment) nextOffset() uint64 {
	if s.entries == 0 {
		return s.base
	}
	return s.last + 1
}

// track records a frame written or scanned at pos.
func (s *segment) track(offset uint64, pos, frameLen int64) {
	if s.entries == 0 || s.sinceIndexed >= indexIntervalBytes {
		s.index = append(s.index, indexPoint{offset: offset, pos: pos})
		s.sinceIndexed = 0
	}
	s.sinceIndexed += frameLen
	s.entries++
	s.last = offset
	s.size = pos + frameLen
}

// positionFor returns a file position at or before the frame holding offset.
func (s *segment) positionFor(offset uint64) int64 {
	i := sort.Search(len(s.index), func(i int) bool { return s.index[i].offset > offset })
	if i == 0 {
		return segmentHeaderSize
	}
	return s.index[i-1].pos
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var bases []uint64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != segmentExt {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), segmentExt), 10, 64)
		if err != nil {
			continue
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}

func writeSegmentHeader(f *os.File) error {
	var hdr [segmentHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], segmentMagic)
	binary.BigEndian.PutUint32(hdr[4:8], segmentVersion)
	_, err := f.WriteAt(hdr[:], 0)
	return err
}

func readSegmentHeader(f *os.File) error {
	var hdr [segmentHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return err
	}
	if m := binary.BigEndian.Uint32(hdr[0:4]); m != segmentMagic {
		return fmt.Errorf("invalid segment magic 0x%X", m)
	}
	if v := binary.BigEndian.Uint32(hdr[4:8]); v != segmentVersion {
		return fmt.Errorf("unsupported segment version %d", v)
	}
	return nil
}

// encodeFrame appends one framed entry to buf.
func encodeFrame(buf *bytebufferpool.ByteBuffer, offset uint64, flags byte, id, payload []byte) {
	var fixed [frameFixedSize]byte
	binary.BigEndian.PutUint64(fixed[0:8], offset)
	fixed[12] = flags
	binary.BigEndian.PutUint32(fixed[13:17], uint32(len(id)))

	start := len(buf.B)
	_, _ = buf.Write(fixed[:17])
	_, _ = buf.Write(id)
	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(payload)))
	_, _ = buf.Write(plen[:])
	_, _ = buf.Write(payload)

	crc := crc32.Checksum(buf.B[start+crcStart:], castagnoli)
	binary.BigEndian.PutUint32(buf.B[start+8:start+12], crc)
}

var errBadFrame = errors.New("bad frame")

// readFrameAt decodes the frame at pos. limit is the readable end of the
// segment and maxLen bounds id and payload lengths. It returns the position
// just past the frame.
func readFrameAt(f *os.File, pos, limit int64, maxLen uint32) (Entry, byte, int64, error) {
	if pos+frameFixedSize > limit {
		return Entry{}, 0, pos, io.ErrUnexpectedEOF
	}
	var head [17]byte
	if _, err := f.ReadAt(head[:], pos); err != nil {
		return Entry{}, 0, pos, err
	}
	offset := binary.BigEndian.Uint64(head[0:8])
	crc := binary.BigEndian.Uint32(head[8:12])
	flags := head[12]
	idLen := binary.BigEndian.Uint32(head[13:17])
	if idLen > maxLen || pos+frameFixedSize+int64(idLen) > limit {
		return Entry{}, 0, pos, errBadFrame
	}

	rest := make([]byte, int64(idLen)+4)
	if _, err := f.ReadAt(rest, pos+17); err != nil {
		return Entry{}, 0, pos, err
	}
	payloadLen := binary.BigEndian.Uint32(rest[idLen:])
	end := pos + frameFixedSize + int64(idLen) + int64(payloadLen)
	if payloadLen > maxLen || end > limit {
		return Entry{}, 0, pos, errBadFrame
	}
	payload := make([]byte, payloadLen)
	if _, err := f.ReadAt(payload, pos+frameFixedSize+int64(idLen)); err != nil {
		return Entry{}, 0, pos, err
	}

	h := crc32.New(castagnoli)
	_, _ = h.Write(head[12:])
	_, _ = h.Write(rest)
	_, _ = h.Write(payload)
	if h.Sum32() != crc {
		return Entry{}, 0, pos, errBadFrame
	}
	return Entry{Offset: offset, ID: rest[:idLen:idLen], Payload: payload}, flags, end, nil
}

// scanSegment walks every frame and returns the end of the last valid one.
// expect is the offset the first frame must carry.
func scanSegment(s *segment, fileSize int64, maxLen uint32) (validSize int64) {
	pos := int64(segmentHeaderSize)
	expect := s.base
	for pos < fileSize {
		e, _, next, err := readFrameAt(s.f, pos, fileSize, maxLen)
		if err != nil {
			break
		}
		if e.Offset < expect {
			break
		}
		s.track(e.Offset, pos, next-pos)
		expect = e.Offset + 1
		pos = next
	}
	if s.entries == 0 {
		s.size = segmentHeaderSize
	}
	return pos
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
