package oplog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.etcd.io/etcd/client/pkg/v3/fileutil"
)

const segmentExt = ".seg"

type segmentInfo struct {
	id   uint64
	size int64
}

func segmentName(id uint64) string {
	return fmt.Sprintf("%016x%s", id, segmentExt)
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, segmentName(id))
}

func listSegments(dir string) ([]uint64, error) {
	names, err := fileutil.ReadDir(dir, fileutil.WithExt(segmentExt))
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	ids := make([]uint64, 0, len(names))
	for _, name := range names {
		id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 16, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func createSegment(dir string, id uint64) (*os.File, error) {
	f, err := os.OpenFile(segmentPath(dir, id), os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create segment %d: %w", id, err)
	}
	if err := syncDir(dir); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := fileutil.Fsync(d); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// readEntryAt reads the record starting at off. limit is the number of bytes of
// the file known to hold complete records.
func readEntryAt(r io.ReaderAt, seg uint64, off, limit int64) (Entry, error) {
	if off+headerSize > limit {
		return Entry{}, fmt.Errorf("%w: truncated header at %d:%d", ErrCorrupt, seg, off)
	}

	var hdr [headerSize]byte
	if _, err := r.ReadAt(hdr[:], off); err != nil {
		return Entry{}, fmt.Errorf("%w: read header at %d:%d: %v", ErrCorrupt, seg, off, err)
	}

	length, sum, err := parseHeader(hdr[:])
	if err != nil {
		return Entry{}, err
	}

	end := off + headerSize + int64(length)
	if end > limit {
		return Entry{}, fmt.Errorf("%w: truncated body at %d:%d", ErrCorrupt, seg, off)
	}

	body := make([]byte, length)
	if _, err := r.ReadAt(body, off+headerSize); err != nil {
		return Entry{}, fmt.Errorf("%w: read body at %d:%d: %v", ErrCorrupt, seg, off, err)
	}

	e, err := decodeBody(body, sum)
	if err != nil {
		return Entry{}, err
	}
	e.Pos = Position{Segment: seg, Offset: off}
	e.Next = Position{Segment: seg, Offset: end}
	return e, nil
}

type scanResult struct {
	validSize int64
	size      int64
	first     uint64
	last      uint64
	records   int
}

// scanSegment walks a segment from the start and stops at the first record
// that is incomplete or fails its checksum.
func scanSegment(path string, seg uint64) (scanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return scanResult{}, fmt.Errorf("open segment %d: %w", seg, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return scanResult{}, fmt.Errorf("stat segment %d: %w", seg, err)
	}

	res := scanResult{size: st.Size()}
	var off int64
	for off < res.size {
		e, err := readEntryAt(f, seg, off, res.size)
		if errors.Is(err, ErrCorrupt) {
			break
		}
		if err != nil {
			return scanResult{}, err
		}
		if res.first == 0 {
			res.first = e.Seq
		}
		res.last = e.Seq
		res.records++
		off = e.Next.Offset
	}
	res.validSize = off
	return res, nil
}

func firstSeqOf(path string, seg uint64) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.Size() == 0 {
		return 0, nil
	}

	e, err := readEntryAt(f, seg, 0, st.Size())
	if err != nil {
		return 0, err
	}
	return e.Seq, nil
}
