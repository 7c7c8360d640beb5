package outbox

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"ecb-maintenance/domain"
)

// Frame layout: length(4) | crc32c(4) | offset(8) | json payload.
const frameHeaderSize = 16

const checkpointFile = "checkpoint"

var (
	errJournalClosed = errors.New("journal closed")
	castagnoli       = crc32.MakeTable(crc32.Castagnoli)
)

type journalConfig struct {
	dir          string
	segmentBytes int64
	syncEvery    int
	logger       *log.Logger
}

type segment struct {
	path        string
	file        *os.File
	writer      *bufio.Writer
	size        int64
	firstOffset uint64
	lastOffset  uint64
}

type record struct {
	Offset   uint64          `json:"offset"`
	Snapshot domain.Snapshot `json:"snapshot"`
	Queued   time.Time       `json:"queued"`
	Attempt  int             `json:"attempt"`
	LastErr  string          `json:"lastErr,omitempty"`
	frameLen int64
}

// journal is an append-only, segmented log of snapshots awaiting delivery. The checkpoint
// file holds the highest offset below which every record has been delivered.
type journal struct {
	cfg        journalConfig
	mu         sync.Mutex
	segments   []*segment
	nextOffset uint64
	committed  uint64
	unsynced   int
	closed     bool
}

func openJournal(cfg journalConfig) (*journal, []*record, error) {
	if cfg.dir == "" {
		return nil, nil, errors.New("journal dir required")
	}
	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return nil, nil, err
	}

	j := &journal{cfg: cfg}
	committed, err := j.readCheckpoint()
	if err != nil {
		return nil, nil, err
	}
	j.committed = committed
	j.nextOffset = committed + 1

	paths, err := filepath.Glob(filepath.Join(cfg.dir, "segment-*.log"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	var pending []*record
	for _, path := range paths {
		seg, recs, err := loadSegment(path)
		if err != nil {
			return nil, nil, err
		}
		j.segments = append(j.segments, seg)
		for _, rec := range recs {
			if rec.Offset >= j.nextOffset {
				j.nextOffset = rec.Offset + 1
			}
			if rec.Offset > j.committed {
				pending = append(pending, rec)
			}
		}
	}

	if len(j.segments) == 0 {
		if err := j.openSegmentLocked(); err != nil {
			return nil, nil, err
		}
	} else {
		last := j.segments[len(j.segments)-1]
		if _, err := last.file.Seek(last.size, io.SeekStart); err != nil {
			return nil, nil, err
		}
		last.writer = bufio.NewWriterSize(last.file, 64*1024)
		for _, seg := range j.segments[:len(j.segments)-1] {
			if err := seg.file.Close(); err != nil {
				return nil, nil, err
			}
			seg.file = nil
		}
	}
	j.pruneLocked()

	return j, pending, nil
}

func (j *journal) readCheckpoint() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(j.cfg.dir, checkpointFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return v, nil
}

// loadSegment reads every intact frame of a segment. A torn or corrupt tail, left by a
// crash mid-write, is truncated away.
func loadSegment(path string) (*segment, []*record, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}

	seg := &segment{path: path, file: f}
	var recs []*record
	r := bufio.NewReaderSize(f, 64*1024)
	var pos int64
	for {
		start := pos
		hdr := make([]byte, frameHeaderSize)
		n, err := io.ReadFull(r, hdr)
		pos += int64(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				pos = start
				break
			}
			f.Close()
			return nil, nil, err
		}

		length := binary.LittleEndian.Uint32(hdr[0:4])
		sum := binary.LittleEndian.Uint32(hdr[4:8])
		offset := binary.LittleEndian.Uint64(hdr[8:16])

		payload := make([]byte, length)
		n, err = io.ReadFull(r, payload)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				pos = start
				break
			}
			f.Close()
			return nil, nil, err
		}
		if crc32.Checksum(payload, castagnoli) != sum {
			pos = start
			break
		}

		var rec record
		if err := json.Unmarshal(payload, &rec); err != nil {
			f.Close()
			return nil, nil, err
		}
		if rec.Offset != offset {
			f.Close()
			return nil, nil, fmt.Errorf("journal offset mismatch in %s: header=%d payload=%d", path, offset, rec.Offset)
		}
		rec.frameLen = int64(frameHeaderSize) + int64(length)
		if len(recs) == 0 {
			seg.firstOffset = rec.Offset
		}
		seg.lastOffset = rec.Offset
		recs = append(recs, &rec)
	}

	if err := f.Truncate(pos); err != nil {
		f.Close()
		return nil, nil, err
	}
	seg.size = pos
	return seg, recs, nil
}

func (j *journal) openSegmentLocked() error {
	if j.closed {
		return errJournalClosed
	}
	path := filepath.Join(j.cfg.dir, fmt.Sprintf("segment-%020d.log", j.nextOffset))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	j.segments = append(j.segments, &segment{
		path:        path,
		file:        f,
		writer:      bufio.NewWriterSize(f, 64*1024),
		firstOffset: j.nextOffset,
		lastOffset:  j.nextOffset - 1,
	})
	return nil
}

// appendLocked assigns rec the next offset and writes it to the active segment, rolling
// over to a new segment once the active one reaches the configured size.
func (j *journal) appendLocked(rec *record) error {
	if j.closed {
		return errJournalClosed
	}
	active := j.segments[len(j.segments)-1]
	if active.size >= j.cfg.segmentBytes {
		if err := active.writer.Flush(); err != nil {
			return err
		}
		if err := active.file.Sync(); err != nil {
			return err
		}
		if err := active.file.Close(); err != nil {
			return err
		}
		active.file, active.writer = nil, nil
		if err := j.openSegmentLocked(); err != nil {
			return err
		}
		active = j.segments[len(j.segments)-1]
	}

	rec.Offset = j.nextOffset
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	hdr := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(payload, castagnoli))
	binary.LittleEndian.PutUint64(hdr[8:16], rec.Offset)

	if _, err := active.writer.Write(hdr); err != nil {
		return err
	}
	if _, err := active.writer.Write(payload); err != nil {
		return err
	}
	if err := active.writer.Flush(); err != nil {
		return err
	}

	j.nextOffset++
	rec.frameLen = int64(len(hdr) + len(payload))
	active.size += rec.frameLen
	active.lastOffset = rec.Offset
	j.unsynced++
	return nil
}

// rollbackLocked removes rec, which must be the last appended record.
func (j *journal) rollbackLocked(rec *record) error {
	active := j.segments[len(j.segments)-1]
	if rec.Offset != active.lastOffset {
		return fmt.Errorf("rollback mismatch: offset=%d last=%d", rec.Offset, active.lastOffset)
	}
	if active.size < rec.frameLen {
		return errors.New("rollback underflow")
	}
	active.size -= rec.frameLen
	if err := active.file.Truncate(active.size); err != nil {
		return err
	}
	if _, err := active.file.Seek(active.size, io.SeekStart); err != nil {
		return err
	}
	active.writer = bufio.NewWriterSize(active.file, 64*1024)
	active.lastOffset--
	j.nextOffset = rec.Offset
	return nil
}

func (j *journal) syncIfNeededLocked() error {
	if j.cfg.syncEvery <= 1 || j.unsynced >= j.cfg.syncEvery {
		return j.syncLocked()
	}
	return nil
}

func (j *journal) syncLocked() error {
	if j.closed {
		return errJournalClosed
	}
	if j.unsynced == 0 {
		return nil
	}
	active := j.segments[len(j.segments)-1]
	if err := active.writer.Flush(); err != nil {
		return err
	}
	if err := active.file.Sync(); err != nil {
		return err
	}
	j.unsynced = 0
	return nil
}

// commitLocked persists offset as delivered and drops segments that hold nothing newer.
func (j *journal) commitLocked(offset uint64) error {
	if offset <= j.committed {
		return nil
	}
	path := filepath.Join(j.cfg.dir, checkpointFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(offset, 10)), 0o644); err != nil {
		return err
	}
	if err := syncPath(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if err := syncPath(j.cfg.dir); err != nil {
		return err
	}
	j.committed = offset
	j.pruneLocked()
	return nil
}

func (j *journal) pruneLocked() {
	for len(j.segments) > 1 {
		seg := j.segments[0]
		if seg.lastOffset > j.committed {
			return
		}
		if seg.file != nil {
			seg.file.Close()
		}
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if j.cfg.logger != nil {
				j.cfg.logger.WithError(err).Warnf("failed to remove journal segment %s", seg.path)
			}
			return
		}
		j.segments = j.segments[1:]
	}
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	var firstErr error
	if err := j.syncLocked(); err != nil {
		firstErr = err
	}
	j.closed = true
	for _, seg := range j.segments {
		if seg.file == nil {
			continue
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func syncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
