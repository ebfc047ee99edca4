package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
)

const (
	RawLogMagic    = "PROIRAW1"
	ContainerMagic = "PROIBIN1"

	recordHeaderSize = 12
)

var ErrTruncated = errors.New("truncated record")

// recordFile appends length-prefixed records after an 8-byte magic:
// [8-byte LE unix nanos][4-byte LE payload length][payload].
type recordFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

func createRecordFile(outputDir, prefix, magic string) (*recordFile, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(magic); err != nil {
		return nil, multierr.Append(err, f.Close())
	}
	if err := w.Flush(); err != nil {
		return nil, multierr.Append(err, f.Close())
	}
	return &recordFile{path: filename, f: f, w: w}, nil
}

func (r *recordFile) write(payload []byte, flush bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("record file %s is closed", r.path)
	}
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	if flush {
		return r.w.Flush()
	}
	return nil
}

func (r *recordFile) flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		return err
	}
	return r.f.Sync()
}

func (r *recordFile) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	err := multierr.Append(r.w.Flush(), r.f.Close())
	r.w = nil
	return err
}

// RawLogWriter keeps every received ingest message verbatim.
type RawLogWriter struct {
	rf *recordFile
}

func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	rf, err := createRecordFile(outputDir, prefix, RawLogMagic)
	if err != nil {
		return nil, err
	}
	return &RawLogWriter{rf: rf}, nil
}

func (r *RawLogWriter) Path() string {
	return r.rf.path
}

func (r *RawLogWriter) Record(payload []byte) error {
	return r.rf.write(payload, true)
}

func (r *RawLogWriter) Close() error {
	return r.rf.close()
}

type Record struct {
	Time    time.Time
	Payload []byte
}

// RecordReader iterates the records of a raw log or container file.
type RecordReader struct {
	r     *bufio.Reader
	magic string
}

func NewRecordReader(r io.Reader) (*RecordReader, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(ContainerMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	switch string(magic) {
	case RawLogMagic, ContainerMagic:
	default:
		return nil, fmt.Errorf("unexpected magic %q", string(magic))
	}
	return &RecordReader{r: br, magic: string(magic)}, nil
}

func (rr *RecordReader) Magic() string {
	return rr.magic
}

// Next returns io.EOF after the last complete record and ErrTruncated when
// the file ends inside a record.
func (rr *RecordReader) Next() (Record, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(rr.r, header[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return Record{}, ErrTruncated
		}
		return Record{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(header[:8]))
	size := binary.LittleEndian.Uint32(header[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(rr.r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, ErrTruncated
		}
		return Record{}, err
	}
	return Record{Time: time.Unix(0, ts), Payload: payload}, nil
}
