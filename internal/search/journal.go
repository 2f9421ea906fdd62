package search

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/StormyCloudInc/blockseek/internal/finder"
)

// Entry is one journal line.
type Entry struct {
	Time     time.Time `json:"time"`
	Job      string    `json:"job,omitempty"`
	Phase    string    `json:"phase"`
	Chunks   uint32    `json:"chunks"`
	Scanned  uint64    `json:"scanned"`
	Position *[3]int64 `json:"position,omitempty"`
}

// Journal writes a zstd-compressed JSON line per distinct status.
type Journal struct {
	mu   sync.Mutex
	f    *os.File
	zw   *zstd.Encoder
	enc  *json.Encoder
	last *finder.Status
}

// NewJournal writes to w. Close flushes the compressed stream but does not
// close w.
func NewJournal(w io.Writer) (*Journal, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	return &Journal{zw: zw, enc: json.NewEncoder(zw)}, nil
}

// CreateJournal opens path for writing, creating parent directories.
func CreateJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	j, err := NewJournal(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	j.f = f
	return j, nil
}

// Record appends s unless it repeats the previous entry.
func (j *Journal) Record(s finder.Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last != nil && j.last.Phase == s.Phase && j.last.Chunks == s.Chunks && j.last.JobID == s.JobID {
		return nil
	}
	j.last = &s
	e := Entry{Time: time.Now().UTC(), Phase: s.Phase.String(), Chunks: s.Chunks, Scanned: s.Scanned}
	if s.Phase != finder.PhaseWaitingForJob {
		e.Job = s.JobID.String()
	}
	if s.Phase == finder.PhaseFinished {
		e.Position = &[3]int64{s.Position.X, s.Position.Y, s.Position.Z}
	}
	return j.enc.Encode(e)
}

// Close flushes the stream and closes the file opened by CreateJournal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.zw.Close()
	if j.f != nil {
		err = errors.Join(err, j.f.Close())
	}
	return err
}

// ReadJournal decodes every entry of a journal stream.
func ReadJournal(r io.Reader) ([]Entry, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var out []Entry
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
