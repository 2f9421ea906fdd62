package pattern

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/sha3"
)

// FileVersion is the current binary pattern file version.
const FileVersion = 1

// ErrInvalidFile is returned for pattern files that cannot be decoded.
var ErrInvalidFile = errors.New("invalid pattern file")

// header is the first line of the decompressed stream. The flattened cells
// follow it as raw bytes.
type header struct {
	Version int    `json:"version"`
	Size    [3]int `json:"size"`
	Digest  string `json:"digest"`
}

// Encode writes p as a zstd stream: a JSON header line followed by the raw
// rotation bytes.
func Encode(w io.Writer, p *Pattern) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(enc)

	hb, err := json.Marshal(header{
		Version: FileVersion,
		Size:    [3]int{p.Dims.X, p.Dims.Y, p.Dims.Z},
		Digest:  p.Digest(),
	})
	if err != nil {
		enc.Close()
		return err
	}
	hb = append(hb, '\n')
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if _, err := bw.Write(p.Bytes()); err != nil {
		enc.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Decode reads a stream written by Encode and checks its digest.
func Decode(r io.Reader) (*Pattern, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidFile, err)
	}
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("%w: parse header: %v", ErrInvalidFile, err)
	}
	if h.Version != FileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFile, h.Version)
	}
	d := Dims{X: h.Size[0], Y: h.Size[1], Z: h.Size[2]}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	raw := make([]byte, d.Volume())
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("%w: read cells: %v", ErrInvalidFile, err)
	}
	p, err := FromBytes(d, raw)
	if err != nil {
		return nil, err
	}
	if h.Digest != "" && h.Digest != p.Digest() {
		return nil, fmt.Errorf("%w: digest mismatch", ErrInvalidFile)
	}
	return p, nil
}

// SaveFile writes p to path, creating parent directories.
func SaveFile(path string, p *Pattern) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads a pattern from path. Files ending in .json are parsed as
// job documents, anything else as the binary format.
func LoadFile(path string) (*Pattern, error) {
	if filepath.Ext(path) == ".json" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return LoadJSON(b)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Digest identifies a pattern by its size and contents.
func (p *Pattern) Digest() string {
	h := sha3.New256()
	var size [6]byte
	for i, v := range []int{p.Dims.X, p.Dims.Y, p.Dims.Z} {
		size[2*i] = byte(v)
		size[2*i+1] = byte(v >> 8)
	}
	h.Write(size[:])
	h.Write(p.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}
