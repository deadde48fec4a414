package protocol

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/snappy"
)

// CompressionID is the algorithm byte that prefixes a compressed batch once
// compression has been negotiated.
type CompressionID uint8

const (
	CompressionFlate  CompressionID = 0x00
	CompressionSnappy CompressionID = 0x01
	CompressionNone   CompressionID = 0xff
)

// Compression compresses and decompresses whole batches.
type Compression interface {
	ID() CompressionID
	Name() string
	Compress(data []byte) ([]byte, error)
	// Decompress fails when the output would exceed limit bytes.
	Decompress(data []byte, limit int) ([]byte, error)
}

// CompressionByName resolves a config value. The empty string means none.
func CompressionByName(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return NoCompression{}, nil
	case "flate", "deflate", "zlib":
		return &FlateCompression{Level: flate.DefaultCompression}, nil
	case "snappy":
		return SnappyCompression{}, nil
	default:
		return nil, Errorf(KindUnsupportedOperation, "compression", "unknown algorithm %q", name)
	}
}

// CompressionByID resolves the algorithm byte of an inbound batch.
func CompressionByID(id CompressionID) (Compression, error) {
	switch id {
	case CompressionNone:
		return NoCompression{}, nil
	case CompressionFlate:
		return &FlateCompression{Level: flate.DefaultCompression}, nil
	case CompressionSnappy:
		return SnappyCompression{}, nil
	default:
		return nil, Errorf(KindCompression, "compression", "unknown algorithm id 0x%02x", uint8(id))
	}
}

// NoCompression passes data through.
type NoCompression struct{}

func (NoCompression) ID() CompressionID { return CompressionNone }
func (NoCompression) Name() string      { return "none" }

func (NoCompression) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (NoCompression) Decompress(data []byte, limit int) ([]byte, error) {
	if limit > 0 && len(data) > limit {
		return nil, Errorf(KindCompression, "decompress", "batch of %d bytes exceeds %d", len(data), limit)
	}
	return data, nil
}

// FlateCompression is raw DEFLATE without zlib headers.
type FlateCompression struct {
	Level int

	once    sync.Once
	writers sync.Pool
}

func (*FlateCompression) ID() CompressionID { return CompressionFlate }
func (*FlateCompression) Name() string      { return "flate" }

func (f *FlateCompression) Compress(data []byte) ([]byte, error) {
	f.once.Do(func() {
		level := f.Level
		f.writers.New = func() any {
			w, err := flate.NewWriter(io.Discard, level)
			if err != nil {
				return nil
			}
			return w
		}
	})
	var buf bytes.Buffer
	w, _ := f.writers.Get().(*flate.Writer)
	if w == nil {
		return nil, Errorf(KindCompression, "compress", "invalid flate level %d", f.Level)
	}
	defer f.writers.Put(w)
	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, Wrap(KindCompression, "compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, Wrap(KindCompression, "compress", err)
	}
	return buf.Bytes(), nil
}

func (*FlateCompression) Decompress(data []byte, limit int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return readLimited(r, limit)
}

// SnappyCompression uses the snappy block format.
type SnappyCompression struct{}

func (SnappyCompression) ID() CompressionID { return CompressionSnappy }
func (SnappyCompression) Name() string      { return "snappy" }

func (SnappyCompression) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompression) Decompress(data []byte, limit int) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, Wrap(KindCompression, "decompress", err)
	}
	if limit > 0 && n > limit {
		return nil, Errorf(KindCompression, "decompress", "decoded size %d exceeds %d", n, limit)
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, Wrap(KindCompression, "decompress", err)
	}
	return out, nil
}

func readLimited(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, Wrap(KindCompression, "decompress", err)
		}
		return out, nil
	}
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, Wrap(KindCompression, "decompress", err)
	}
	if len(out) > limit {
		return nil, Wrap(KindCompression, "decompress", fmt.Errorf("output exceeds %d bytes", limit))
	}
	return out, nil
}
