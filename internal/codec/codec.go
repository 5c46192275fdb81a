// Package codec implements the size-windowed compress/decompress contract
// of the cache's L2 tier: a payload is only run through zstd when its size
// falls inside [min, max] and the codec actually buys back enough space.
package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/ratcache/ratmemcached/internal/rerr"
)

// Config controls when compression is attempted and when its result is kept.
type Config struct {
	MinThreshold int     // bytes; below this, never compress
	MaxThreshold int     // bytes; above this, never compress
	MinRatio     float64 // compressed/original must be < this to keep the compressed form
	Level        int     // zstd encoder level, 1-12 per the wire config schema
}

// DefaultConfig mirrors the original_source defaults: compress values
// between 64 bytes and 1 MiB if the codec buys back at least 10%.
func DefaultConfig() Config {
	return Config{
		MinThreshold: 64,
		MaxThreshold: 1 << 20,
		MinRatio:     0.9,
		Level:        3,
	}
}

// Result describes the outcome of a Compress call, per spec.md §4.1.
type Result struct {
	Bytes          []byte
	OriginalSize   int
	CompressedSize int
	IsCompressed   bool
}

func levelToEncoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 4:
		return zstd.SpeedDefault
	case level <= 8:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Codec is a long-lived compress/decompress pair, grounded on
// abiolaogu-MinIO's CompressionEngine (internal/cache/cache_engine_v2.go),
// which keeps a single zstd.Encoder/Decoder alive rather than allocating one
// per call.
type Codec struct {
	cfg     Config
	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New builds a Codec. Construction failure (e.g. invalid encoder level) is
// returned rather than panicking so a misconfigured server fails at startup,
// not on the first write.
func New(cfg Config) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(levelToEncoderLevel(cfg.Level)))
	if err != nil {
		return nil, rerr.Compression("failed to build zstd encoder", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, rerr.Compression("failed to build zstd decoder", err)
	}
	return &Codec{cfg: cfg, encoder: enc, decoder: dec}, nil
}

// Close releases the codec's background goroutines.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoder.Close()
	c.decoder.Close()
}

// Compress applies the window+ratio policy of spec.md §4.1 (I5). On codec
// failure it logs nothing itself — callers fall back to storing the input
// uncompressed, per spec.md §7.
func (c *Codec) Compress(data []byte) (Result, error) {
	original := len(data)
	if original < c.cfg.MinThreshold || original > c.cfg.MaxThreshold {
		return Result{Bytes: data, OriginalSize: original, CompressedSize: original}, nil
	}

	compressed, err := c.compressBytes(data)
	if err != nil {
		return Result{}, rerr.Compression("zstd compress failed", err)
	}

	if original == 0 || float64(len(compressed))/float64(original) >= c.cfg.MinRatio {
		return Result{Bytes: data, OriginalSize: original, CompressedSize: original}, nil
	}

	return Result{
		Bytes:          compressed,
		OriginalSize:   original,
		CompressedSize: len(compressed),
		IsCompressed:   true,
	}, nil
}

func (c *Codec) compressBytes(data []byte) (out []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("zstd encoder panic: %v", r)
		}
	}()
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// Decompress reverses Compress. If isCompressed is false the bytes are
// returned unchanged; corruption in a genuinely compressed payload surfaces
// as a CompressionError (spec.md §7: "data likely corrupt").
func (c *Codec) Decompress(data []byte, isCompressed bool) ([]byte, error) {
	if !isCompressed {
		return data, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, rerr.Compression("zstd decompress failed, data likely corrupt", err)
	}
	return out, nil
}
