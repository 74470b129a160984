package fixarchive

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrUnknownCodec is returned for a codec name or id with no registered
// implementation.
var ErrUnknownCodec = errors.New("fixarchive: unknown codec")

// CodecID is the one-byte codec marker stored in each archive section.
type CodecID byte

const (
	CodecNone CodecID = iota
	CodecZstd
	CodecS2
	CodecLZ4
)

// Codec compresses and decompresses one section payload.
type Codec interface {
	Name() string
	ID() CodecID
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var codecs = map[CodecID]Codec{
	CodecNone: noneCodec{},
	CodecZstd: zstdCodec{},
	CodecS2:   s2Codec{},
	CodecLZ4:  lz4Codec{},
}

// CodecByName resolves a configured codec name (zstd, s2, lz4 or none).
func CodecByName(name string) (Codec, error) {
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

func codecByID(id CodecID) (Codec, error) {
	c, ok := codecs[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownCodec, id)
	}
	return c, nil
}

type noneCodec struct{}

func (noneCodec) Name() string                           { return "none" }
func (noneCodec) ID() CodecID                            { return CodecNone }
func (noneCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

var (
	zstdEncoderPool = sync.Pool{
		New: func() any {
			enc, err := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.SpeedDefault),
				zstd.WithEncoderCRC(false))
			if err != nil {
				panic(fmt.Sprintf("fixarchive: zstd encoder: %v", err))
			}
			return enc
		},
	}
	zstdDecoderPool = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil,
				zstd.WithDecoderConcurrency(1),
				zstd.WithDecoderLowmem(false))
			if err != nil {
				panic(fmt.Sprintf("fixarchive: zstd decoder: %v", err))
			}
			return dec
		},
	}
)

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }
func (zstdCodec) ID() CodecID  { return CodecZstd }

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	enc, _ := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec, _ := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

type s2Codec struct{}

func (s2Codec) Name() string { return "s2" }
func (s2Codec) ID() CodecID  { return CodecS2 }

func (s2Codec) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return s2.Encode(nil, data), nil
}

func (s2Codec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return s2.Decode(nil, data)
}

var lz4CompressorPool = sync.Pool{
	New: func() any { return &lz4.Compressor{} },
}

// errIncompressible is returned by the lz4 codec when the block would not
// shrink; the writer stores such sections uncompressed.
var errIncompressible = errors.New("fixarchive: incompressible block")

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }
func (lz4Codec) ID() CodecID  { return CodecLZ4 }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	lc, _ := lz4CompressorPool.Get().(*lz4.Compressor)
	defer lz4CompressorPool.Put(lc)

	n, err := lc.CompressBlock(data, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	const maxSize = 128 << 20
	for size := len(data) * 4; size <= maxSize; size *= 2 {
		buf := make([]byte, size)
		n, err := lz4.UncompressBlock(data, buf)
		if errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
	return nil, lz4.ErrInvalidSourceShortBuffer
}
