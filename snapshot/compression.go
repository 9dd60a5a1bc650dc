package snapshot

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the algorithm applied to each section payload.
type Compression uint8

const (
	// CompressionNone stores sections verbatim.
	CompressionNone Compression = 0
	// CompressionLZ4 favors encode/decode speed over ratio.
	CompressionLZ4 Compression = 1
	// CompressionZSTD favors ratio over speed.
	CompressionZSTD Compression = 2
)

func (c Compression) valid() bool {
	return c <= CompressionZSTD
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Section format: [RawSize uint32][PackedSize uint32][Data...].
// PackedSize == 0 means the data is stored verbatim and RawSize bytes follow.
const sectionHeaderSize = 8

// packSection compresses data and prepends the section header. Payloads
// that do not shrink below 90% of their raw size are stored verbatim so
// incompressible sections never pay a decode cost.
func packSection(data []byte, c Compression) ([]byte, error) {
	var packed []byte
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		buf := make([]byte, bound)
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n] // n == 0 means incompressible
	case CompressionZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, errors.New("unknown compression type")
	}

	if len(packed) == 0 || float64(len(packed)) > float64(len(data))*0.9 {
		out := make([]byte, sectionHeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
		binary.LittleEndian.PutUint32(out[4:], 0)
		copy(out[sectionHeaderSize:], data)
		return out, nil
	}

	out := make([]byte, sectionHeaderSize+len(packed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(packed)))
	copy(out[sectionHeaderSize:], packed)
	return out, nil
}

// unpackSection decodes one section from the front of data and returns the
// raw payload plus the number of bytes consumed.
func unpackSection(data []byte, c Compression) ([]byte, int, error) {
	if len(data) < sectionHeaderSize {
		return nil, 0, errors.New("section truncated: missing header")
	}
	rawSize := binary.LittleEndian.Uint32(data[0:])
	packedSize := binary.LittleEndian.Uint32(data[4:])

	if packedSize == 0 {
		end := sectionHeaderSize + int(rawSize)
		if len(data) < end {
			return nil, 0, errors.New("section truncated: missing payload")
		}
		return data[sectionHeaderSize:end], end, nil
	}

	end := sectionHeaderSize + int(packedSize)
	if len(data) < end {
		return nil, 0, errors.New("section truncated: missing payload")
	}
	packed := data[sectionHeaderSize:end]
	raw := make([]byte, rawSize)

	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(packed, raw)
		if err != nil {
			return nil, 0, err
		}
		if uint32(n) != rawSize {
			return nil, 0, errors.New("section size mismatch after decompression")
		}
	case CompressionZSTD:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(packed, raw[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, 0, err
		}
		if uint32(len(decoded)) != rawSize {
			return nil, 0, errors.New("section size mismatch after decompression")
		}
		raw = decoded
	default:
		return nil, 0, errors.New("compressed section with no compression type")
	}
	return raw, end, nil
}
