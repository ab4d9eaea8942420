package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type selects the compression algorithm.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = 0
	// LZ4 is fast block compression, used for hot data such as undo images.
	LZ4 Type = 1
	// ZSTD trades speed for ratio, used for checkpoint files.
	ZSTD Type = 2
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32-Castagnoli of data, the checksum stored in
// frame headers.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// HeaderSize is the size of a frame header.
const HeaderSize = 16

var (
	// ErrCorrupt is returned for frames that cannot be decoded.
	ErrCorrupt = errors.New("compress: corrupt frame")
	// ErrChecksum is returned when the decoded data does not match the frame checksum.
	ErrChecksum = errors.New("compress: checksum mismatch")
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	}
	return fmt.Sprintf("compress(%d)", uint8(t))
}

// ParseType parses the name returned by Type.String.
func ParseType(s string) (Type, error) {
	switch s {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	}
	return None, fmt.Errorf("compress: unknown type %q", s)
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

// Encode returns data framed and compressed with t.
func Encode(t Type, data []byte) ([]byte, error) {
	var packed []byte
	switch t {
	case None:
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n]
	case ZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("compress: unsupported type %d", t)
	}

	if len(packed) == 0 || float64(len(packed)) > float64(len(data))*0.9 {
		packed = nil
		t = None
	}

	body := data
	if packed != nil {
		body = packed
	}
	out := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(packed)))
	binary.LittleEndian.PutUint32(out[8:], Checksum(data))
	out[12] = byte(t)
	copy(out[HeaderSize:], body)
	return out, nil
}

// FrameSize returns the total size of the frame whose header is hdr.
func FrameSize(hdr []byte) (int, error) {
	if len(hdr) < HeaderSize {
		return 0, ErrCorrupt
	}
	raw := binary.LittleEndian.Uint32(hdr[0:])
	stored := binary.LittleEndian.Uint32(hdr[4:])
	if stored == 0 {
		return HeaderSize + int(raw), nil
	}
	return HeaderSize + int(stored), nil
}

// RawSize returns the decoded size of the frame whose header is hdr.
func RawSize(hdr []byte) (int, error) {
	if len(hdr) < HeaderSize {
		return 0, ErrCorrupt
	}
	return int(binary.LittleEndian.Uint32(hdr[0:])), nil
}

// Decode decodes frame into dst, which must hold at least the raw size,
// and returns the decoded prefix of dst.
func Decode(frame []byte, dst []byte) ([]byte, error) {
	size, err := FrameSize(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) < size {
		return nil, ErrCorrupt
	}
	raw := int(binary.LittleEndian.Uint32(frame[0:]))
	stored := binary.LittleEndian.Uint32(frame[4:])
	sum := binary.LittleEndian.Uint32(frame[8:])
	t := Type(frame[12])
	if len(dst) < raw {
		return nil, fmt.Errorf("%w: destination too small (%d < %d)", ErrCorrupt, len(dst), raw)
	}
	body := frame[HeaderSize:size]
	out := dst[:raw]

	switch {
	case stored == 0:
		copy(out, body)
	case t == LZ4:
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if n != raw {
			return nil, ErrCorrupt
		}
	case t == ZSTD:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(body, out[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(decoded) != raw {
			return nil, ErrCorrupt
		}
	default:
		return nil, ErrCorrupt
	}

	if Checksum(out) != sum {
		return nil, ErrChecksum
	}
	return out, nil
}
