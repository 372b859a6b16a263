package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/mnohosten/pagestore/pkg/pserrors"
)

// compressionHeaderSize is the fixed on-disk header compression adds
// ahead of every page's payload: one flag byte (0 = stored raw, 1 =
// zstd-compressed) followed by a big-endian uint32 payload length.
const compressionHeaderSize = 5

// PageCompressor applies zstd to page bytes before they reach disk,
// falling back to storing a page raw when compressing it doesn't
// shrink it below its slot size.
type PageCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewPageCompressor builds a zstd-backed page compressor at the
// default balanced encoder level.
func NewPageCompressor() (*PageCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &PageCompressor{enc: enc, dec: dec}, nil
}

// encode compresses raw (exactly PageSize bytes) into slot, which must
// be at least PageSize+compressionHeaderSize long. Bucket and
// directory pages are often sparse at low load factor and compress
// well; a page that doesn't compress smaller than its slot is stored
// raw instead, flagged accordingly.
func (c *PageCompressor) encode(raw []byte, slot []byte) {
	compressed := c.enc.EncodeAll(raw, nil)
	if len(compressed)+compressionHeaderSize <= len(slot) {
		slot[0] = 1
		binary.BigEndian.PutUint32(slot[1:5], uint32(len(compressed)))
		n := copy(slot[5:], compressed)
		clear(slot[5+n:])
		return
	}

	slot[0] = 0
	binary.BigEndian.PutUint32(slot[1:5], uint32(len(raw)))
	n := copy(slot[5:], raw)
	clear(slot[5+n:])
}

// decode is the inverse of encode.
func (c *PageCompressor) decode(slot []byte) ([]byte, error) {
	if len(slot) < compressionHeaderSize {
		return nil, fmt.Errorf("%w: compressed page slot too short (%d bytes)", pserrors.ErrCorruption, len(slot))
	}
	flag := slot[0]
	n := binary.BigEndian.Uint32(slot[1:5])
	if int(n) > len(slot)-compressionHeaderSize {
		return nil, fmt.Errorf("%w: compressed payload length %d exceeds slot", pserrors.ErrCorruption, n)
	}
	payload := slot[compressionHeaderSize : compressionHeaderSize+int(n)]

	if flag == 0 {
		return payload, nil
	}

	raw, err := c.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decode failed: %v", pserrors.ErrCorruption, err)
	}
	return raw, nil
}
