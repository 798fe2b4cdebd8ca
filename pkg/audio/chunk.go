package audio

import (
	"encoding/binary"
	"time"
)

// DefaultBytesPerMs approximates 128 kbps encoded audio: ~16 bytes per
// millisecond. Exact duration is unknown until decode, so the pipeline
// works off this estimate.
const DefaultBytesPerMs = 16

// Chunk is an opaque, immutable blob of encoded audio plus its declared
// codec. Produced by capture, consumed exactly once by a transport sender.
type Chunk struct {
	Seq       uint32
	MIME      string
	Data      []byte
	Timestamp time.Time
}

// EstimatedDuration derives a playable-duration estimate from byte size.
// bytesPerMs <= 0 falls back to DefaultBytesPerMs.
func (c Chunk) EstimatedDuration(bytesPerMs int) time.Duration {
	return EstimateDuration(len(c.Data), bytesPerMs)
}

// EstimateDuration converts a byte count into an approximate duration at
// the given byte rate.
func EstimateDuration(size, bytesPerMs int) time.Duration {
	if bytesPerMs <= 0 {
		bytesPerMs = DefaultBytesPerMs
	}
	return time.Duration(size/bytesPerMs) * time.Millisecond
}

// MarshalBinary serializes a chunk for ring-buffer framing.
// Format: seq(4) + timestamp(8) + mimeLen(2) + mime + dataLen(4) + data
func (c *Chunk) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4+8+2+len(c.MIME)+4+len(c.Data))

	offset := 0
	binary.LittleEndian.PutUint32(buf[offset:], c.Seq)
	offset += 4

	binary.LittleEndian.PutUint64(buf[offset:], uint64(c.Timestamp.UnixNano()))
	offset += 8

	binary.LittleEndian.PutUint16(buf[offset:], uint16(len(c.MIME)))
	offset += 2
	copy(buf[offset:], c.MIME)
	offset += len(c.MIME)

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(c.Data)))
	offset += 4
	copy(buf[offset:], c.Data)

	return buf, nil
}

// UnmarshalBinary reverses MarshalBinary. Truncated input leaves the
// receiver zeroed rather than erroring; the ring discards such frames.
func (c *Chunk) UnmarshalBinary(data []byte) error {
	if len(data) < 18 { // minimum: 4+8+2+4
		return nil
	}

	offset := 0
	c.Seq = binary.LittleEndian.Uint32(data[offset:])
	offset += 4

	ts := int64(binary.LittleEndian.Uint64(data[offset:]))
	c.Timestamp = time.Unix(0, ts)
	offset += 8

	mimeLen := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2
	if len(data[offset:]) < mimeLen {
		return nil
	}
	c.MIME = string(data[offset : offset+mimeLen])
	offset += mimeLen

	if len(data[offset:]) < 4 {
		return nil
	}
	dataLen := binary.LittleEndian.Uint32(data[offset:])
	offset += 4

	if len(data[offset:]) >= int(dataLen) {
		c.Data = make([]byte, dataLen)
		copy(c.Data, data[offset:offset+int(dataLen)])
	}

	return nil
}
