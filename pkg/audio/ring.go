package audio

import (
	"errors"

	"github.com/smallnest/ringbuffer"
)

// ChunkRing is a bounded FIFO of encoded chunks sitting between the
// recorder and the transport sender. Overflow evicts whole frames from
// the front so capture never blocks on a slow connection.
type ChunkRing interface {
	Enqueue(c Chunk) error
	Dequeue() (Chunk, bool)
	Len() int
	Capacity() int
	Drain() []Chunk
}

type chunkRing struct {
	size int
	rb   *ringbuffer.RingBuffer
}

// NewChunkRing allocates a ring of size bytes. Frames are stored with a
// 4-byte little-endian length prefix.
func NewChunkRing(size int) ChunkRing {
	return &chunkRing{
		size: size,
		rb:   ringbuffer.New(size).SetBlocking(false),
	}
}

func (r *chunkRing) Capacity() int {
	return r.size
}

func (r *chunkRing) Len() int {
	return r.rb.Length()
}

func (r *chunkRing) Enqueue(c Chunk) error {
	data, err := c.MarshalBinary()
	if err != nil {
		return err
	}

	requiredSpace := len(data) + 4
	if requiredSpace > r.rb.Capacity() {
		return errors.New("audio chunk too large for ring")
	}

	// Evict oldest frames until the new one fits.
	for r.rb.Free() < requiredSpace {
		if !r.removeOldestFrame() {
			r.rb.Reset()
			break
		}
	}

	sizeBytes := []byte{
		byte(len(data)),
		byte(len(data) >> 8),
		byte(len(data) >> 16),
		byte(len(data) >> 24),
	}
	if _, err := r.rb.Write(sizeBytes); err != nil {
		return err
	}
	_, err = r.rb.Write(data)
	return err
}

func (r *chunkRing) Dequeue() (Chunk, bool) {
	if r.rb.IsEmpty() {
		return Chunk{}, false
	}

	sizeBytes := make([]byte, 4)
	n, err := r.rb.Read(sizeBytes)
	if err != nil || n != 4 {
		return Chunk{}, false
	}
	size := int(sizeBytes[0]) | int(sizeBytes[1])<<8 | int(sizeBytes[2])<<16 | int(sizeBytes[3])<<24

	data := make([]byte, size)
	n, err = r.rb.Read(data)
	if err != nil || n != size {
		return Chunk{}, false
	}

	var c Chunk
	if err := c.UnmarshalBinary(data); err != nil {
		return Chunk{}, false
	}
	return c, true
}

// Drain empties the ring in FIFO order. Used when finalizing an utterance
// so every captured chunk reaches the wire before end-of-audio.
func (r *chunkRing) Drain() []Chunk {
	var out []Chunk
	for {
		c, ok := r.Dequeue()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

func (r *chunkRing) removeOldestFrame() bool {
	if r.rb.IsEmpty() {
		return false
	}

	sizeBytes := make([]byte, 4)
	n, err := r.rb.Read(sizeBytes)
	if err != nil || n != 4 {
		return false
	}
	size := int(sizeBytes[0]) | int(sizeBytes[1])<<8 | int(sizeBytes[2])<<16 | int(sizeBytes[3])<<24

	if size > 0 {
		skip := make([]byte, size)
		n, err := r.rb.Read(skip)
		if err != nil || n != size {
			return false
		}
	}
	return true
}
