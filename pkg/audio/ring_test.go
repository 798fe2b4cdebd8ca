package audio

import (
	"testing"
	"time"
)

func TestChunkRingRoundTrip(t *testing.T) {
	ring := NewChunkRing(1024)

	if ring.Capacity() != 1024 {
		t.Errorf("Expected capacity 1024, got %d", ring.Capacity())
	}
	if ring.Len() != 0 {
		t.Errorf("Expected empty ring, got length %d", ring.Len())
	}

	c1 := Chunk{
		Seq:       7,
		MIME:      "audio/pcm;rate=16000",
		Data:      []byte{1, 2, 3, 4, 5},
		Timestamp: time.Now(),
	}

	if err := ring.Enqueue(c1); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if ring.Len() == 0 {
		t.Error("Ring should not be empty after enqueue")
	}

	got, ok := ring.Dequeue()
	if !ok {
		t.Fatal("Failed to dequeue")
	}
	if got.Seq != c1.Seq {
		t.Errorf("Expected seq %d, got %d", c1.Seq, got.Seq)
	}
	if got.MIME != c1.MIME {
		t.Errorf("Expected MIME %q, got %q", c1.MIME, got.MIME)
	}
	if len(got.Data) != len(c1.Data) {
		t.Fatalf("Expected data length %d, got %d", len(c1.Data), len(got.Data))
	}
	for i, b := range got.Data {
		if b != c1.Data[i] {
			t.Errorf("Data mismatch at index %d: expected %d, got %d", i, c1.Data[i], b)
		}
	}

	if _, ok := ring.Dequeue(); ok {
		t.Error("Dequeue on empty ring should report not ok")
	}
}

func TestChunkRingPreservesOrder(t *testing.T) {
	ring := NewChunkRing(4096)

	for i := 0; i < 10; i++ {
		c := Chunk{Seq: uint32(i), MIME: "audio/webm", Data: []byte{byte(i)}, Timestamp: time.Now()}
		if err := ring.Enqueue(c); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	for i := 0; i < 10; i++ {
		c, ok := ring.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d failed", i)
		}
		if c.Seq != uint32(i) {
			t.Errorf("Expected seq %d, got %d", i, c.Seq)
		}
	}
}

func TestChunkRingOverflowEvictsOldest(t *testing.T) {
	// Each frame is 4 (prefix) + 18 (header) + 8 (mime) + 16 (data) = 46 bytes.
	// A 200-byte ring holds four frames; the fifth must evict seq 0.
	ring := NewChunkRing(200)

	for i := 0; i < 5; i++ {
		c := Chunk{Seq: uint32(i), MIME: "audio/aa", Data: make([]byte, 16), Timestamp: time.Now()}
		if err := ring.Enqueue(c); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	first, ok := ring.Dequeue()
	if !ok {
		t.Fatal("Dequeue failed after overflow")
	}
	if first.Seq == 0 {
		t.Error("Oldest frame should have been evicted on overflow")
	}

	var last Chunk
	for {
		c, ok := ring.Dequeue()
		if !ok {
			break
		}
		last = c
	}
	if last.Seq != 4 {
		t.Errorf("Expected newest frame seq 4 to survive, got %d", last.Seq)
	}
}

func TestChunkRingDrain(t *testing.T) {
	ring := NewChunkRing(1024)
	for i := 0; i < 3; i++ {
		if err := ring.Enqueue(Chunk{Seq: uint32(i), MIME: "audio/webm", Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	out := ring.Drain()
	if len(out) != 3 {
		t.Fatalf("Expected 3 drained chunks, got %d", len(out))
	}
	for i, c := range out {
		if c.Seq != uint32(i) {
			t.Errorf("Drain order broken at %d: got seq %d", i, c.Seq)
		}
	}
	if ring.Len() != 0 {
		t.Errorf("Ring should be empty after drain, got %d", ring.Len())
	}
}

func TestChunkTooLarge(t *testing.T) {
	ring := NewChunkRing(64)
	err := ring.Enqueue(Chunk{Data: make([]byte, 128)})
	if err == nil {
		t.Error("Expected error for oversized chunk")
	}
}

func TestEstimateDuration(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		bytesPerMs int
		want       time.Duration
	}{
		{name: "2000 bytes at default rate", size: 2000, bytesPerMs: 16, want: 125 * time.Millisecond},
		{name: "zero size", size: 0, bytesPerMs: 16, want: 0},
		{name: "fallback rate", size: 160, bytesPerMs: 0, want: 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateDuration(tt.size, tt.bytesPerMs); got != tt.want {
				t.Errorf("EstimateDuration(%d, %d) = %v, want %v", tt.size, tt.bytesPerMs, got, tt.want)
			}
		})
	}
}
