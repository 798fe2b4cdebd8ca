package visualizer

import (
	"math"
	"testing"
	"time"

	"github.com/elysialabs/voicepipe/pkg/vad"
)

type sineTap struct {
	n int
	k int
}

func (s sineTap) ReadSamples(buf []float32) (int, error) {
	n := s.n
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = float32(math.Sin(2 * math.Pi * float64(s.k) * float64(i) / float64(s.n)))
	}
	return n, nil
}

type emptyTap struct{}

func (emptyTap) ReadSamples(buf []float32) (int, error) { return 0, nil }

// silentTap holds a full window of zeros, like a paused playback sink.
type silentTap struct{ n int }

func (s silentTap) ReadSamples(buf []float32) (int, error) {
	n := s.n
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	return n, nil
}

func TestAnalyzePeaksAtToneBand(t *testing.T) {
	const bins = 32
	// A pure tone exactly on band 5's DFT index must dominate.
	k := binIndex(5, bins, windowSamples)
	f := New(Config{Bins: bins, Taps: []vad.SampleTap{sineTap{n: windowSamples, k: k}}})

	frame := f.Frame(time.Now())
	if len(frame) != bins {
		t.Fatalf("frame size = %d, want %d", len(frame), bins)
	}

	peak := 0
	for b := range frame {
		if frame[b] > frame[peak] {
			peak = b
		}
	}
	if peak != 5 {
		t.Errorf("peak band = %d, want 5 (frame %v)", peak, frame)
	}
	if frame[5] < 0.5 {
		t.Errorf("tone band level = %v, want >= 0.5", frame[5])
	}
	for b := range frame {
		if frame[b] < 0 || frame[b] > 1 {
			t.Errorf("band %d = %v, out of [0,1]", b, frame[b])
		}
	}
}

func TestSyntheticFallbackAnimates(t *testing.T) {
	f := New(Config{})
	if f.Bins() != DefaultBins {
		t.Fatalf("bins = %d, want %d", f.Bins(), DefaultBins)
	}

	base := time.Unix(1700000000, 0)
	a := f.Frame(base)
	b := f.Frame(base.Add(300 * time.Millisecond))

	if len(a) != DefaultBins || len(b) != DefaultBins {
		t.Fatalf("frame sizes = %d, %d", len(a), len(b))
	}
	same := true
	for i := range a {
		if a[i] < 0 || a[i] > 1 {
			t.Fatalf("level %d = %v, out of [0,1]", i, a[i])
		}
		if a[i] != b[i] {
			same = false
		}
	}
	if same {
		t.Error("synthetic frames identical across time; pattern must animate")
	}
}

func TestEmptyTapFallsBackToSynthetic(t *testing.T) {
	f := New(Config{Bins: 8, Taps: []vad.SampleTap{emptyTap{}}})
	frame := f.Frame(time.Unix(1700000000, 0))
	if len(frame) != 8 {
		t.Fatalf("frame size = %d, want 8", len(frame))
	}
	var nonZero int
	for _, v := range frame {
		if v > 0 {
			nonZero++
		}
	}
	if nonZero == 0 {
		t.Error("synthetic fallback produced a silent frame")
	}
}

func TestFrameFollowsTapWithSignal(t *testing.T) {
	const bins = 32
	k := binIndex(5, bins, windowSamples)
	tone := sineTap{n: windowSamples, k: k}

	// The preferred tap is silent, so the meter must render the tap
	// that actually carries audio.
	f := New(Config{Bins: bins, Taps: []vad.SampleTap{silentTap{n: windowSamples}, tone}})
	frame := f.Frame(time.Now())
	peak := 0
	for b := range frame {
		if frame[b] > frame[peak] {
			peak = b
		}
	}
	if peak != 5 {
		t.Errorf("peak band = %d, want 5 from the active tap", peak)
	}
	if frame[5] < 0.5 {
		t.Errorf("tone band level = %v, want >= 0.5", frame[5])
	}

	// With the tone first the preference order holds as-is.
	f = New(Config{Bins: bins, Taps: []vad.SampleTap{tone, silentTap{n: windowSamples}}})
	frame = f.Frame(time.Now())
	if frame[5] < 0.5 {
		t.Errorf("preferred tap ignored: band 5 = %v", frame[5])
	}

	// All candidates silent renders a quiet frame, not the synthetic
	// animation.
	f = New(Config{Bins: bins, Taps: []vad.SampleTap{silentTap{n: windowSamples}}})
	frame = f.Frame(time.Now())
	for b, v := range frame {
		if v != 0 {
			t.Fatalf("band %d = %v during silence, want 0", b, v)
		}
	}
}
