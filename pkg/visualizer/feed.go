// Package visualizer turns live audio samples into per-band levels for
// a terminal or UI meter. It follows whichever pipeline tap currently
// carries signal, and without any it falls back to a synthetic animated
// pattern, so the surface stays alive while audio is unavailable.
package visualizer

import (
	"math"
	"time"

	"github.com/elysialabs/voicepipe/pkg/vad"
)

const (
	// DefaultBins is the number of frequency bands reported per frame.
	DefaultBins = 32
	// windowSamples is the analysis window pulled from the tap.
	windowSamples = 512
	// minSamples is the smallest window worth analyzing; below it the
	// synthetic pattern is used instead.
	minSamples = 64
	// activityFloor is the RMS below which a tap counts as silent and
	// the next candidate gets a look.
	activityFloor = 0.001
)

// Config carries the feed knobs. No taps selects synthetic mode.
type Config struct {
	Bins int
	// Taps are candidate sample sources in preference order. Each frame
	// renders the first tap currently carrying signal, so the meter
	// tracks assistant playback and the mic without rewiring.
	Taps []vad.SampleTap
}

// Feed produces one magnitude frame per call. Levels are in [0, 1].
type Feed struct {
	bins int
	taps []vad.SampleTap
	buf  []float32
}

// New builds a feed. Zero Bins takes DefaultBins.
func New(cfg Config) *Feed {
	if cfg.Bins <= 0 {
		cfg.Bins = DefaultBins
	}
	return &Feed{
		bins: cfg.Bins,
		taps: cfg.Taps,
		buf:  make([]float32, windowSamples),
	}
}

// Bins reports the number of bands per frame.
func (f *Feed) Bins() int { return f.bins }

// Frame computes the current band levels. The first tap with audible
// signal wins; a tap that only holds silence is kept as a quiet frame
// in case every candidate is idle. With no samples anywhere the frame
// is synthetic, animated by now.
func (f *Feed) Frame(now time.Time) []float64 {
	var idle []float64
	for _, tap := range f.taps {
		if tap == nil {
			continue
		}
		n, err := tap.ReadSamples(f.buf)
		if err != nil || n < minSamples {
			continue
		}
		if vad.RMS(f.buf[:n]) >= activityFloor {
			return f.analyze(f.buf[:n])
		}
		if idle == nil {
			idle = f.analyze(f.buf[:n])
		}
	}
	if idle != nil {
		return idle
	}
	return f.synthetic(now)
}

// analyze computes per-band spectral magnitudes with the Goertzel
// recurrence, one evaluation per band.
func (f *Feed) analyze(samples []float32) []float64 {
	n := len(samples)
	out := make([]float64, f.bins)
	for b := 0; b < f.bins; b++ {
		k := binIndex(b, f.bins, n)
		out[b] = clamp01(goertzel(samples, k) / (float64(n) / 2))
	}
	return out
}

// binIndex maps band b onto a DFT index in (0, n/2).
func binIndex(b, bins, n int) int {
	k := 1 + b*(n/2-2)/bins
	return k
}

// goertzel evaluates the DFT magnitude at index k.
func goertzel(samples []float32, k int) float64 {
	n := len(samples)
	w := 2 * math.Pi * float64(k) / float64(n)
	coeff := 2 * math.Cos(w)
	var s0, s1, s2 float64
	for _, x := range samples {
		s0 = float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	// Magnitude from the final recurrence state.
	return math.Sqrt(s1*s1 + s2*s2 - coeff*s1*s2)
}

// synthetic renders a slow traveling wave so the meter visibly
// animates without input.
func (f *Feed) synthetic(now time.Time) []float64 {
	t := float64(now.UnixMilli()) / 1000
	out := make([]float64, f.bins)
	for b := range out {
		phase := t*2.4 + float64(b)*0.45
		v := 0.3 + 0.25*math.Sin(phase) + 0.15*math.Sin(phase*1.7+1.3)
		out[b] = clamp01(v)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
