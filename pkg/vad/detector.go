// Package vad infers utterance boundaries from short-window loudness.
package vad

import (
	"math"
	"time"
)

const (
	// DefaultThreshold is the RMS loudness below which a window counts
	// as silence, on a [0,1] scale.
	DefaultThreshold = 0.01
	// DefaultSilenceWindow is how long silence must persist before an
	// utterance is considered complete.
	DefaultSilenceWindow = 800 * time.Millisecond
)

// Detector tracks a running silence interval over observed loudness
// values. It is not safe for concurrent use; the Monitor owns it.
type Detector struct {
	threshold     float64
	silenceWindow time.Duration

	silenceStart time.Time
	fired        bool
}

func NewDetector(threshold float64, silenceWindow time.Duration) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if silenceWindow <= 0 {
		silenceWindow = DefaultSilenceWindow
	}
	return &Detector{threshold: threshold, silenceWindow: silenceWindow}
}

// RMS computes root-mean-square loudness of a sample window, normalized
// to [0,1]. Samples are expected in [-1,1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms > 1 {
		rms = 1
	}
	return rms
}

// Observe records one loudness reading. It returns true exactly once per
// armed cycle, when silence has persisted for the configured window.
// Loudness at or above threshold clears the silence timer: speech resumed.
func (d *Detector) Observe(now time.Time, loudness float64) bool {
	if d.fired {
		return false
	}
	if loudness >= d.threshold {
		d.silenceStart = time.Time{}
		return false
	}
	if d.silenceStart.IsZero() {
		d.silenceStart = now
		return false
	}
	if now.Sub(d.silenceStart) > d.silenceWindow {
		d.fired = true
		return true
	}
	return false
}

// Reset re-arms the detector for the next utterance.
func (d *Detector) Reset() {
	d.silenceStart = time.Time{}
	d.fired = false
}

// Threshold reports the configured silence threshold.
func (d *Detector) Threshold() float64 {
	return d.threshold
}
