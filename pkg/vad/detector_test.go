package vad

import (
	"testing"
	"time"
)

func TestRMS(t *testing.T) {
	tests := []struct {
		name    string
		samples []float32
		want    float64
	}{
		{name: "empty window", samples: nil, want: 0},
		{name: "digital silence", samples: make([]float32, 512), want: 0},
		{name: "full scale", samples: []float32{1, -1, 1, -1}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RMS(tt.samples)
			if got != tt.want {
				t.Errorf("RMS = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestDetectorFiresOnceAfterSustainedSilence(t *testing.T) {
	det := NewDetector(0.01, 800*time.Millisecond)
	start := time.Now()

	fired := 0
	// 1.5s of continuous silence sampled every 50ms.
	for i := 0; i <= 30; i++ {
		now := start.Add(time.Duration(i) * 50 * time.Millisecond)
		if det.Observe(now, 0.001) {
			fired++
		}
	}

	if fired != 1 {
		t.Errorf("Expected exactly one completion signal, got %d", fired)
	}
}

func TestDetectorIntermittentSpeechNeverFires(t *testing.T) {
	det := NewDetector(0.01, 800*time.Millisecond)
	start := time.Now()

	fired := 0
	// Loud sample every 700ms keeps each silence gap under the window.
	for i := 0; i < 100; i++ {
		now := start.Add(time.Duration(i) * 50 * time.Millisecond)
		loudness := 0.001
		if i%14 == 0 {
			loudness = 0.5
		}
		if det.Observe(now, loudness) {
			fired++
		}
	}

	if fired != 0 {
		t.Errorf("Expected no completion signal, got %d", fired)
	}
}

func TestDetectorSpeechClearsSilenceTimer(t *testing.T) {
	det := NewDetector(0.01, 800*time.Millisecond)
	start := time.Now()

	// 700ms of silence, then speech, then the silence clock must restart.
	if det.Observe(start, 0.001) {
		t.Fatal("fired too early")
	}
	if det.Observe(start.Add(700*time.Millisecond), 0.001) {
		t.Fatal("fired before window elapsed")
	}
	if det.Observe(start.Add(750*time.Millisecond), 0.8) {
		t.Fatal("fired on speech")
	}
	// 790ms of silence after speech resumed: still under the window.
	if det.Observe(start.Add(800*time.Millisecond), 0.001) {
		t.Fatal("silence timer was not cleared by speech")
	}
	if det.Observe(start.Add(1590*time.Millisecond), 0.001) {
		t.Fatal("fired at exactly the window boundary")
	}
	if !det.Observe(start.Add(1700*time.Millisecond), 0.001) {
		t.Error("expected completion after renewed sustained silence")
	}
}

func TestDetectorReset(t *testing.T) {
	det := NewDetector(0.01, 100*time.Millisecond)
	start := time.Now()

	det.Observe(start, 0.001)
	if !det.Observe(start.Add(200*time.Millisecond), 0.001) {
		t.Fatal("expected fire")
	}
	if det.Observe(start.Add(500*time.Millisecond), 0.001) {
		t.Error("detector must stay quiet until reset")
	}

	det.Reset()
	det.Observe(start.Add(600*time.Millisecond), 0.001)
	if !det.Observe(start.Add(800*time.Millisecond), 0.001) {
		t.Error("expected fire after reset")
	}
}
