package audio

import (
	"math"
	"sync"
	"testing"
	"time"
)

func loudFrame(n int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.3
	}
	return samples
}

func quietFrame(n int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.001
	}
	return samples
}

func TestDetector_SpeechStartsImmediately(t *testing.T) {
	vad := NewDetector(VADConfig{EnergyThreshold: 0.01, SilenceTimeout: time.Second}, nil)
	defer vad.Stop()

	if vad.Speaking() {
		t.Error("Expected initial speaking state to be false")
	}
	if !vad.ProcessFrame(loudFrame(320)) {
		t.Error("Expected a single loud frame to set speaking true")
	}
	if !vad.Speaking() {
		t.Error("Expected Speaking() true after loud frame")
	}
}

func TestDetector_QuietFramesNeverTrigger(t *testing.T) {
	vad := NewDetector(VADConfig{EnergyThreshold: 0.01, SilenceTimeout: time.Second}, nil)
	defer vad.Stop()

	for i := 0; i < 20; i++ {
		if vad.ProcessFrame(quietFrame(320)) {
			t.Errorf("Expected silence on frame %d", i)
		}
	}
}

func TestDetector_SilenceTimeout(t *testing.T) {
	vad := NewDetector(VADConfig{EnergyThreshold: 0.01, SilenceTimeout: 40 * time.Millisecond}, nil)
	defer vad.Stop()

	vad.ProcessFrame(loudFrame(320))
	if !vad.Speaking() {
		t.Fatal("Expected speaking after loud frame")
	}

	// Still within the timeout window
	time.Sleep(10 * time.Millisecond)
	if !vad.Speaking() {
		t.Error("Expected speaking to stay true before the silence timeout")
	}

	// Well past the timeout with no further loud frames
	time.Sleep(100 * time.Millisecond)
	if vad.Speaking() {
		t.Error("Expected speaking false after the silence timeout")
	}
}

func TestDetector_LoudFrameRearmsTimer(t *testing.T) {
	vad := NewDetector(VADConfig{EnergyThreshold: 0.01, SilenceTimeout: 60 * time.Millisecond}, nil)
	defer vad.Stop()

	// Keep feeding loud frames past the original timeout window
	for i := 0; i < 4; i++ {
		vad.ProcessFrame(loudFrame(320))
		time.Sleep(30 * time.Millisecond)
		if !vad.Speaking() {
			t.Fatalf("Expected speaking to stay true while loud frames keep arriving (iteration %d)", i)
		}
	}

	time.Sleep(150 * time.Millisecond)
	if vad.Speaking() {
		t.Error("Expected speaking false once loud frames stop")
	}
}

func TestDetector_OnChangeTransitions(t *testing.T) {
	var mu sync.Mutex
	var transitions []bool

	vad := NewDetector(VADConfig{EnergyThreshold: 0.01, SilenceTimeout: 30 * time.Millisecond}, func(speaking bool) {
		mu.Lock()
		transitions = append(transitions, speaking)
		mu.Unlock()
	})
	defer vad.Stop()

	vad.ProcessFrame(loudFrame(320))
	vad.ProcessFrame(loudFrame(320)) // no duplicate transition
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 {
		t.Fatalf("Expected 2 transitions, got %d: %v", len(transitions), transitions)
	}
	if !transitions[0] || transitions[1] {
		t.Errorf("Expected [true false], got %v", transitions)
	}
}

func TestDetector_StopCancelsTimer(t *testing.T) {
	fired := make(chan bool, 4)
	vad := NewDetector(VADConfig{EnergyThreshold: 0.01, SilenceTimeout: 20 * time.Millisecond}, func(speaking bool) {
		fired <- speaking
	})

	vad.ProcessFrame(loudFrame(320))
	<-fired // consume the speaking=true transition
	vad.Stop()

	select {
	case v := <-fired:
		t.Errorf("Expected no transition after Stop, got %v", v)
	case <-time.After(80 * time.Millisecond):
	}

	if vad.Speaking() {
		t.Error("Expected speaking false after Stop")
	}
	if vad.ProcessFrame(loudFrame(320)) {
		t.Error("Expected ProcessFrame to be a no-op after Stop")
	}
}

func TestDetector_StaleExpiryIgnoredAfterRearm(t *testing.T) {
	vad := NewDetector(VADConfig{EnergyThreshold: 0.01, SilenceTimeout: time.Minute}, nil)
	defer vad.Stop()

	vad.ProcessFrame(loudFrame(320))
	staleGen := vad.gen
	vad.ProcessFrame(loudFrame(320)) // re-arms the window

	// A callback from the superseded timer that only now acquires the lock
	// must not drop the freshly re-armed speaking window.
	vad.silenceExpired(staleGen)
	if !vad.Speaking() {
		t.Error("Expected stale silence expiry to be ignored after re-arm")
	}

	vad.silenceExpired(vad.gen)
	if vad.Speaking() {
		t.Error("Expected current-generation expiry to clear speaking")
	}
}

func TestRMS(t *testing.T) {
	samples := []float32{0.1, -0.1, 0.2, -0.2}
	got := RMS(samples)

	expected := math.Sqrt((0.01 + 0.01 + 0.04 + 0.04) / 4)
	if math.Abs(got-expected) > 1e-6 {
		t.Errorf("Expected RMS %f, got %f", expected, got)
	}
}

func TestRMS_Empty(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("Expected RMS 0 for empty frame, got %f", got)
	}
}

func TestNewDetector_Defaults(t *testing.T) {
	vad := NewDetector(VADConfig{}, nil)
	defer vad.Stop()

	def := DefaultVADConfig()
	if vad.cfg.EnergyThreshold != def.EnergyThreshold {
		t.Errorf("Expected default threshold %f, got %f", def.EnergyThreshold, vad.cfg.EnergyThreshold)
	}
	if vad.cfg.SilenceTimeout != def.SilenceTimeout {
		t.Errorf("Expected default silence timeout %v, got %v", def.SilenceTimeout, vad.cfg.SilenceTimeout)
	}
}
