package audio

import (
	"math"
	"sync"
	"time"
)

// VADConfig holds configuration for Voice Activity Detection. The voice and
// video conversation modes use different values, so both fields come from
// configuration rather than constants.
type VADConfig struct {
	EnergyThreshold float64       // RMS energy threshold for speech detection
	SilenceTimeout  time.Duration // How long after the last loud frame speaking stays true
}

// DefaultVADConfig returns a default VAD configuration tuned for 16kHz
// normalized float capture frames.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 0.01,
		SilenceTimeout:  1500 * time.Millisecond,
	}
}

// Detector turns per-frame RMS energy into a debounced speaking signal. A
// frame above the threshold marks speaking true immediately and re-arms a
// single-shot silence timer; the signal drops only when the timer expires
// with no intervening loud frame.
//
// This is a detector, not a gate: captured audio is transmitted regardless
// of the detected state. The signal drives UI feedback only.
type Detector struct {
	cfg      VADConfig
	onChange func(bool)

	mu       sync.Mutex
	speaking bool
	timer    *time.Timer
	gen      uint64 // incremented on each re-arm; stale expiries are ignored
	stopped  bool
}

// NewDetector creates a detector. onChange, if non-nil, is invoked on every
// speaking transition (outside the detector's lock).
func NewDetector(cfg VADConfig, onChange func(bool)) *Detector {
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = DefaultVADConfig().EnergyThreshold
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultVADConfig().SilenceTimeout
	}
	return &Detector{cfg: cfg, onChange: onChange}
}

// ProcessFrame analyzes one capture frame and returns the current speaking
// state. Frames are expected in capture order from a single goroutine.
func (d *Detector) ProcessFrame(samples []float32) bool {
	energy := RMS(samples)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}

	if energy > d.cfg.EnergyThreshold {
		if d.timer != nil {
			d.timer.Stop()
		}
		// An expired callback may already be blocked on the lock; bumping the
		// generation makes it a no-op instead of dropping the fresh window.
		d.gen++
		gen := d.gen
		d.timer = time.AfterFunc(d.cfg.SilenceTimeout, func() { d.silenceExpired(gen) })
		if !d.speaking {
			d.speaking = true
			cb := d.onChange
			d.mu.Unlock()
			if cb != nil {
				cb(true)
			}
			return true
		}
	}

	speaking := d.speaking
	d.mu.Unlock()
	return speaking
}

func (d *Detector) silenceExpired(gen uint64) {
	d.mu.Lock()
	if d.stopped || !d.speaking || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.speaking = false
	cb := d.onChange
	d.mu.Unlock()
	if cb != nil {
		cb(false)
	}
}

// Speaking returns whether speech is currently detected.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Stop cancels the pending silence timer and clears state. The detector must
// not outlive its owning session; Stop is part of session cleanup.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.speaking = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// RMS calculates the root mean square energy of normalized float samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
