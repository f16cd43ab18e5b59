package transfer

import (
	"math"
	"time"
)

const (
	sampleInterval  = 500 * time.Millisecond
	speedWindow     = 5
	etaWindow       = 10
	etaRoundingUnit = 30
)

// Estimator smooths throughput and time-remaining over rolling windows.
type Estimator struct {
	total       int64
	transferred int64

	started     bool
	lastSample  time.Time
	sampleBytes int64

	speeds []float64
	etas   []float64

	speed float64
	eta   int
}

// NewEstimator returns an estimator for a transfer of total bytes.
func NewEstimator(total int64) *Estimator {
	return &Estimator{total: total}
}

// SetTransferred rebases the byte count, used when a transfer resumes.
func (e *Estimator) SetTransferred(n int64) {
	e.transferred = n
	e.sampleBytes = 0
	e.started = false
}

// Transferred returns the bytes counted so far.
func (e *Estimator) Transferred() int64 {
	return e.transferred
}

// Add records n delivered bytes at now and returns the smoothed speed in
// bytes per second and the ETA in seconds.
func (e *Estimator) Add(n int64, now time.Time) (float64, int) {
	e.transferred += n
	if !e.started {
		// The first delivery only starts the clock.
		e.started = true
		e.lastSample = now
		return e.speed, e.eta
	}

	e.sampleBytes += n
	elapsed := now.Sub(e.lastSample)
	if elapsed < sampleInterval {
		return e.speed, e.eta
	}

	instant := float64(e.sampleBytes) / elapsed.Seconds()
	e.speeds = pushWindow(e.speeds, instant, speedWindow)
	e.speed = mean(e.speeds)
	e.lastSample = now
	e.sampleBytes = 0

	remaining := e.total - e.transferred
	instantETA := 0.0
	if remaining > 0 && e.speed > 0 {
		instantETA = float64(remaining) / e.speed
	}
	e.etas = pushWindow(e.etas, instantETA, etaWindow)
	if remaining <= 0 {
		e.eta = 0
	} else {
		e.eta = int(math.Round(mean(e.etas)/etaRoundingUnit) * etaRoundingUnit)
	}
	return e.speed, e.eta
}

// Speed returns the last smoothed throughput.
func (e *Estimator) Speed() float64 { return e.speed }

// ETA returns the last smoothed time remaining in seconds.
func (e *Estimator) ETA() int { return e.eta }

func pushWindow(window []float64, value float64, size int) []float64 {
	window = append(window, value)
	if len(window) > size {
		window = window[len(window)-size:]
	}
	return window
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
