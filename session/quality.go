package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"p2pdrop/network"
)

// DefaultQualityInterval is how often link statistics are sampled.
const DefaultQualityInterval = time.Second

// statsSource is the part of a link the quality poll reads.
type statsSource interface {
	Stats() (network.LinkStats, bool)
}

// startQualityMonitor samples link stats until the returned stop func is
// called. Samples are logged at Debug.
func startQualityMonitor(source statsSource, interval time.Duration, logger *logrus.Entry) (stop func()) {
	if interval <= 0 {
		interval = DefaultQualityInterval
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats, ok := source.Stats()
				if !ok {
					continue
				}
				logger.WithFields(logrus.Fields{
					"rtt_ms":         stats.RTT.Milliseconds(),
					"bytes_sent":     stats.BytesSent,
					"bytes_received": stats.BytesReceived,
				}).Debug("link quality")
			case <-done:
				return
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
	}
}
