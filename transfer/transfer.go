// Package transfer implements the chunked, flow-controlled and resumable
// file transfer protocol that runs over an established data channel.
//
// Participants are not safe for concurrent use. The owner drives every
// method from a single event loop, including timer callbacks delivered
// through Scheduler.
package transfer

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// ChunkSize is the fixed slice length of every chunk but the last.
	ChunkSize = 262144
	// HighWaterMark pauses sending until the channel reports a drain below it.
	HighWaterMark = 1 << 20
	// HardCap is the maximum buffered byte count the sender ever allows.
	HardCap = 4 << 20
	// PacingDelay is inserted between consecutive chunk sends.
	PacingDelay = 5 * time.Millisecond
	// StreamThreshold is the declared size above which a receiver streams to a sink.
	StreamThreshold = 50 << 20
	// ProgressChunkInterval bounds how often progress is reported, in chunks.
	ProgressChunkInterval = 100
)

// Wire is the subset of an established channel used by participants.
type Wire interface {
	SendText(data []byte) error
	SendBinary(data []byte) error
	BufferedAmount() uint64
}

// Scheduler runs fn after d on the participant's event loop.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// Progress is a throttled progress notification.
type Progress struct {
	Percent      float64
	CurrentChunk int
	TotalChunks  int
	SpeedBps     float64
	ETASeconds   int
}

// Observer receives transfer outcomes. Every method is optional.
type Observer struct {
	OnMetadata func(Metadata)
	OnProgress func(Progress)
	OnComplete func()
	OnError    func(error)
	// OnLinkError reports a send that failed on the current channel. The
	// participant detaches and stays resumable. Without it the failure is
	// fatal and goes to OnError.
	OnLinkError func(error)
	// OnChunk fires for every chunk sent or received.
	OnChunk func(index int)
}

// Participant is the capability shared by Sender and Receiver.
type Participant interface {
	// Attach binds the participant to a freshly established channel.
	Attach(wire Wire)
	// Detach forgets the current channel after a loss.
	Detach()
	HandleFrame(frame Frame)
	// OnBufferedLow is the channel's edge-triggered drain notification.
	OnBufferedLow()
	Pause()
	Resume()
	// Active reports whether a transfer is in progress and worth recovering.
	Active() bool
	Finished() bool
	// Position is nextChunkIndex for a sender and receivedCount for a receiver.
	Position() int
	Close()
}

// ChunkCount returns ceil(size/chunkSize).
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}

// ChunkBounds returns the byte range [start, end) of chunk index.
func ChunkBounds(index int, size int64, chunkSize int) (int64, int64) {
	start := int64(index) * int64(chunkSize)
	end := min(start+int64(chunkSize), size)
	if start > size {
		start = size
	}
	return start, end
}

// progressInterval is the number of chunks between progress reports: the
// larger of one percent of the transfer and ProgressChunkInterval.
func progressInterval(totalChunks int) int {
	onePercent := (totalChunks + 99) / 100
	return max(onePercent, ProgressChunkInterval)
}

func shouldReportProgress(position, totalChunks, interval int) bool {
	return position == 1 || position == totalChunks || position%interval == 0
}

func percentOf(position, totalChunks int) float64 {
	if totalChunks == 0 {
		return 100
	}
	return float64(position) / float64(totalChunks) * 100
}

func defaultLogger(logger *logrus.Entry, component string) *logrus.Entry {
	if logger != nil {
		return logger
	}
	return logrus.WithField("component", component)
}

func defaultClock(clock func() time.Time) func() time.Time {
	if clock != nil {
		return clock
	}
	return time.Now
}
