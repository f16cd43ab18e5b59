package transfer

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"p2pdrop/crypto"
)

// SenderOptions configures a Sender. Scheduler is required.
type SenderOptions struct {
	Scheduler     Scheduler
	Observer      Observer
	Clock         func() time.Time
	PacingDelay   time.Duration
	HighWaterMark uint64
	HardCap       uint64
	Logger        *logrus.Entry
}

// Sender pushes a file as sequential binary chunks.
type Sender struct {
	source io.ReaderAt
	closer io.Closer
	meta   Metadata
	total  int
	opts   SenderOptions
	logger *logrus.Entry

	wire          Wire
	readyReceived bool
	pumping       bool
	paused        bool
	finished      bool
	failed        bool
	closed        bool
	waitingDrain  bool
	cancelPacing  func()

	next      int
	estimator *Estimator
	interval  int
}

var _ Participant = (*Sender)(nil)

// NewSender prepares a sender for meta read from source.
func NewSender(source io.ReaderAt, meta Metadata, opts SenderOptions) *Sender {
	if meta.ChunkSize <= 0 {
		meta.ChunkSize = ChunkSize
	}
	meta.TotalChunks = ChunkCount(meta.Size, meta.ChunkSize)
	if opts.PacingDelay <= 0 {
		opts.PacingDelay = PacingDelay
	}
	if opts.HighWaterMark == 0 {
		opts.HighWaterMark = HighWaterMark
	}
	if opts.HardCap == 0 {
		opts.HardCap = HardCap
	}
	opts.Clock = defaultClock(opts.Clock)

	return &Sender{
		source:    source,
		meta:      meta,
		total:     meta.TotalChunks,
		opts:      opts,
		logger:    defaultLogger(opts.Logger, "sender").WithField("file", meta.Name),
		estimator: NewEstimator(meta.Size),
		interval:  progressInterval(meta.TotalChunks),
	}
}

// OpenSender opens the file at path and prepares a sender for it. When
// checksum is set the file's digest is announced in the metadata.
func OpenSender(path string, checksum bool, opts SenderOptions) (*Sender, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("source path is required")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, errors.New("source path must be a file")
	}

	meta := Metadata{
		Name:      filepath.Base(path),
		Size:      info.Size(),
		MimeType:  mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		ChunkSize: ChunkSize,
	}
	if checksum {
		digest, err := crypto.FileDigest(path)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		meta.Checksum = digest
	}

	sender := NewSender(file, meta, opts)
	sender.closer = file
	return sender, nil
}

// Metadata returns the announced metadata.
func (s *Sender) Metadata() Metadata {
	return s.meta
}

// Attach sends metadata on a new channel unless the receiver already
// accepted it, in which case the sender waits for a resume request.
func (s *Sender) Attach(wire Wire) {
	s.wire = wire
	s.waitingDrain = false
	if s.finished || s.failed || s.closed {
		return
	}

	if s.readyReceived {
		if s.pumping {
			s.pump()
			return
		}
		s.logger.WithField("next_chunk", s.next).Info("Channel re-established; awaiting resume request")
		return
	}

	if err := sendFrame(wire, s.meta); err != nil {
		s.sendFailed(fmt.Errorf("%w: metadata: %w", ErrSendFailed, err))
		return
	}
	s.logger.WithFields(logrus.Fields{
		"size":         s.meta.Size,
		"total_chunks": s.total,
	}).Info("Metadata sent; waiting for receiver")
}

// Detach stops pumping until the next Attach and resume request.
func (s *Sender) Detach() {
	s.wire = nil
	s.pumping = false
	s.waitingDrain = false
	s.stopPacing()
}

// HandleFrame reacts to receiver control frames.
func (s *Sender) HandleFrame(frame Frame) {
	switch f := frame.(type) {
	case Ready:
		if s.pumping {
			return
		}
		s.readyReceived = true
		s.pumping = true
		s.logger.Info("Receiver ready; sending chunks")
		s.pump()
	case ResumeRequest:
		s.handleResume(f.FromChunk)
	case ChunkAck:
	default:
		s.logger.WithField("frame", fmt.Sprintf("%T", frame)).Warn("Unexpected frame on sender")
	}
}

func (s *Sender) handleResume(fromChunk int) {
	if fromChunk < 0 || fromChunk > s.total {
		s.logger.WithFields(logrus.Fields{
			"from_chunk":   fromChunk,
			"total_chunks": s.total,
		}).Warn("Rejecting resume request")
		s.fail(fmt.Errorf("%w: %d of %d", ErrInvalidResume, fromChunk, s.total))
		return
	}

	s.stopPacing()
	s.readyReceived = true
	s.pumping = true
	s.waitingDrain = false
	s.next = fromChunk
	start, _ := ChunkBounds(fromChunk, s.meta.Size, s.meta.ChunkSize)
	s.estimator.SetTransferred(start)
	s.logger.WithField("from_chunk", fromChunk).Info("Resuming transfer")
	s.pump()
}

// OnBufferedLow resumes a send loop parked above the high-water mark.
func (s *Sender) OnBufferedLow() {
	if !s.waitingDrain {
		return
	}
	s.waitingDrain = false
	s.pump()
}

// Pause stops sending after the current chunk.
func (s *Sender) Pause() {
	s.paused = true
	s.stopPacing()
}

// Resume continues a paused send loop.
func (s *Sender) Resume() {
	if !s.paused {
		return
	}
	s.paused = false
	s.pump()
}

// Active reports whether the receiver accepted the file and it has not been
// delivered yet.
func (s *Sender) Active() bool {
	return s.readyReceived && !s.finished && !s.failed && !s.closed
}

// Finished reports whether complete was sent.
func (s *Sender) Finished() bool {
	return s.finished
}

// Position returns nextChunkIndex.
func (s *Sender) Position() int {
	return s.next
}

// Close releases the source file.
func (s *Sender) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.stopPacing()
	if s.closer != nil {
		_ = s.closer.Close()
	}
}

func (s *Sender) pump() {
	if !s.Active() || !s.pumping || s.paused || s.wire == nil || s.waitingDrain || s.cancelPacing != nil {
		return
	}
	if s.next >= s.total {
		s.finish()
		return
	}

	buffered := s.wire.BufferedAmount()
	if buffered >= s.opts.HighWaterMark {
		s.waitingDrain = true
		s.logger.WithField("buffered", buffered).Debug("Buffer above high-water mark; waiting for drain")
		return
	}

	start, end := ChunkBounds(s.next, s.meta.Size, s.meta.ChunkSize)
	length := end - start
	if buffered+uint64(length) > s.opts.HardCap {
		s.schedulePump()
		return
	}

	chunk := make([]byte, length)
	n, err := s.source.ReadAt(chunk, start)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
		s.fail(fmt.Errorf("read chunk %d: %w", s.next, err))
		return
	}

	if err := s.wire.SendBinary(chunk); err != nil {
		s.sendFailed(fmt.Errorf("%w: chunk %d: %w", ErrSendFailed, s.next, err))
		return
	}
	s.next++
	if s.opts.Observer.OnChunk != nil {
		s.opts.Observer.OnChunk(s.next - 1)
	}

	speed, eta := s.estimator.Add(length, s.opts.Clock())
	s.logger.WithField("chunk", s.next-1).Debug("Chunk sent")
	if shouldReportProgress(s.next, s.total, s.interval) && s.opts.Observer.OnProgress != nil {
		s.opts.Observer.OnProgress(Progress{
			Percent:      percentOf(s.next, s.total),
			CurrentChunk: s.next,
			TotalChunks:  s.total,
			SpeedBps:     speed,
			ETASeconds:   eta,
		})
	}

	if s.next == s.total {
		s.finish()
		return
	}
	s.schedulePump()
}

func (s *Sender) schedulePump() {
	s.cancelPacing = s.opts.Scheduler.AfterFunc(s.opts.PacingDelay, func() {
		s.cancelPacing = nil
		s.pump()
	})
}

func (s *Sender) stopPacing() {
	if s.cancelPacing != nil {
		s.cancelPacing()
		s.cancelPacing = nil
	}
}

func (s *Sender) finish() {
	if err := sendFrame(s.wire, Complete{}); err != nil {
		s.sendFailed(fmt.Errorf("%w: complete: %w", ErrSendFailed, err))
		return
	}
	s.finished = true
	s.stopPacing()
	s.logger.WithField("total_chunks", s.total).Info("Transfer complete")
	if s.total == 0 && s.opts.Observer.OnProgress != nil {
		s.opts.Observer.OnProgress(Progress{Percent: 100})
	}
	if s.opts.Observer.OnComplete != nil {
		s.opts.Observer.OnComplete()
	}
}

// sendFailed drops the channel. The receiver's resume request on the next
// channel restarts the loop.
func (s *Sender) sendFailed(err error) {
	s.Detach()
	if s.opts.Observer.OnLinkError == nil {
		s.fail(err)
		return
	}
	s.logger.WithError(err).Warn("Channel send failed")
	s.opts.Observer.OnLinkError(err)
}

func (s *Sender) fail(err error) {
	if s.failed || s.finished {
		return
	}
	s.failed = true
	s.stopPacing()
	s.logger.WithError(err).Error("Transfer failed")
	if s.opts.Observer.OnError != nil {
		s.opts.Observer.OnError(err)
	}
}
