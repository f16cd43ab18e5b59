package transfer

import (
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"p2pdrop/crypto"
)

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	// StreamThreshold is the declared size above which OpenSink is used.
	StreamThreshold int64
	// OpenSink opens a streaming sink for large transfers. Optional.
	OpenSink func(Metadata) (Sink, error)
	// Deliver hands an in-memory artifact to its destination and returns
	// where it was stored.
	Deliver func(meta Metadata, data []byte) (string, error)
	// VerifyChecksum compares the announced digest with the received bytes.
	VerifyChecksum bool
	Observer       Observer
	Clock          func() time.Time
	Logger         *logrus.Entry
}

// Receiver reassembles chunks in arrival order.
type Receiver struct {
	opts   ReceiverOptions
	logger *logrus.Entry

	wire      Wire
	meta      *Metadata
	total     int
	store     payloadStore
	digest    hash.Hash
	estimator *Estimator
	interval  int

	received   int
	paused     bool
	finalized  bool
	failed     bool
	closed     bool
	storedPath string

	// resumeRequested is set once per attached channel.
	resumeRequested bool
}

var _ Participant = (*Receiver)(nil)

// NewReceiver returns a receiver waiting for metadata.
func NewReceiver(opts ReceiverOptions) *Receiver {
	if opts.StreamThreshold <= 0 {
		opts.StreamThreshold = StreamThreshold
	}
	opts.Clock = defaultClock(opts.Clock)
	return &Receiver{
		opts:   opts,
		logger: defaultLogger(opts.Logger, "receiver"),
	}
}

// Attach binds a channel. After a loss the receiver asks the sender to
// resume from the number of chunks it holds.
func (r *Receiver) Attach(wire Wire) {
	r.wire = wire
	if r.meta == nil || !r.Active() {
		return
	}
	r.requestResume()
}

func (r *Receiver) requestResume() {
	if r.resumeRequested {
		r.logger.WithField("from_chunk", r.received).Debug("Resume already requested on this channel")
		return
	}
	if err := sendFrame(r.wire, ResumeRequest{FromChunk: r.received}); err != nil {
		r.sendFailed(fmt.Errorf("%w: resume request: %w", ErrSendFailed, err))
		return
	}
	r.resumeRequested = true
	r.logger.WithField("from_chunk", r.received).Info("Requested resume")
}

// Detach forgets the lost channel.
func (r *Receiver) Detach() {
	r.wire = nil
	r.resumeRequested = false
}

// HandleFrame applies one frame from the sender.
func (r *Receiver) HandleFrame(frame Frame) {
	if r.closed || r.failed {
		return
	}
	switch f := frame.(type) {
	case Metadata:
		r.handleMetadata(f)
	case Chunk:
		r.handleChunk(f)
	case Complete:
		_ = r.Finalize()
	case ChunkAck:
	default:
		r.logger.WithField("frame", fmt.Sprintf("%T", frame)).Warn("Unexpected frame on receiver")
	}
}

func (r *Receiver) handleMetadata(meta Metadata) {
	if err := meta.Validate(); err != nil {
		r.fail(err)
		return
	}

	if r.meta != nil {
		if r.meta.Name == meta.Name && r.meta.Size == meta.Size {
			// The sender never saw our ready. At most one resume request
			// per channel, or the sender would rewind past chunks in flight.
			r.requestResume()
			return
		}
		r.fail(fmt.Errorf("%w: metadata changed mid-transfer", ErrInvalidMetadata))
		return
	}

	total := ChunkCount(meta.Size, meta.ChunkSize)
	if meta.TotalChunks != total {
		r.logger.WithFields(logrus.Fields{
			"declared": meta.TotalChunks,
			"computed": total,
		}).Warn("Declared chunk count differs; using computed value")
		meta.TotalChunks = total
	}

	r.meta = &meta
	r.total = total
	r.store = r.chooseStore(meta)
	r.digest = crypto.NewDigest()
	r.estimator = NewEstimator(meta.Size)
	r.interval = progressInterval(total)

	r.logger = r.logger.WithField("file", meta.Name)
	r.logger.WithFields(logrus.Fields{
		"size":         meta.Size,
		"total_chunks": total,
		"streaming":    r.store.streaming(),
	}).Info("Metadata received")

	if r.opts.Observer.OnMetadata != nil {
		r.opts.Observer.OnMetadata(meta)
	}

	if r.wire == nil {
		return
	}
	if err := sendFrame(r.wire, Ready{}); err != nil {
		r.sendFailed(fmt.Errorf("%w: ready: %w", ErrSendFailed, err))
	}
}

func (r *Receiver) chooseStore(meta Metadata) payloadStore {
	if meta.Size <= r.opts.StreamThreshold || r.opts.OpenSink == nil {
		return newMemoryStore()
	}
	sink, err := r.opts.OpenSink(meta)
	if err != nil {
		r.logger.WithError(err).Warn("Open sink failed; receiving in memory")
		return newMemoryStore()
	}
	return newSinkStore(sink, meta.ChunkSize, r.logger)
}

func (r *Receiver) handleChunk(chunk Chunk) {
	if len(chunk) == 0 {
		r.logger.WithError(ErrEmptyFrame).Warn("Dropping frame")
		return
	}
	if r.meta == nil || r.finalized {
		r.logger.WithField("bytes", len(chunk)).Warn("Dropping chunk outside a transfer")
		return
	}
	if r.received >= r.total {
		r.logger.WithField("bytes", len(chunk)).Warn("Dropping chunk beyond declared total")
		return
	}

	index := r.received
	r.store.put(index, chunk)
	r.digest.Write(chunk)
	r.received++
	if r.opts.Observer.OnChunk != nil {
		r.opts.Observer.OnChunk(index)
	}

	speed, eta := r.estimator.Add(int64(len(chunk)), r.opts.Clock())
	r.logger.WithField("chunk", index).Debug("Chunk received")
	if shouldReportProgress(r.received, r.total, r.interval) && r.opts.Observer.OnProgress != nil {
		r.opts.Observer.OnProgress(Progress{
			Percent:      percentOf(r.received, r.total),
			CurrentChunk: r.received,
			TotalChunks:  r.total,
			SpeedBps:     speed,
			ETASeconds:   eta,
		})
	}
}

// Finalize assembles or closes the payload store. A second call is a no-op.
func (r *Receiver) Finalize() error {
	if r.finalized {
		return nil
	}
	if r.meta == nil {
		err := fmt.Errorf("%w: complete before metadata", ErrIncompleteTransfer)
		r.fail(err)
		return err
	}
	r.finalized = true

	if r.received != r.total {
		err := fmt.Errorf("%w: received %d of %d chunks", ErrIncompleteTransfer, r.received, r.total)
		r.fail(err)
		return err
	}

	if r.opts.VerifyChecksum && r.meta.Checksum != "" {
		if got := crypto.SumHex(r.digest); !strings.EqualFold(got, r.meta.Checksum) {
			err := fmt.Errorf("%w: %w", ErrIncompleteTransfer, ErrChecksumMismatch)
			r.fail(err)
			return err
		}
	}

	result, err := r.store.finalize(r.total)
	if err != nil {
		r.fail(err)
		return err
	}

	r.storedPath = result.path
	if result.path == "" && r.opts.Deliver != nil {
		path, err := r.opts.Deliver(*r.meta, result.data)
		if err != nil {
			err = fmt.Errorf("deliver artifact: %w", err)
			r.fail(err)
			return err
		}
		r.storedPath = path
	}

	r.logger.WithFields(logrus.Fields{
		"path":         r.storedPath,
		"total_chunks": r.total,
	}).Info("Transfer complete")
	if r.total == 0 && r.opts.Observer.OnProgress != nil {
		r.opts.Observer.OnProgress(Progress{Percent: 100})
	}
	if r.opts.Observer.OnComplete != nil {
		r.opts.Observer.OnComplete()
	}
	return nil
}

// OnBufferedLow is unused by receivers.
func (r *Receiver) OnBufferedLow() {}

// Pause only marks the receiver; the sender owns the send loop.
func (r *Receiver) Pause() { r.paused = true }

// Resume clears the pause mark.
func (r *Receiver) Resume() { r.paused = false }

// Active reports whether metadata arrived and the artifact is not final.
func (r *Receiver) Active() bool {
	return r.meta != nil && !r.finalized && !r.failed && !r.closed
}

// Finished reports whether the artifact was finalized successfully.
func (r *Receiver) Finished() bool {
	return r.finalized && !r.failed
}

// Position returns receivedCount.
func (r *Receiver) Position() int {
	return r.received
}

// Metadata returns the announced metadata, if any.
func (r *Receiver) Metadata() (Metadata, bool) {
	if r.meta == nil {
		return Metadata{}, false
	}
	return *r.meta, true
}

// StoredPath returns where the artifact was written.
func (r *Receiver) StoredPath() string {
	return r.storedPath
}

// Close releases the payload store. Unfinished output is discarded.
func (r *Receiver) Close() {
	if r.closed {
		return
	}
	r.closed = true
	if r.store != nil && !r.finalized {
		r.store.abort()
	}
}

func (r *Receiver) sendFailed(err error) {
	r.Detach()
	if r.opts.Observer.OnLinkError == nil {
		r.fail(err)
		return
	}
	r.logger.WithError(err).Warn("Channel send failed")
	r.opts.Observer.OnLinkError(err)
}

func (r *Receiver) fail(err error) {
	if r.failed {
		return
	}
	r.failed = true
	if r.store != nil {
		r.store.abort()
	}
	r.logger.WithError(err).Error("Transfer failed")
	if r.opts.Observer.OnError != nil {
		r.opts.Observer.OnError(err)
	}
}
