// Package session runs one participant of a room: the control connection,
// link negotiation, the transfer engine and reconnects. Every state change
// happens on a single event loop goroutine; link callbacks, timers and relay
// messages are posted into it.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"p2pdrop/models"
	"p2pdrop/network"
	"p2pdrop/protocol"
	"p2pdrop/storage"
	"p2pdrop/transfer"
)

const flushPollInterval = 50 * time.Millisecond

var (
	// ErrClosed indicates the session already ended.
	ErrClosed = errors.New("session: closed")
	// ErrWrongRole indicates a command that does not apply to this role.
	ErrWrongRole = errors.New("session: operation not valid for role")
	// ErrFileAlreadySelected indicates SendFile was called twice.
	ErrFileAlreadySelected = errors.New("session: file already selected")
)

// Events are the UI-facing notifications of a session. They run on the
// session's event loop and must not block or call Disconnect or Flush.
type Events struct {
	OnConnectionStateChange func(state network.State)
	OnMetadata              func(meta transfer.Metadata)
	OnProgress              func(progress transfer.Progress)
	OnComplete              func(result Result)
	OnError                 func(err error)
	OnReconnecting          func(attempt, maxAttempts int)
}

// Result describes a finished transfer.
type Result struct {
	Role     models.Role
	Metadata transfer.Metadata
	// Path is the source file for a sender and the stored artifact for a
	// receiver.
	Path string
}

// Recorder persists transfer history. storage.Store implements it.
type Recorder interface {
	BeginTransfer(record storage.Transfer) error
	UpdateProgress(transferID string, nextChunk int, bytesTransferred int64) error
	FinishTransfer(transferID, status, storedPath, errMsg string) error
}

// SignalConn is an open control connection.
type SignalConn interface {
	Send(msg protocol.SignalMessage) error
	Messages() <-chan protocol.SignalMessage
	Err() error
	Close() error
}

// DialFunc opens a control connection and returns its ready message.
type DialFunc func(ctx context.Context) (SignalConn, protocol.SignalMessage, error)

// Options configures a Session.
type Options struct {
	Role   models.Role
	RoomID string
	// Signaling is used to dial the relay unless Dial is set.
	Signaling network.SignalingOptions
	Dial      DialFunc
	NewLink   network.LinkFactory
	Events    Events
	Recorder  Recorder

	// Receiver settings.
	DownloadDir     string
	StreamThreshold int64
	VerifyChecksum  bool

	// Sender settings.
	SendChecksum bool

	Supervisor      SupervisorOptions
	QualityInterval time.Duration
	Clock           func() time.Time
	Logger          *logrus.Entry
}

// Session is one participant. Create it with New, then Connect.
type Session struct {
	opts       Options
	role       models.Role
	logger     *logrus.Entry
	transferID string
	scheduler  loopScheduler

	ctx    context.Context
	cancel context.CancelFunc

	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}

	done chan struct{}

	errMu sync.RWMutex
	err   error

	// Loop-owned state.
	negotiator     *network.Negotiator
	supervisor     *Supervisor
	signal         SignalConn
	signalGen      uint64
	dialSeq        uint64
	participant    transfer.Participant
	sender         *transfer.Sender
	receiver       *transfer.Receiver
	sourcePath     string
	attached       bool
	recording      bool
	recovering     bool
	resumePending  bool
	terminal       bool
	cancelKick     func()
	cancelWatchdog func()
	stopQuality    func()
}

// New validates opts and starts the session's event loop.
func New(opts Options) (*Session, error) {
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("invalid session role %q", opts.Role)
	}
	if opts.NewLink == nil {
		return nil, errors.New("link factory is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.WithField("component", "session")
	}
	logger = logger.WithFields(logrus.Fields{
		"role":    string(opts.Role),
		"room_id": opts.RoomID,
	})

	if opts.Dial == nil {
		if opts.Signaling.URL == "" {
			return nil, errors.New("signaling url is required")
		}
		if opts.Signaling.Logger == nil {
			opts.Signaling.Logger = logger.WithField("component", "signaling")
		}
		opts.Dial = dialSignaling(opts.Signaling)
	}
	if opts.Role == models.RoleReceiver {
		if opts.DownloadDir == "" {
			opts.DownloadDir = "."
		}
		if err := os.MkdirAll(opts.DownloadDir, 0o700); err != nil {
			return nil, fmt.Errorf("create download dir: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:       opts,
		role:       opts.Role,
		logger:     logger,
		transferID: uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		supervisor: NewSupervisor(opts.Supervisor),
	}
	s.scheduler = loopScheduler{post: s.post}

	s.negotiator = network.NewNegotiator(network.NegotiatorOptions{
		Role:     opts.Role,
		NewLink:  opts.NewLink,
		Dispatch: s.post,
		Events: network.NegotiatorEvents{
			OnStateChange: s.onStateChange,
			OnChannel:     s.onChannel,
			OnFrame:       s.onFrame,
			OnBufferedLow: s.onBufferedLow,
			OnLinkLost:    s.linkLost,
		},
		Logger: logger.WithField("component", "negotiator"),
	})

	if opts.Role == models.RoleReceiver {
		s.receiver = transfer.NewReceiver(transfer.ReceiverOptions{
			StreamThreshold: opts.StreamThreshold,
			OpenSink:        s.openSink,
			Deliver:         s.deliver,
			VerifyChecksum:  opts.VerifyChecksum,
			Observer:        s.observer(),
			Clock:           opts.Clock,
			Logger:          logger.WithField("component", "receiver"),
		})
		s.participant = s.receiver
	}

	go s.run()
	return s, nil
}

func dialSignaling(template network.SignalingOptions) DialFunc {
	return func(ctx context.Context) (SignalConn, protocol.SignalMessage, error) {
		client, ready, err := network.DialSignaling(ctx, template)
		if err != nil {
			return nil, protocol.SignalMessage{}, err
		}
		return client, ready, nil
	}
}

// TransferID identifies this participant's transfer in history.
func (s *Session) TransferID() string {
	return s.transferID
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, or nil after a manual
// disconnect.
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

// Connect opens the control connection. A failure ends the session.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	conn, ready, err := s.opts.Dial(ctx)
	if err != nil {
		err = fmt.Errorf("connect signaling: %w", err)
		s.post(func() { s.fail(err) })
		return err
	}
	s.post(func() { s.installSignaling(conn, ready) })
	return nil
}

// SendFile selects the file a sender offers. It may be called before or
// after the channel is established.
func (s *Session) SendFile(path string) error {
	if s.role != models.RoleSender {
		return ErrWrongRole
	}

	sender, err := transfer.OpenSender(path, s.opts.SendChecksum, transfer.SenderOptions{
		Scheduler: s.scheduler,
		Observer:  s.observer(),
		Clock:     s.opts.Clock,
		Logger:    s.logger.WithField("component", "sender"),
	})
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	s.post(func() { result <- s.installSender(sender, path) })
	select {
	case err := <-result:
		return err
	case <-s.done:
		sender.Close()
		return ErrClosed
	}
}

// Pause stops the send loop after the current chunk.
func (s *Session) Pause() {
	s.post(func() {
		if s.participant != nil {
			s.participant.Pause()
		}
	})
}

// Resume continues a paused transfer.
func (s *Session) Resume() {
	s.post(func() {
		if s.participant != nil {
			s.participant.Resume()
		}
	})
}

// Disconnect disarms reconnects and closes everything.
func (s *Session) Disconnect() error {
	s.post(s.shutdown)
	<-s.done
	return nil
}

// Flush waits until the channel's outgoing buffer is empty.
func (s *Session) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for {
		buffered := make(chan uint64, 1)
		s.post(func() {
			if channel := s.negotiator.Channel(); channel != nil {
				buffered <- channel.BufferedAmount()
				return
			}
			buffered <- 0
		})

		select {
		case amount := <-buffered:
			if amount == 0 {
				return nil
			}
		case <-s.done:
			return s.Err()
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.wake:
			for _, fn := range s.drain() {
				if s.terminal {
					break
				}
				fn()
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) post(fn func()) {
	s.queueMu.Lock()
	s.queue = append(s.queue, fn)
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) drain() []func() {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	queued := s.queue
	s.queue = nil
	return queued
}

func (s *Session) installSender(sender *transfer.Sender, path string) error {
	if s.terminal {
		sender.Close()
		return ErrClosed
	}
	if s.participant != nil {
		sender.Close()
		return ErrFileAlreadySelected
	}

	s.sender = sender
	s.participant = sender
	s.sourcePath = path
	s.beginRecord(sender.Metadata())
	if channel := s.negotiator.Channel(); channel != nil {
		s.attach(channel)
	}
	return nil
}

func (s *Session) installSignaling(conn SignalConn, ready protocol.SignalMessage) {
	if s.terminal {
		_ = conn.Close()
		return
	}

	previous := s.signal
	s.signalGen++
	generation := s.signalGen
	s.signal = conn
	go s.pumpSignals(conn, generation)
	if previous != nil {
		_ = previous.Close()
	}

	s.logger.WithField("peer_connected", ready.PeerConnected).Info("Signaling connected")
	s.handleNegotiation(s.negotiator.SignalingConnected(conn, ready))
}

func (s *Session) pumpSignals(conn SignalConn, generation uint64) {
	for msg := range conn.Messages() {
		msg := msg
		s.post(func() { s.handleSignal(generation, msg) })
	}
	s.post(func() { s.signalingClosed(generation, conn.Err()) })
}

func (s *Session) handleSignal(generation uint64, msg protocol.SignalMessage) {
	if s.terminal || generation != s.signalGen {
		return
	}
	s.handleNegotiation(s.negotiator.HandleSignal(msg))
}

func (s *Session) handleNegotiation(err error) {
	switch {
	case err == nil:
	case errors.Is(err, network.ErrPeerLeft):
		s.peerLeft()
	default:
		s.linkLost(err)
	}
}

func (s *Session) signalingClosed(generation uint64, err error) {
	if s.terminal || generation != s.signalGen {
		return
	}
	s.signal = nil
	if err == nil {
		err = network.ErrSignalingClosed
	}
	s.logger.WithError(err).Warn("Signaling connection closed")

	if s.recovering || s.finished() || s.negotiator.State() == network.StateEstablished {
		return
	}
	if s.transferActive() {
		s.retry(err)
		return
	}
	s.fail(err)
}

func (s *Session) peerLeft() {
	switch {
	case s.finished():
		s.logger.Debug("Peer left after completion")
	case s.negotiator.State() == network.StateEstablished:
		s.logger.Info("Peer signaling left; channel still open")
	case s.recovering:
		s.logger.Info("Peer left during recovery; waiting for it to return")
	case s.transferActive():
		s.retry(network.ErrPeerLeft)
	default:
		s.fail(network.ErrPeerLeft)
	}
}

func (s *Session) linkLost(err error) {
	if s.terminal {
		return
	}
	s.stopQualityMonitor()
	s.detach()

	switch {
	case s.finished():
		s.logger.WithError(err).Debug("Link closed after completion")
	case s.recovering || s.transferActive():
		s.retry(err)
	default:
		s.fail(err)
	}
}

// retry schedules the next reconnect attempt or fails once they run out.
func (s *Session) retry(cause error) {
	s.cancelTimers()
	attempt, delay, err := s.supervisor.Next(cause)
	if err != nil {
		s.fail(err)
		return
	}

	s.recovering = true
	s.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).WithError(cause).Warn("Link lost; reconnecting")
	if s.opts.Events.OnReconnecting != nil {
		s.opts.Events.OnReconnecting(attempt, s.supervisor.MaxAttempts())
	}

	s.detach()
	s.negotiator.Reset()
	s.cancelKick = s.scheduler.AfterFunc(delay, s.kick)
}

func (s *Session) kick() {
	s.cancelKick = nil
	if s.terminal || !s.recovering {
		return
	}

	s.cancelWatchdog = s.scheduler.AfterFunc(s.supervisor.Watchdog(), func() {
		s.cancelWatchdog = nil
		if s.negotiator.State() != network.StateEstablished {
			s.retry(fmt.Errorf("%w: reconnect attempt timed out", network.ErrNegotiationFailed))
		}
	})

	// A receiver re-binds its control connection so the sender sees a fresh
	// peer-connected and offers again.
	if s.role == models.RoleReceiver || s.signal == nil {
		s.redial()
		return
	}

	switch s.negotiator.State() {
	case network.StateNegotiating, network.StateEstablished:
		return
	}
	started, err := s.negotiator.Restart()
	if err != nil {
		s.retry(err)
		return
	}
	if !started {
		s.logger.Info("Waiting for peer to return")
	}
}

func (s *Session) redial() {
	s.dialSeq++
	seq := s.dialSeq

	go func() {
		conn, ready, err := s.opts.Dial(s.ctx)
		select {
		case <-s.done:
			if conn != nil {
				_ = conn.Close()
			}
			return
		default:
		}

		s.post(func() {
			if s.terminal || seq != s.dialSeq {
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			if err != nil {
				if errors.Is(err, protocol.ErrSessionNotFound) {
					s.fail(err)
					return
				}
				s.retry(err)
				return
			}
			s.installSignaling(conn, ready)
		})
	}()
}

func (s *Session) onStateChange(state network.State) {
	if state != network.StateEstablished {
		s.detach()
		s.stopQualityMonitor()
	}
	if s.opts.Events.OnConnectionStateChange != nil {
		s.opts.Events.OnConnectionStateChange(state)
	}
}

func (s *Session) onChannel(channel network.Channel) {
	s.cancelTimers()
	if s.recovering {
		s.recovering = false
		s.logger.WithField("attempts", s.supervisor.Attempts()).Info("Link re-established")
	}
	// The attempt budget is restored once data moves again.
	s.resumePending = true

	if link := s.negotiator.Link(); link != nil {
		s.startQualityMonitor(link)
	}
	if s.participant != nil {
		s.attach(channel)
	}
}

func (s *Session) onFrame(isText bool, data []byte) {
	frame, err := transfer.ParseFrame(isText, data)
	if err != nil {
		s.logger.WithError(err).Warn("Dropping malformed frame")
		return
	}
	if s.participant == nil {
		s.logger.Warn("Dropping frame received before a file was selected")
		return
	}
	s.participant.HandleFrame(frame)
}

func (s *Session) onBufferedLow() {
	if s.participant != nil && s.attached {
		s.participant.OnBufferedLow()
	}
}

func (s *Session) attach(channel network.Channel) {
	s.attached = true
	s.participant.Attach(channel)
}

func (s *Session) detach() {
	if !s.attached || s.participant == nil {
		return
	}
	s.attached = false
	s.participant.Detach()
}

func (s *Session) observer() transfer.Observer {
	return transfer.Observer{
		OnMetadata: func(meta transfer.Metadata) {
			s.beginRecord(meta)
			if s.opts.Events.OnMetadata != nil {
				s.opts.Events.OnMetadata(meta)
			}
		},
		OnProgress: func(progress transfer.Progress) {
			s.recordProgress(progress)
			if s.opts.Events.OnProgress != nil {
				s.opts.Events.OnProgress(progress)
			}
		},
		OnComplete:  s.completed,
		OnError:     s.fail,
		OnLinkError: s.linkLost,
		OnChunk:     s.chunkMoved,
	}
}

func (s *Session) chunkMoved(int) {
	if !s.resumePending {
		return
	}
	s.resumePending = false
	if attempts := s.supervisor.Attempts(); attempts > 0 {
		s.logger.WithField("attempts", attempts).Info("Transfer resumed")
	}
	s.supervisor.Reset()
}

func (s *Session) openSink(meta transfer.Metadata) (transfer.Sink, error) {
	sink, err := transfer.OpenFileSink(s.opts.DownloadDir, meta.Name)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *Session) deliver(meta transfer.Metadata, data []byte) (string, error) {
	return transfer.SaveArtifact(s.opts.DownloadDir, meta.Name, data)
}

func (s *Session) completed() {
	s.cancelTimers()
	s.stopQualityMonitor()
	result := Result{Role: s.role, Metadata: s.metadata()}
	if s.receiver != nil {
		result.Path = s.receiver.StoredPath()
	} else {
		result.Path = s.sourcePath
	}

	s.logger.WithFields(logrus.Fields{
		"file": result.Metadata.Name,
		"path": result.Path,
	}).Info("Transfer complete")
	s.finishRecord(storage.TransferStatusComplete, result.Path, "")
	if s.opts.Events.OnComplete != nil {
		s.opts.Events.OnComplete(result)
	}
}

func (s *Session) fail(err error) {
	if s.terminal {
		return
	}
	s.terminal = true
	s.logger.WithError(err).Error("Session failed")

	s.finishRecord(storage.TransferStatusFailed, "", err.Error())
	s.supervisor.Disable()
	s.negotiator.Fail(err)
	if s.opts.Events.OnError != nil {
		s.opts.Events.OnError(err)
	}
	s.release()
	s.finish(err)
}

func (s *Session) shutdown() {
	if s.terminal {
		return
	}
	s.terminal = true
	s.logger.Info("Disconnecting")

	s.supervisor.Disable()
	s.finishRecord(storage.TransferStatusCancelled, "", "")
	s.negotiator.Close()
	s.release()
	s.finish(nil)
}

func (s *Session) release() {
	s.cancelTimers()
	s.stopQualityMonitor()
	if s.participant != nil {
		s.participant.Close()
	}
	if s.signal != nil {
		_ = s.signal.Close()
		s.signal = nil
	}
	s.cancel()
}

func (s *Session) finish(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	close(s.done)
}

func (s *Session) cancelTimers() {
	if s.cancelKick != nil {
		s.cancelKick()
		s.cancelKick = nil
	}
	if s.cancelWatchdog != nil {
		s.cancelWatchdog()
		s.cancelWatchdog = nil
	}
}

func (s *Session) startQualityMonitor(source statsSource) {
	s.stopQualityMonitor()
	s.stopQuality = startQualityMonitor(source, s.opts.QualityInterval, s.logger.WithField("component", "quality"))
}

func (s *Session) stopQualityMonitor() {
	if s.stopQuality != nil {
		s.stopQuality()
		s.stopQuality = nil
	}
}

func (s *Session) transferActive() bool {
	return s.participant != nil && s.participant.Active()
}

func (s *Session) finished() bool {
	return s.participant != nil && s.participant.Finished()
}

func (s *Session) metadata() transfer.Metadata {
	if s.sender != nil {
		return s.sender.Metadata()
	}
	if s.receiver != nil {
		meta, _ := s.receiver.Metadata()
		return meta
	}
	return transfer.Metadata{}
}

func (s *Session) beginRecord(meta transfer.Metadata) {
	if s.opts.Recorder == nil || s.recording {
		return
	}
	err := s.opts.Recorder.BeginTransfer(storage.Transfer{
		TransferID:  s.transferID,
		RoomID:      s.opts.RoomID,
		Role:        string(s.role),
		FileName:    meta.Name,
		FileSize:    meta.Size,
		MimeType:    meta.MimeType,
		TotalChunks: meta.TotalChunks,
		Checksum:    meta.Checksum,
	})
	if err != nil {
		s.logger.WithError(err).Warn("Record transfer start failed")
		return
	}
	s.recording = true
}

func (s *Session) recordProgress(progress transfer.Progress) {
	if !s.recording {
		return
	}
	meta := s.metadata()
	_, end := transfer.ChunkBounds(progress.CurrentChunk-1, meta.Size, meta.ChunkSize)
	if progress.CurrentChunk == 0 {
		end = 0
	}
	if err := s.opts.Recorder.UpdateProgress(s.transferID, progress.CurrentChunk, end); err != nil {
		s.logger.WithError(err).Warn("Record transfer progress failed")
	}
}

func (s *Session) finishRecord(status, storedPath, errMsg string) {
	if !s.recording {
		return
	}
	s.recording = false
	if err := s.opts.Recorder.FinishTransfer(s.transferID, status, storedPath, errMsg); err != nil {
		s.logger.WithError(err).Warn("Record transfer outcome failed")
	}
}

// loopScheduler delivers timer callbacks on the session's event loop.
type loopScheduler struct {
	post func(fn func())
}

func (l loopScheduler) AfterFunc(d time.Duration, fn func()) func() {
	var cancelled atomic.Bool
	timer := time.AfterFunc(d, func() {
		l.post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}
