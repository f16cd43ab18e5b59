package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"p2pdrop/models"
	"p2pdrop/network"
	"p2pdrop/session"
	"p2pdrop/transfer"
)

const (
	flushTimeout  = 30 * time.Second
	updateBacklog = 256
)

// transferPlan describes one participant run.
type transferPlan struct {
	role         models.Role
	roomID       string
	signalingURL string
	shareURL     string
	sourcePath   string
	downloadDir  string
}

// runTransfer drives one session to completion, failure or cancellation.
// A cancelled transfer returns a nil result and a nil error.
func (a *app) runTransfer(ctx context.Context, plan transferPlan) (*session.Result, error) {
	store, err := a.openHistory()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.WithError(err).Warn("Close history failed")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	view := newTransferView(a.logger.WithField("room_id", plan.roomID))
	s, err := session.New(session.Options{
		Role:   plan.role,
		RoomID: plan.roomID,
		Signaling: network.SignalingOptions{
			URL:    plan.signalingURL,
			Logger: logrus.WithField("component", "signaling"),
		},
		NewLink: network.WebRTCLinkFactory(network.WebRTCOptions{
			ICEServers:           a.cfg.ICEServers,
			BufferedLowThreshold: transfer.HighWaterMark,
			Logger:               logrus.WithField("component", "webrtc"),
		}),
		Events:          view.events(),
		Recorder:        store,
		DownloadDir:     plan.downloadDir,
		StreamThreshold: a.cfg.StreamThresholdBytes,
		VerifyChecksum:  a.cfg.VerifyChecksum,
		SendChecksum:    a.cfg.SendChecksum,
		Logger:          logrus.WithField("component", "session"),
	})
	if err != nil {
		return nil, err
	}
	if plan.role == models.RoleSender {
		if err := s.SendFile(plan.sourcePath); err != nil {
			_ = s.Disconnect()
			return nil, err
		}
	}

	if a.flags.noTUI {
		view.startLogs()
	} else {
		if err := a.redirectLogs(); err != nil {
			_ = s.Disconnect()
			return nil, err
		}
		defer a.restoreLogs()
		var ctl controls
		if plan.role == models.RoleSender {
			ctl = s
		}
		view.startProgram(newProgressModel(plan.role, plan.roomID, plan.shareURL, ctl, cancel), a.out)
	}

	if err := s.Connect(ctx); err != nil {
		<-s.Done()
		view.finish(doneMsg{err: err})
		return nil, err
	}

	outcome := view.wait(ctx, s)
	if outcome.err == nil && outcome.result != nil && plan.role == models.RoleSender {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout)
		if err := s.Flush(flushCtx); err != nil {
			a.logger.WithError(err).Warn("Flush before disconnect failed")
		}
		cancelFlush()
	}
	_ = s.Disconnect()
	view.finish(outcome)
	return outcome.result, outcome.err
}

// transferView turns session events into UI messages. Session events run on
// the session's loop, so delivery never blocks: progress is dropped when the
// renderer falls behind and the outcome is kept aside.
type transferView struct {
	logger  *logrus.Entry
	updates chan tea.Msg
	outcome chan doneMsg
	once    sync.Once
	stop    chan struct{}
	stopped chan struct{}
	program *tea.Program
}

func newTransferView(logger *logrus.Entry) *transferView {
	return &transferView{
		logger:  logger,
		updates: make(chan tea.Msg, updateBacklog),
		outcome: make(chan doneMsg, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (v *transferView) events() session.Events {
	return session.Events{
		OnConnectionStateChange: func(state network.State) { v.emit(stateMsg(state)) },
		OnMetadata:              func(meta transfer.Metadata) { v.emit(metadataMsg(meta)) },
		OnProgress:              func(progress transfer.Progress) { v.emit(progressMsg(progress)) },
		OnReconnecting: func(attempt, maxAttempts int) {
			v.emit(reconnectingMsg{attempt: attempt, limit: maxAttempts})
		},
		OnComplete: func(result session.Result) {
			v.settle(doneMsg{result: &result})
		},
		OnError: func(err error) {
			v.settle(doneMsg{err: err})
		},
	}
}

func (v *transferView) emit(msg tea.Msg) {
	select {
	case v.updates <- msg:
	default:
	}
}

func (v *transferView) settle(outcome doneMsg) {
	v.once.Do(func() { v.outcome <- outcome })
}

// wait blocks until the session reports an outcome, ends or ctx is done.
func (v *transferView) wait(ctx context.Context, s *session.Session) doneMsg {
	select {
	case outcome := <-v.outcome:
		return outcome
	case <-s.Done():
		select {
		case outcome := <-v.outcome:
			return outcome
		default:
		}
		return doneMsg{err: s.Err()}
	case <-ctx.Done():
		return doneMsg{}
	}
}

func (v *transferView) startLogs() {
	go func() {
		defer close(v.stopped)
		for {
			select {
			case msg := <-v.updates:
				v.log(msg)
			case <-v.stop:
				return
			}
		}
	}()
}

func (v *transferView) log(msg tea.Msg) {
	switch msg := msg.(type) {
	case stateMsg:
		v.logger.WithField("state", string(msg)).Info("Connection state changed")
	case metadataMsg:
		v.logger.WithFields(logrus.Fields{
			"file":   msg.Name,
			"size":   humanBytes(msg.Size),
			"chunks": msg.TotalChunks,
		}).Info("File announced")
	case progressMsg:
		v.logger.WithFields(logrus.Fields{
			"percent": fmt.Sprintf("%.1f", msg.Percent),
			"chunk":   msg.CurrentChunk,
			"total":   msg.TotalChunks,
			"speed":   humanRate(msg.SpeedBps),
			"eta":     humanETA(msg.ETASeconds),
		}).Info("Progress")
	case reconnectingMsg:
		v.logger.WithFields(logrus.Fields{
			"attempt": msg.attempt,
			"max":     msg.limit,
		}).Warn("Reconnecting")
	}
}

func (v *transferView) startProgram(model progressModel, out io.Writer) {
	v.program = tea.NewProgram(model, tea.WithOutput(out))
	go func() {
		for {
			select {
			case msg := <-v.updates:
				v.program.Send(msg)
			case <-v.stop:
				return
			}
		}
	}()
	go func() {
		defer close(v.stopped)
		if _, err := v.program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			v.logger.WithError(err).Warn("Progress view failed")
		}
	}()
}

// finish renders the outcome and waits for the renderer to exit.
func (v *transferView) finish(outcome doneMsg) {
	if v.program != nil {
		v.program.Send(outcome)
	}
	close(v.stop)
	<-v.stopped
}
