package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DataChannelLabel names the single transfer channel.
const DataChannelLabel = "fileTransfer"

// DefaultBufferedLowThreshold is the drain level at which OnBufferedLow fires
// when WebRTCOptions leaves it unset.
const DefaultBufferedLowThreshold = 1 << 20

// WebRTCOptions configures pion-backed links.
type WebRTCOptions struct {
	ICEServers           []string
	BufferedLowThreshold uint64
	Logger               *logrus.Entry
}

// WebRTCLinkFactory returns a LinkFactory producing pion peer connections.
func WebRTCLinkFactory(opts WebRTCOptions) LinkFactory {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.WithField("component", "webrtc")
	}
	if opts.BufferedLowThreshold == 0 {
		opts.BufferedLowThreshold = DefaultBufferedLowThreshold
	}
	return func(callbacks LinkCallbacks) (Link, error) {
		link, err := newWebRTCLink(opts, callbacks, logger)
		if err != nil {
			return nil, err
		}
		return link, nil
	}
}

type webrtcLink struct {
	pc        *webrtc.PeerConnection
	callbacks LinkCallbacks
	threshold uint64
	logger    *logrus.Entry
}

func newWebRTCLink(opts WebRTCOptions, callbacks LinkCallbacks, logger *logrus.Entry) (*webrtcLink, error) {
	config := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &webrtcLink{
		pc:        pc,
		callbacks: callbacks,
		threshold: opts.BufferedLowThreshold,
		logger:    logger,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || callbacks.OnCandidate == nil {
			return
		}
		raw, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			logger.WithError(err).Warn("encode local candidate")
			return
		}
		callbacks.OnCandidate(raw)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.WithField("state", state.String()).Debug("peer connection state")
		if callbacks.OnStateChange != nil {
			callbacks.OnStateChange(transportState(state))
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			logger.WithField("label", dc.Label()).Warn("ignoring unexpected data channel")
			return
		}
		l.bindChannel(dc)
	})

	return l, nil
}

func transportState(state webrtc.PeerConnectionState) TransportState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed
	default:
		return TransportNew
	}
}

func (l *webrtcLink) bindChannel(dc *webrtc.DataChannel) {
	ch := &webrtcChannel{dc: dc}
	if l.threshold > 0 {
		dc.SetBufferedAmountLowThreshold(l.threshold)
	}
	dc.OnOpen(func() {
		if l.callbacks.OnChannel != nil {
			l.callbacks.OnChannel(ch)
		}
	})
	// OnMessage runs on the channel's single read loop.
	var frames reassembler
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := msg.Data
		if !msg.IsString {
			frame, done, err := frames.push(msg.Data)
			if err != nil {
				l.logger.WithError(err).Warn("dropping binary frame")
				return
			}
			if !done {
				return
			}
			data = frame
		}
		if l.callbacks.OnFrame != nil {
			l.callbacks.OnFrame(msg.IsString, data)
		}
	})
	dc.OnBufferedAmountLow(func() {
		if l.callbacks.OnBufferedLow != nil {
			l.callbacks.OnBufferedLow()
		}
	})
	dc.OnClose(func() {
		if l.callbacks.OnChannelClose != nil {
			l.callbacks.OnChannelClose()
		}
	})
}

func (l *webrtcLink) CreateOffer() (json.RawMessage, error) {
	ordered := true
	dc, err := l.pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	l.bindChannel(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return marshalDescription(offer)
}

func (l *webrtcLink) AcceptOffer(raw json.RawMessage) (json.RawMessage, error) {
	offer, err := unmarshalDescription(raw)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return marshalDescription(answer)
}

func (l *webrtcLink) AcceptAnswer(raw json.RawMessage) error {
	answer, err := unmarshalDescription(raw)
	if err != nil {
		return err
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (l *webrtcLink) AddCandidate(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := l.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// Stats reports the nominated candidate pair, if any.
func (l *webrtcLink) Stats() (LinkStats, bool) {
	for _, stat := range l.pc.GetStats() {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		return LinkStats{
			RTT:           time.Duration(pair.CurrentRoundTripTime * float64(time.Second)),
			BytesSent:     pair.BytesSent,
			BytesReceived: pair.BytesReceived,
		}, true
	}
	return LinkStats{}, false
}

func (l *webrtcLink) Close() error {
	if err := l.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func marshalDescription(desc webrtc.SessionDescription) (json.RawMessage, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encode session description: %w", err)
	}
	return raw, nil
}

func unmarshalDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	return desc, nil
}

type webrtcChannel struct {
	dc *webrtc.DataChannel
}

func (c *webrtcChannel) SendText(data []byte) error {
	return c.dc.SendText(string(data))
}

// SendBinary splits data into fragments that fit one SCTP message.
func (c *webrtcChannel) SendBinary(data []byte) error {
	for _, msg := range fragment(data, fragmentPayloadSize) {
		if err := c.dc.Send(msg); err != nil {
			return fmt.Errorf("send fragment: %w", err)
		}
	}
	return nil
}

func (c *webrtcChannel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

func (c *webrtcChannel) Close() error {
	return c.dc.Close()
}

// Binary frames travel as one or more fragments. The first byte of every
// fragment says whether more follow; the channel is ordered, so fragments of
// one frame arrive back to back.
const (
	fragmentMore byte = 0
	fragmentLast byte = 1

	// fragmentPayloadSize keeps header and payload under pion's 65535 byte
	// message limit.
	fragmentPayloadSize = 32 << 10
	// maxFrameSize bounds reassembly.
	maxFrameSize = 4 << 20
)

var (
	errEmptyFragment  = errors.New("network: empty fragment")
	errFragmentHeader = errors.New("network: bad fragment header")
	errFrameTooLarge  = errors.New("network: frame too large")
)

func fragment(data []byte, size int) [][]byte {
	count := max((len(data)+size-1)/size, 1)
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * size
		end := min(start+size, len(data))
		flag := fragmentMore
		if i == count-1 {
			flag = fragmentLast
		}
		msg := make([]byte, 0, 1+end-start)
		msg = append(msg, flag)
		msg = append(msg, data[start:end]...)
		out = append(out, msg)
	}
	return out
}

type reassembler struct {
	buf     []byte
	partial bool
}

// push adds one fragment and returns the frame once its last fragment arrived.
func (r *reassembler) push(msg []byte) ([]byte, bool, error) {
	if len(msg) == 0 {
		r.reset()
		return nil, false, errEmptyFragment
	}
	flag, body := msg[0], msg[1:]
	if flag != fragmentMore && flag != fragmentLast {
		r.reset()
		return nil, false, fmt.Errorf("%w: %d", errFragmentHeader, flag)
	}
	if len(r.buf)+len(body) > maxFrameSize {
		r.reset()
		return nil, false, errFrameTooLarge
	}

	if flag == fragmentMore {
		r.buf = append(r.buf, body...)
		r.partial = true
		return nil, false, nil
	}
	if !r.partial {
		return body, true, nil
	}
	frame := append(r.buf, body...)
	r.reset()
	return frame, true, nil
}

func (r *reassembler) reset() {
	r.buf = nil
	r.partial = false
}
