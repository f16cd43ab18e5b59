package network

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"p2pdrop/models"
	"p2pdrop/protocol"
)

var (
	// ErrNegotiationFailed indicates the transport could not be established.
	ErrNegotiationFailed = errors.New("network: negotiation failed")
	// ErrChannelLost indicates an established channel went away.
	ErrChannelLost = errors.New("network: data channel lost")
	// ErrPeerLeft indicates the relay reported the other role gone.
	ErrPeerLeft = errors.New("network: peer left")
)

// State is the negotiator lifecycle state.
type State string

const (
	StateIdle               State = "idle"
	StateSignalingConnected State = "signaling-connected"
	StateNegotiating        State = "negotiating"
	StateEstablished        State = "established"
	StateClosed             State = "closed"
	StateFailed             State = "failed"
)

// Signaler sends relay messages for the negotiator.
type Signaler interface {
	Send(msg protocol.SignalMessage) error
}

// NegotiatorEvents receive negotiator output on the owner's event loop.
type NegotiatorEvents struct {
	OnStateChange func(state State)
	OnChannel     func(channel Channel)
	OnFrame       func(isText bool, data []byte)
	OnBufferedLow func()
	// OnLinkLost fires after the live context was torn down because of
	// ErrNegotiationFailed or ErrChannelLost.
	OnLinkLost func(err error)
}

// NegotiatorOptions configures a Negotiator.
type NegotiatorOptions struct {
	Role    models.Role
	NewLink LinkFactory
	// Dispatch runs fn on the owner's event loop. Link callbacks arrive on
	// arbitrary goroutines and are funneled through it.
	Dispatch func(fn func())
	Events   NegotiatorEvents
	Logger   *logrus.Entry
}

// Negotiator turns relay messages into one established data channel.
//
// It is not safe for concurrent use; every method must be called from the
// owner's event loop.
type Negotiator struct {
	role     models.Role
	newLink  LinkFactory
	dispatch func(fn func())
	events   NegotiatorEvents
	logger   *logrus.Entry

	signaler Signaler
	state    State

	generation uint64
	link       Link
	remoteSet  bool
	pending    []json.RawMessage
	channel    Channel

	peerPresent bool
}

// NewNegotiator creates an idle negotiator.
func NewNegotiator(opts NegotiatorOptions) *Negotiator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.WithField("component", "negotiator")
	}
	dispatch := opts.Dispatch
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &Negotiator{
		role:     opts.Role,
		newLink:  opts.NewLink,
		dispatch: dispatch,
		events:   opts.Events,
		logger:   logger.WithField("role", string(opts.Role)),
		state:    StateIdle,
	}
}

// State returns the current lifecycle state.
func (n *Negotiator) State() State {
	return n.state
}

// Channel returns the established channel, or nil.
func (n *Negotiator) Channel() Channel {
	return n.channel
}

// PeerPresent reports whether the relay last announced the other role.
func (n *Negotiator) PeerPresent() bool {
	return n.peerPresent
}

// Link returns the live link, or nil.
func (n *Negotiator) Link() Link {
	return n.link
}

// SignalingConnected installs a control connection and its ready message.
// An initiator whose peer is already present starts negotiating at once.
func (n *Negotiator) SignalingConnected(signaler Signaler, ready protocol.SignalMessage) error {
	n.signaler = signaler
	if n.state == StateIdle {
		n.setState(StateSignalingConnected)
	}
	return n.HandleSignal(ready)
}

// HandleSignal applies one relay message. It returns ErrPeerLeft when the
// other role disconnected and ErrNegotiationFailed when the link could not be
// driven forward.
func (n *Negotiator) HandleSignal(msg protocol.SignalMessage) error {
	if n.state == StateClosed || n.state == StateFailed {
		return nil
	}

	switch msg.Type {
	case protocol.TypeReady:
		n.peerPresent = msg.PeerConnected
		if n.role == models.RoleSender && msg.PeerConnected && n.state != StateEstablished {
			return n.startOffer()
		}
	case protocol.TypePeerConnected:
		if msg.Role != n.role.Opposite() {
			return nil
		}
		n.peerPresent = true
		if n.role == models.RoleSender {
			return n.startOffer()
		}
	case protocol.TypePeerDisconnected:
		if msg.Role != n.role.Opposite() {
			return nil
		}
		n.peerPresent = false
		return ErrPeerLeft
	case protocol.TypeOffer:
		if n.role != models.RoleReceiver {
			n.logger.Warn("ignoring offer received as initiator")
			return nil
		}
		return n.acceptOffer(msg.Offer)
	case protocol.TypeAnswer:
		if n.role != models.RoleSender || n.link == nil {
			n.logger.Debug("ignoring unsolicited answer")
			return nil
		}
		if err := n.link.AcceptAnswer(msg.Answer); err != nil {
			return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
		}
		n.remoteSet = true
		n.flushCandidates()
	case protocol.TypeICECandidate:
		n.addCandidate(msg.Candidate)
	}
	return nil
}

// Restart re-runs an offer cycle if this side initiates and the peer is
// present. It reports whether a cycle started.
func (n *Negotiator) Restart() (bool, error) {
	if n.role != models.RoleSender || !n.peerPresent || n.signaler == nil {
		return false, nil
	}
	return true, n.startOffer()
}

// Reset tears down the live context and waits for a new cycle.
func (n *Negotiator) Reset() {
	if n.state == StateClosed || n.state == StateFailed {
		return
	}
	n.teardown()
	n.setState(StateSignalingConnected)
}

// Close tears everything down.
func (n *Negotiator) Close() {
	if n.state == StateClosed || n.state == StateFailed {
		return
	}
	n.teardown()
	n.setState(StateClosed)
}

// Fail tears everything down and enters the terminal failed state.
func (n *Negotiator) Fail(err error) {
	if n.state == StateClosed || n.state == StateFailed {
		return
	}
	n.logger.WithError(err).Error("negotiation failed")
	n.teardown()
	n.setState(StateFailed)
}

func (n *Negotiator) startOffer() error {
	if err := n.newContext(); err != nil {
		return err
	}
	n.setState(StateNegotiating)

	offer, err := n.link.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	n.logger.Info("sending offer")
	if err := n.send(protocol.SignalMessage{Type: protocol.TypeOffer, Offer: offer}); err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	return nil
}

func (n *Negotiator) acceptOffer(offer json.RawMessage) error {
	// Candidates that overtook the offer belong to the context it opens.
	early := n.pending
	if err := n.newContext(); err != nil {
		return err
	}
	n.pending = early
	n.setState(StateNegotiating)

	answer, err := n.link.AcceptOffer(offer)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	n.remoteSet = true
	n.flushCandidates()
	n.logger.Info("sending answer")
	if err := n.send(protocol.SignalMessage{Type: protocol.TypeAnswer, Answer: answer}); err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	return nil
}

func (n *Negotiator) addCandidate(candidate json.RawMessage) {
	if len(candidate) == 0 {
		return
	}
	if n.link == nil || !n.remoteSet {
		n.pending = append(n.pending, candidate)
		return
	}
	if err := n.link.AddCandidate(candidate); err != nil {
		n.logger.WithError(err).Warn("add remote candidate")
	}
}

func (n *Negotiator) flushCandidates() {
	pending := n.pending
	n.pending = nil
	for _, candidate := range pending {
		if err := n.link.AddCandidate(candidate); err != nil {
			n.logger.WithError(err).Warn("add queued candidate")
		}
	}
}

// newContext supersedes any live context with a fresh link.
func (n *Negotiator) newContext() error {
	n.teardown()
	generation := n.generation

	link, err := n.newLink(n.callbacks(generation))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	n.link = link
	return nil
}

func (n *Negotiator) callbacks(generation uint64) LinkCallbacks {
	current := func(fn func()) {
		n.dispatch(func() {
			if generation != n.generation || n.link == nil {
				return
			}
			fn()
		})
	}

	return LinkCallbacks{
		OnCandidate: func(candidate json.RawMessage) {
			current(func() {
				if err := n.send(protocol.SignalMessage{Type: protocol.TypeICECandidate, Candidate: candidate}); err != nil {
					n.logger.WithError(err).Warn("send local candidate")
				}
			})
		},
		OnStateChange: func(state TransportState) {
			current(func() { n.transportChanged(state) })
		},
		OnChannel: func(channel Channel) {
			current(func() {
				n.channel = channel
				n.setState(StateEstablished)
				if n.events.OnChannel != nil {
					n.events.OnChannel(channel)
				}
			})
		},
		OnFrame: func(isText bool, data []byte) {
			current(func() {
				if n.events.OnFrame != nil {
					n.events.OnFrame(isText, data)
				}
			})
		},
		OnBufferedLow: func() {
			current(func() {
				if n.events.OnBufferedLow != nil {
					n.events.OnBufferedLow()
				}
			})
		},
		OnChannelClose: func() {
			current(func() {
				if n.channel != nil {
					n.lost(ErrChannelLost)
				}
			})
		},
	}
}

func (n *Negotiator) transportChanged(state TransportState) {
	n.logger.WithField("transport", string(state)).Debug("transport state changed")
	switch state {
	case TransportFailed:
		if n.channel != nil {
			n.lost(ErrChannelLost)
			return
		}
		n.lost(ErrNegotiationFailed)
	case TransportDisconnected, TransportClosed:
		if n.channel != nil {
			n.lost(ErrChannelLost)
		}
	}
}

func (n *Negotiator) lost(err error) {
	n.logger.WithError(err).Warn("link lost")
	n.teardown()
	if n.events.OnLinkLost != nil {
		n.events.OnLinkLost(err)
	}
}

func (n *Negotiator) teardown() {
	n.generation++
	if n.channel != nil {
		_ = n.channel.Close()
		n.channel = nil
	}
	if n.link != nil {
		if err := n.link.Close(); err != nil {
			n.logger.WithError(err).Debug("close link")
		}
		n.link = nil
	}
	n.remoteSet = false
	n.pending = nil
}

func (n *Negotiator) send(msg protocol.SignalMessage) error {
	if n.signaler == nil {
		return ErrSignalingClosed
	}
	return n.signaler.Send(msg)
}

func (n *Negotiator) setState(state State) {
	if n.state == state {
		return
	}
	n.logger.WithFields(logrus.Fields{
		"from": string(n.state),
		"to":   string(state),
	}).Info("negotiator state changed")
	n.state = state
	if n.events.OnStateChange != nil {
		n.events.OnStateChange(state)
	}
}
