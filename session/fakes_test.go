package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"p2pdrop/network"
)

var errLinkBroken = errors.New("fake link broken")

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

// fakeNet pairs links through the offer and answer payloads, so two sessions
// can establish a channel across a real relay without any ICE.
type fakeNet struct {
	mu         sync.Mutex
	nextID     int
	links      map[int]*fakeLink
	breakAfter int
	binarySent int
	broke      bool
	afterBreak recovery
}

// recovery is how new links behave once the network broke.
type recovery int

const (
	recoverNormally recovery = iota
	// recoverNever leaves every later negotiation hanging.
	recoverNever
	// recoverFlapping opens every later channel and drops it at once.
	recoverFlapping
)

func newFakeNet() *fakeNet {
	return &fakeNet{links: make(map[int]*fakeLink)}
}

// breakAfterBinary drops the (n+1)th binary frame and closes both ends.
func (f *fakeNet) breakAfterBinary(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakAfter = n
}

func (f *fakeNet) recoverWith(mode recovery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterBreak = mode
}

func (f *fakeNet) recoveryMode() recovery {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.broke {
		return recoverNormally
	}
	return f.afterBreak
}

func (f *fakeNet) factory() network.LinkFactory {
	return func(callbacks network.LinkCallbacks) (network.Link, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.nextID++
		link := &fakeLink{net: f, id: f.nextID, callbacks: callbacks}
		f.links[link.id] = link
		return link, nil
	}
}

func (f *fakeNet) lookup(payload json.RawMessage) (*fakeLink, error) {
	var body struct {
		Link int `json:"link"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.links[body.Link]
	if !ok {
		return nil, fmt.Errorf("unknown fake link %d", body.Link)
	}
	return link, nil
}

// shouldBreak counts one binary send and reports whether it is the one that
// breaks the network.
func (f *fakeNet) shouldBreak() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broke || f.breakAfter == 0 {
		return false
	}
	if f.binarySent >= f.breakAfter {
		f.broke = true
		return true
	}
	f.binarySent++
	return false
}

type fakeLink struct {
	net       *fakeNet
	id        int
	callbacks network.LinkCallbacks

	mu      sync.Mutex
	peer    *fakeLink
	channel *fakeChannel
	closed  bool
}

func (l *fakeLink) payload() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"link":%d}`, l.id))
}

func (l *fakeLink) CreateOffer() (json.RawMessage, error) {
	return l.payload(), nil
}

func (l *fakeLink) AcceptOffer(offer json.RawMessage) (json.RawMessage, error) {
	offerer, err := l.net.lookup(offer)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.peer = offerer
	l.mu.Unlock()
	offerer.mu.Lock()
	offerer.peer = l
	offerer.mu.Unlock()
	return l.payload(), nil
}

func (l *fakeLink) AcceptAnswer(answer json.RawMessage) error {
	answerer, err := l.net.lookup(answer)
	if err != nil {
		return err
	}
	mode := l.net.recoveryMode()
	if mode == recoverNever {
		return nil
	}

	l.mu.Lock()
	if l.peer != answerer {
		l.mu.Unlock()
		return errors.New("answer from an unpaired link")
	}
	local := &fakeChannel{link: l}
	remote := &fakeChannel{link: answerer}
	local.remote, remote.remote = remote, local
	l.channel = local
	l.mu.Unlock()

	answerer.mu.Lock()
	answerer.channel = remote
	answerer.mu.Unlock()

	l.callbacks.OnStateChange(network.TransportConnected)
	l.callbacks.OnChannel(local)
	answerer.callbacks.OnStateChange(network.TransportConnected)
	answerer.callbacks.OnChannel(remote)

	if mode == recoverFlapping {
		local.markClosed()
		remote.markClosed()
		l.callbacks.OnChannelClose()
		answerer.callbacks.OnChannelClose()
	}
	return nil
}

func (l *fakeLink) AddCandidate(json.RawMessage) error { return nil }

func (l *fakeLink) Stats() (network.LinkStats, bool) {
	return network.LinkStats{RTT: time.Millisecond}, true
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	peer := l.peer
	hadChannel := l.channel != nil
	l.mu.Unlock()

	if peer != nil && hadChannel {
		peer.notifyClosed()
	}
	return nil
}

func (l *fakeLink) notifyClosed() {
	l.mu.Lock()
	if l.closed || l.channel == nil {
		l.mu.Unlock()
		return
	}
	l.channel.markClosed()
	l.mu.Unlock()
	l.callbacks.OnChannelClose()
}

func (l *fakeLink) deliver(isText bool, data []byte) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if !closed {
		l.callbacks.OnFrame(isText, data)
	}
}

type fakeChannel struct {
	link   *fakeLink
	remote *fakeChannel

	mu     sync.Mutex
	closed bool
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeChannel) SendText(data []byte) error {
	if c.isClosed() {
		return errLinkBroken
	}
	c.remote.link.deliver(true, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) SendBinary(data []byte) error {
	if c.isClosed() {
		return errLinkBroken
	}
	if c.link.net.shouldBreak() {
		c.markClosed()
		c.remote.markClosed()
		c.link.callbacks.OnChannelClose()
		c.remote.link.callbacks.OnChannelClose()
		return errLinkBroken
	}
	c.remote.link.deliver(false, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 { return 0 }

func (c *fakeChannel) Close() error {
	c.markClosed()
	return nil
}
