package network

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"p2pdrop/protocol"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

type fakeChannel struct {
	mu     sync.Mutex
	texts  [][]byte
	binary [][]byte
	closed bool
}

func (c *fakeChannel) SendText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) SendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binary = append(c.binary, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 { return 0 }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeLink struct {
	callbacks  LinkCallbacks
	offers     int
	remote     []json.RawMessage
	candidates []json.RawMessage
	closed     bool
	failOffer  bool
}

func (l *fakeLink) CreateOffer() (json.RawMessage, error) {
	if l.failOffer {
		return nil, errors.New("no codecs")
	}
	l.offers++
	return json.RawMessage(`{"type":"offer","sdp":"o"}`), nil
}

func (l *fakeLink) AcceptOffer(offer json.RawMessage) (json.RawMessage, error) {
	l.remote = append(l.remote, offer)
	return json.RawMessage(`{"type":"answer","sdp":"a"}`), nil
}

func (l *fakeLink) AcceptAnswer(answer json.RawMessage) error {
	l.remote = append(l.remote, answer)
	return nil
}

func (l *fakeLink) AddCandidate(candidate json.RawMessage) error {
	l.candidates = append(l.candidates, candidate)
	return nil
}

func (l *fakeLink) Stats() (LinkStats, bool) { return LinkStats{}, false }

func (l *fakeLink) Close() error {
	l.closed = true
	return nil
}

type linkRecorder struct {
	links []*fakeLink
}

func (r *linkRecorder) factory(callbacks LinkCallbacks) (Link, error) {
	link := &fakeLink{callbacks: callbacks}
	r.links = append(r.links, link)
	return link, nil
}

func (r *linkRecorder) last() *fakeLink {
	return r.links[len(r.links)-1]
}

type recordingSignaler struct {
	sent []protocol.SignalMessage
}

func (s *recordingSignaler) Send(msg protocol.SignalMessage) error {
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSignaler) types() []string {
	out := make([]string, 0, len(s.sent))
	for _, msg := range s.sent {
		out = append(out, msg.Type)
	}
	return out
}
