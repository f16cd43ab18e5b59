package transfer

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type wireFrame struct {
	text bool
	data []byte
}

// queueWire records outbound frames until the test delivers them.
type queueWire struct {
	frames   []wireFrame
	buffered uint64
	maxSeen  uint64
	sendErr  error
	// accumulate makes binary sends grow the buffered amount.
	accumulate bool
}

func (w *queueWire) SendText(data []byte) error {
	if w.sendErr != nil {
		return w.sendErr
	}
	w.frames = append(w.frames, wireFrame{text: true, data: bytes.Clone(data)})
	return nil
}

func (w *queueWire) SendBinary(data []byte) error {
	if w.sendErr != nil {
		return w.sendErr
	}
	w.frames = append(w.frames, wireFrame{data: bytes.Clone(data)})
	if w.accumulate {
		w.buffered += uint64(len(data))
		w.maxSeen = max(w.maxSeen, w.buffered)
	}
	return nil
}

func (w *queueWire) BufferedAmount() uint64 {
	return w.buffered
}

func (w *queueWire) pop() (wireFrame, bool) {
	if len(w.frames) == 0 {
		return wireFrame{}, false
	}
	frame := w.frames[0]
	w.frames = w.frames[1:]
	return frame, true
}

func (w *queueWire) binaryCount() int {
	count := 0
	for _, f := range w.frames {
		if !f.text {
			count++
		}
	}
	return count
}

type manualTask struct {
	fn        func()
	cancelled bool
}

// manualScheduler runs timers only when the test asks.
type manualScheduler struct {
	tasks []*manualTask
}

func (m *manualScheduler) AfterFunc(_ time.Duration, fn func()) func() {
	task := &manualTask{fn: fn}
	m.tasks = append(m.tasks, task)
	return func() { task.cancelled = true }
}

func (m *manualScheduler) runOne() bool {
	for len(m.tasks) > 0 {
		task := m.tasks[0]
		m.tasks = m.tasks[1:]
		if !task.cancelled {
			task.fn()
			return true
		}
	}
	return false
}

// pipe connects a sender and a receiver through queued wires.
type pipe struct {
	t          *testing.T
	sender     *Sender
	receiver   *Receiver
	sched      *manualScheduler
	toReceiver *queueWire
	toSender   *queueWire
}

func newPipe(t *testing.T, sender *Sender, receiver *Receiver, sched *manualScheduler) *pipe {
	return &pipe{t: t, sender: sender, receiver: receiver, sched: sched}
}

// connect attaches both sides to fresh wires, sender first.
func (p *pipe) connect() {
	p.toReceiver = &queueWire{}
	p.toSender = &queueWire{}
	p.sender.Attach(p.toReceiver)
	p.receiver.Attach(p.toSender)
}

// drop simulates a channel loss: in-flight frames vanish.
func (p *pipe) drop() {
	p.sender.Detach()
	p.receiver.Detach()
	p.toReceiver.frames = nil
	p.toSender.frames = nil
}

func (p *pipe) step() bool {
	if frame, ok := p.toReceiver.pop(); ok {
		parsed, err := ParseFrame(frame.text, frame.data)
		require.NoError(p.t, err)
		p.receiver.HandleFrame(parsed)
		return true
	}
	if frame, ok := p.toSender.pop(); ok {
		parsed, err := ParseFrame(frame.text, frame.data)
		require.NoError(p.t, err)
		p.sender.HandleFrame(parsed)
		return true
	}
	return p.sched.runOne()
}

func (p *pipe) runUntil(stop func() bool) {
	for i := 0; i < 1_000_000; i++ {
		if stop != nil && stop() {
			return
		}
		if !p.step() {
			return
		}
	}
	p.t.Fatalf("pipe did not settle")
}

type recordingObserver struct {
	metadata  []Metadata
	progress  []Progress
	completed int
	errs      []error
	linkErrs  []error
	chunks    []int
}

func (r *recordingObserver) observer() Observer {
	return Observer{
		OnMetadata:  func(m Metadata) { r.metadata = append(r.metadata, m) },
		OnProgress:  func(p Progress) { r.progress = append(r.progress, p) },
		OnComplete:  func() { r.completed++ },
		OnError:     func(err error) { r.errs = append(r.errs, err) },
		OnLinkError: func(err error) { r.linkErrs = append(r.linkErrs, err) },
		OnChunk:     func(index int) { r.chunks = append(r.chunks, index) },
	}
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func patternData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}
