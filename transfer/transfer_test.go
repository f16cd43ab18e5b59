package transfer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2pdrop/crypto"
)

func TestChunkMath(t *testing.T) {
	for _, size := range []int64{0, 1, ChunkSize - 1, ChunkSize, ChunkSize + 1, 4 * ChunkSize, 10*ChunkSize + 12345} {
		total := ChunkCount(size, ChunkSize)
		var sum int64
		for i := 0; i < total; i++ {
			start, end := ChunkBounds(i, size, ChunkSize)
			length := end - start
			require.Positive(t, length)
			if i < total-1 {
				require.EqualValues(t, ChunkSize, length)
			}
			sum += length
		}
		require.Equal(t, size, sum, "size %d", size)
		if size > 0 {
			require.EqualValues(t, (size+ChunkSize-1)/ChunkSize, total)
		}
	}
}

func TestProgressInterval(t *testing.T) {
	require.Equal(t, 100, progressInterval(4))
	require.Equal(t, 100, progressInterval(10000))
	require.Equal(t, 200, progressInterval(20000))
	require.Equal(t, 201, progressInterval(20001))
}

func newTestSender(data []byte, chunkSize int, sched *manualScheduler, obs Observer) *Sender {
	return NewSender(bytes.NewReader(data), Metadata{
		Name:      "a.bin",
		Size:      int64(len(data)),
		ChunkSize: chunkSize,
		Checksum:  crypto.BytesDigest(data),
	}, SenderOptions{Scheduler: sched, Observer: obs, Logger: testLogger()})
}

func TestInMemoryTransferIsByteIdentical(t *testing.T) {
	data := patternData(4 * ChunkSize)
	sched := &manualScheduler{}
	sendObs, recvObs := &recordingObserver{}, &recordingObserver{}

	var delivered []byte
	sender := newTestSender(data, ChunkSize, sched, sendObs.observer())
	receiver := NewReceiver(ReceiverOptions{
		VerifyChecksum: true,
		Observer:       recvObs.observer(),
		Deliver: func(meta Metadata, payload []byte) (string, error) {
			delivered = payload
			return "memory://" + meta.Name, nil
		},
		Logger: testLogger(),
	})

	p := newPipe(t, sender, receiver, sched)
	p.connect()
	p.runUntil(nil)

	require.True(t, sender.Finished())
	require.True(t, receiver.Finished())
	require.Equal(t, data, delivered)
	require.Equal(t, "memory://a.bin", receiver.StoredPath())
	require.Equal(t, 1, sendObs.completed)
	require.Equal(t, 1, recvObs.completed)
	require.Len(t, recvObs.metadata, 1)
	require.Equal(t, 4, recvObs.metadata[0].TotalChunks)
	require.Empty(t, recvObs.errs)
	require.Equal(t, []int{0, 1, 2, 3}, sendObs.chunks)
	require.Equal(t, []int{0, 1, 2, 3}, recvObs.chunks)

	last := recvObs.progress[len(recvObs.progress)-1]
	require.Equal(t, 4, last.CurrentChunk)
	require.InDelta(t, 100, last.Percent, 0.001)
}

func TestStreamingSinkTransferIsByteIdentical(t *testing.T) {
	data := patternData(3*1024 + 100)
	dir := t.TempDir()
	sched := &manualScheduler{}

	sender := newTestSender(data, 1024, sched, Observer{})
	receiver := NewReceiver(ReceiverOptions{
		StreamThreshold: 1024,
		OpenSink: func(meta Metadata) (Sink, error) {
			return OpenFileSink(dir, meta.Name)
		},
		Deliver: func(Metadata, []byte) (string, error) {
			t.Fatalf("streamed transfer must not deliver from memory")
			return "", nil
		},
		VerifyChecksum: true,
		Logger:         testLogger(),
	})

	p := newPipe(t, sender, receiver, sched)
	p.connect()
	p.runUntil(nil)

	require.True(t, receiver.Finished())
	require.Equal(t, filepath.Join(dir, "a.bin"), receiver.StoredPath())
	written, err := os.ReadFile(receiver.StoredPath())
	require.NoError(t, err)
	require.Equal(t, data, written)

	_, err = os.Stat(filepath.Join(dir, "a.bin.part"))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFinalizeIsIdempotent(t *testing.T) {
	data := patternData(2500)
	sched := &manualScheduler{}
	deliveries := 0
	obs := &recordingObserver{}

	sender := newTestSender(data, 1000, sched, Observer{})
	receiver := NewReceiver(ReceiverOptions{
		Observer: obs.observer(),
		Deliver: func(Metadata, []byte) (string, error) {
			deliveries++
			return "", nil
		},
		Logger: testLogger(),
	})

	p := newPipe(t, sender, receiver, sched)
	p.connect()
	p.runUntil(nil)

	require.NoError(t, receiver.Finalize())
	receiver.HandleFrame(Complete{})
	require.Equal(t, 1, deliveries)
	require.Equal(t, 1, obs.completed)
}

func TestCompleteBeforeAllChunksIsIncomplete(t *testing.T) {
	obs := &recordingObserver{}
	wire := &queueWire{}
	receiver := NewReceiver(ReceiverOptions{
		Observer: obs.observer(),
		Deliver: func(Metadata, []byte) (string, error) {
			t.Fatalf("partial artifact must not be delivered")
			return "", nil
		},
		Logger: testLogger(),
	})
	receiver.Attach(wire)
	receiver.HandleFrame(Metadata{Name: "a.bin", Size: 3000, ChunkSize: 1000, TotalChunks: 3})
	receiver.HandleFrame(Chunk(patternData(1000)))
	receiver.HandleFrame(Complete{})

	require.Len(t, obs.errs, 1)
	require.ErrorIs(t, obs.errs[0], ErrIncompleteTransfer)
	require.False(t, receiver.Finished())
	require.False(t, receiver.Active())
}

func TestChecksumMismatchFailsFinalize(t *testing.T) {
	obs := &recordingObserver{}
	receiver := NewReceiver(ReceiverOptions{
		VerifyChecksum: true,
		Observer:       obs.observer(),
		Deliver: func(Metadata, []byte) (string, error) {
			t.Fatalf("corrupt artifact must not be delivered")
			return "", nil
		},
		Logger: testLogger(),
	})
	receiver.Attach(&queueWire{})
	receiver.HandleFrame(Metadata{Name: "a.bin", Size: 4, ChunkSize: 1000, TotalChunks: 1, Checksum: crypto.BytesDigest([]byte("abcd"))})
	receiver.HandleFrame(Chunk("abce"))
	receiver.HandleFrame(Complete{})

	require.Len(t, obs.errs, 1)
	require.ErrorIs(t, obs.errs[0], ErrChecksumMismatch)
	require.ErrorIs(t, obs.errs[0], ErrIncompleteTransfer)
}

func TestEmptyFrameIsDropped(t *testing.T) {
	obs := &recordingObserver{}
	var delivered []byte
	receiver := NewReceiver(ReceiverOptions{
		Observer: obs.observer(),
		Deliver: func(_ Metadata, data []byte) (string, error) {
			delivered = data
			return "", nil
		},
		Logger: testLogger(),
	})
	receiver.Attach(&queueWire{})
	receiver.HandleFrame(Metadata{Name: "a.bin", Size: 5, ChunkSize: 1000, TotalChunks: 1})
	receiver.HandleFrame(Chunk{})
	require.Equal(t, 0, receiver.Position())
	receiver.HandleFrame(Chunk("hello"))
	receiver.HandleFrame(Complete{})

	require.Empty(t, obs.errs)
	require.Equal(t, []byte("hello"), delivered)
}

func TestResumeAtEveryChunkIndex(t *testing.T) {
	const chunkSize = 1000
	data := patternData(6*chunkSize + 321)
	total := ChunkCount(int64(len(data)), chunkSize)

	for k := 0; k < total; k++ {
		sched := &manualScheduler{}
		var delivered []byte
		sender := newTestSender(data, chunkSize, sched, Observer{})
		receiver := NewReceiver(ReceiverOptions{
			VerifyChecksum: true,
			Deliver: func(_ Metadata, payload []byte) (string, error) {
				delivered = payload
				return "", nil
			},
			Logger: testLogger(),
		})

		p := newPipe(t, sender, receiver, sched)
		p.connect()
		p.runUntil(func() bool { return receiver.Position() == k && sender.readyReceived })
		// Let the sender run ahead so chunks are lost in flight.
		if k < total-1 {
			sched.runOne()
		}
		p.drop()
		require.Equal(t, k, receiver.Position())

		p.connect()
		resume, ok := p.toSender.pop()
		require.True(t, ok)
		parsed, err := ParseFrame(resume.text, resume.data)
		require.NoError(t, err)
		require.Equal(t, ResumeRequest{FromChunk: k}, parsed)
		sender.HandleFrame(parsed)
		require.GreaterOrEqual(t, sender.Position(), k)

		p.runUntil(nil)
		require.True(t, receiver.Finished(), "resume at %d", k)
		require.Equal(t, data, delivered, "resume at %d", k)
	}
}

func TestLostReadyDoesNotDuplicateChunks(t *testing.T) {
	data := patternData(5000)
	sched := &manualScheduler{}
	var delivered []byte
	sender := newTestSender(data, 1000, sched, Observer{})
	receiver := NewReceiver(ReceiverOptions{
		VerifyChecksum: true,
		Deliver: func(_ Metadata, payload []byte) (string, error) {
			delivered = payload
			return "", nil
		},
		Logger: testLogger(),
	})

	p := newPipe(t, sender, receiver, sched)
	p.connect()
	// Metadata arrives and ready is queued, then the channel drops.
	require.True(t, p.step())
	require.Len(t, p.toSender.frames, 1)
	p.drop()

	p.connect()
	p.runUntil(nil)

	require.True(t, receiver.Finished())
	require.Equal(t, data, delivered)
}

func TestResumeRequestedOncePerChannel(t *testing.T) {
	wire := &queueWire{}
	receiver := NewReceiver(ReceiverOptions{Logger: testLogger()})
	meta := Metadata{Name: "a.bin", Size: 3000, ChunkSize: 1000, TotalChunks: 3}
	receiver.Attach(wire)
	receiver.HandleFrame(meta)
	receiver.Detach()

	wire = &queueWire{}
	receiver.Attach(wire)
	receiver.HandleFrame(meta)
	require.Len(t, wire.frames, 1)

	receiver.Detach()
	wire = &queueWire{}
	receiver.Attach(wire)
	require.Len(t, wire.frames, 1)
}

func TestSendFailureWithoutLinkHandlerIsFatal(t *testing.T) {
	obs := &recordingObserver{}
	observer := obs.observer()
	observer.OnLinkError = nil
	sender := newTestSender(patternData(3000), 1000, &manualScheduler{}, observer)
	wire := &queueWire{}
	sender.Attach(wire)

	wire.sendErr = errors.New("channel closing")
	sender.HandleFrame(Ready{})

	require.Len(t, obs.errs, 1)
	require.ErrorIs(t, obs.errs[0], ErrSendFailed)
	require.False(t, sender.Active())
}

func TestSendFailureDetachesUntilResume(t *testing.T) {
	obs := &recordingObserver{}
	sched := &manualScheduler{}
	sender := newTestSender(patternData(3000), 1000, sched, obs.observer())
	wire := &queueWire{}
	sender.Attach(wire)

	wire.sendErr = errors.New("channel closing")
	sender.HandleFrame(Ready{})

	require.Empty(t, obs.errs)
	require.Len(t, obs.linkErrs, 1)
	require.ErrorIs(t, obs.linkErrs[0], ErrSendFailed)
	require.True(t, sender.Active())
	require.Zero(t, sender.Position())
	require.Empty(t, sched.tasks)

	fresh := &queueWire{}
	sender.Attach(fresh)
	require.Empty(t, fresh.frames)
	sender.HandleFrame(ResumeRequest{FromChunk: 0})
	require.Equal(t, 1, fresh.binaryCount())
	require.Equal(t, []int{0}, obs.chunks)
}

func TestSenderDoesNotResumeWithoutRequest(t *testing.T) {
	data := patternData(5000)
	sched := &manualScheduler{}
	sender := newTestSender(data, 1000, sched, Observer{})
	receiver := NewReceiver(ReceiverOptions{Logger: testLogger()})

	p := newPipe(t, sender, receiver, sched)
	p.connect()
	p.runUntil(func() bool { return receiver.Position() == 2 })
	p.drop()

	wire := &queueWire{}
	sender.Attach(wire)
	for sched.runOne() {
	}
	require.Zero(t, wire.binaryCount())
	require.Empty(t, wire.frames)
}

func TestSenderRejectsResumeOutOfRange(t *testing.T) {
	obs := &recordingObserver{}
	sender := newTestSender(patternData(3000), 1000, &manualScheduler{}, obs.observer())
	sender.Attach(&queueWire{})
	sender.HandleFrame(ResumeRequest{FromChunk: 4})

	require.Len(t, obs.errs, 1)
	require.ErrorIs(t, obs.errs[0], ErrInvalidResume)
	require.False(t, sender.Active())
}

func TestSenderHonorsHighWaterMarkAndHardCap(t *testing.T) {
	data := patternData(12 * ChunkSize)
	sched := &manualScheduler{}
	sender := newTestSender(data, ChunkSize, sched, Observer{})
	wire := &queueWire{accumulate: true}

	sender.Attach(wire)
	sender.HandleFrame(Ready{})
	for sched.runOne() {
	}

	// Four chunks reach the high-water mark; the loop parks until drained.
	require.Equal(t, 4, wire.binaryCount())
	require.True(t, sender.waitingDrain)
	require.LessOrEqual(t, wire.maxSeen, uint64(HardCap))

	for sender.Active() {
		wire.buffered = HighWaterMark / 2
		sender.OnBufferedLow()
		for sched.runOne() {
		}
		require.LessOrEqual(t, wire.maxSeen, uint64(HardCap))
		if sender.Position() == sender.total {
			break
		}
		require.GreaterOrEqual(t, wire.buffered, uint64(HighWaterMark))
	}
	require.True(t, sender.Finished())
	require.Equal(t, 12, wire.binaryCount())
}

func TestSenderNeverExceedsTightHardCap(t *testing.T) {
	data := patternData(8 * 1000)
	sched := &manualScheduler{}
	sender := NewSender(bytes.NewReader(data), Metadata{Name: "a.bin", Size: int64(len(data)), ChunkSize: 1000}, SenderOptions{
		Scheduler:     sched,
		HighWaterMark: 10_000,
		HardCap:       2_500,
		Logger:        testLogger(),
	})
	wire := &queueWire{accumulate: true}
	sender.Attach(wire)
	sender.HandleFrame(Ready{})

	for i := 0; i < 50 && sched.runOne(); i++ {
	}
	require.Equal(t, 2, wire.binaryCount())
	require.LessOrEqual(t, wire.maxSeen, uint64(2_500))

	wire.buffered = 0
	for sched.runOne() {
		wire.buffered = 0
	}
	require.True(t, sender.Finished())
	require.LessOrEqual(t, wire.maxSeen, uint64(2_500))
}

func TestPauseStopsAndResumeContinues(t *testing.T) {
	data := patternData(5000)
	sched := &manualScheduler{}
	sender := newTestSender(data, 1000, sched, Observer{})
	wire := &queueWire{}
	sender.Attach(wire)
	sender.HandleFrame(Ready{})
	require.Equal(t, 1, sender.Position())

	sender.Pause()
	for sched.runOne() {
	}
	require.Equal(t, 1, sender.Position())

	sender.Resume()
	for sched.runOne() {
	}
	require.True(t, sender.Finished())
	require.Equal(t, 5, wire.binaryCount())
}

func TestEmptyFileTransfers(t *testing.T) {
	sched := &manualScheduler{}
	var delivered []byte
	deliveredCalled := false
	sender := newTestSender(nil, ChunkSize, sched, Observer{})
	receiver := NewReceiver(ReceiverOptions{
		Deliver: func(_ Metadata, data []byte) (string, error) {
			deliveredCalled = true
			delivered = data
			return "", nil
		},
		Logger: testLogger(),
	})

	p := newPipe(t, sender, receiver, sched)
	p.connect()
	p.runUntil(nil)

	require.True(t, sender.Finished())
	require.True(t, receiver.Finished())
	require.True(t, deliveredCalled)
	require.Empty(t, delivered)
}

func TestDuplicateMetadataRequestsResume(t *testing.T) {
	wire := &queueWire{}
	receiver := NewReceiver(ReceiverOptions{Logger: testLogger()})
	receiver.Attach(wire)
	meta := Metadata{Name: "a.bin", Size: 3000, ChunkSize: 1000, TotalChunks: 3}
	receiver.HandleFrame(meta)
	receiver.HandleFrame(Chunk(patternData(1000)))
	wire.frames = nil

	receiver.HandleFrame(meta)
	frame, ok := wire.pop()
	require.True(t, ok)
	parsed, err := ParseFrame(frame.text, frame.data)
	require.NoError(t, err)
	require.Equal(t, ResumeRequest{FromChunk: 1}, parsed)
}

func TestOpenSenderAnnouncesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	data := patternData(ChunkSize + 10)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	sender, err := OpenSender(path, true, SenderOptions{Scheduler: &manualScheduler{}, Logger: testLogger()})
	require.NoError(t, err)
	defer sender.Close()

	meta := sender.Metadata()
	require.Equal(t, "report.json", meta.Name)
	require.EqualValues(t, len(data), meta.Size)
	require.Equal(t, 2, meta.TotalChunks)
	require.Equal(t, ChunkSize, meta.ChunkSize)
	require.Equal(t, "application/json", meta.MimeType)
	require.Equal(t, crypto.BytesDigest(data), meta.Checksum)

	_, err = OpenSender(dir, false, SenderOptions{Scheduler: &manualScheduler{}})
	require.Error(t, err)
}

func TestEstimatorConvergesToConstantRate(t *testing.T) {
	const rate = 1_000_000 // bytes per second
	const step = 100 * time.Millisecond
	total := int64(rate * 20)
	est := NewEstimator(total)
	now := time.Unix(0, 0)

	var speed float64
	var eta int
	sent := int64(0)
	for sent < total {
		n := int64(rate / 10)
		sent += n
		speed, eta = est.Add(n, now)
		now = now.Add(step)

		if sent == int64(rate*10) {
			require.InDelta(t, rate, speed, rate*0.05)
			require.Equal(t, 0, eta%30)
			require.InDelta(t, 10, eta, 30)
		}
	}
	require.InDelta(t, rate, speed, rate*0.05)
	require.Zero(t, eta)
}

func TestEstimatorZeroThroughputHasNoETA(t *testing.T) {
	est := NewEstimator(1000)
	now := time.Unix(0, 0)
	est.Add(0, now)
	speed, eta := est.Add(0, now.Add(time.Second))
	require.Zero(t, speed)
	require.Zero(t, eta)
}
