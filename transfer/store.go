package transfer

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
)

// artifact is the result of a successful finalize: either a path written by
// a sink or assembled bytes awaiting delivery.
type artifact struct {
	path string
	data []byte
}

type payloadStore interface {
	put(index int, data []byte)
	finalize(total int) (artifact, error)
	abort()
	streaming() bool
}

// memoryStore is an ordered mapping from chunk index to chunk bytes.
type memoryStore struct {
	chunks map[int][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{chunks: make(map[int][]byte)}
}

func (m *memoryStore) put(index int, data []byte) {
	m.chunks[index] = bytes.Clone(data)
}

func (m *memoryStore) finalize(total int) (artifact, error) {
	size := 0
	for i := 0; i < total; i++ {
		chunk, ok := m.chunks[i]
		if !ok {
			return artifact{}, fmt.Errorf("%w: chunk %d missing", ErrIncompleteTransfer, i)
		}
		size += len(chunk)
	}

	data := make([]byte, 0, size)
	for i := 0; i < total; i++ {
		data = append(data, m.chunks[i]...)
	}
	m.chunks = make(map[int][]byte)
	return artifact{data: data}, nil
}

func (m *memoryStore) abort() {
	m.chunks = make(map[int][]byte)
}

func (m *memoryStore) streaming() bool { return false }

// sinkStore streams chunks to a Sink and falls back to memory when a write
// fails. A ReplayableSink seeds the fallback with the bytes it already holds;
// any other sink's partial output is abandoned and finalize reports the gap.
type sinkStore struct {
	sink      Sink
	chunkSize int
	fallback  *memoryStore
	logger    *logrus.Entry
}

func newSinkStore(sink Sink, chunkSize int, logger *logrus.Entry) *sinkStore {
	return &sinkStore{sink: sink, chunkSize: chunkSize, logger: logger}
}

func (s *sinkStore) put(index int, data []byte) {
	if s.fallback != nil {
		s.fallback.put(index, data)
		return
	}

	_, err := s.sink.Write(data)
	if err == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"chunk": index,
		"error": fmt.Errorf("%w: %w", ErrSinkWriteFailed, err),
	}).Warn("Falling back to in-memory accumulation")

	s.fallback = newMemoryStore()
	s.replay(index)
	if err := s.sink.Abort(); err != nil {
		s.logger.WithError(err).Debug("Abort sink after fallback")
	}
	s.fallback.put(index, data)
}

// replay seeds the fallback with chunks 0..upTo-1 read back from the sink.
func (s *sinkStore) replay(upTo int) {
	replayable, ok := s.sink.(ReplayableSink)
	if !ok {
		s.logger.WithField("chunks", upTo).Warn("Sink cannot replay written chunks; partial output abandoned")
		return
	}

	written, err := replayable.ReadBack()
	if err != nil {
		s.logger.WithError(err).Warn("Read back sink failed; partial output abandoned")
		return
	}

	for i := 0; i < upTo; i++ {
		start := i * s.chunkSize
		if start >= len(written) {
			break
		}
		end := min(start+s.chunkSize, len(written))
		// A short chunk before upTo means the sink lost bytes.
		if end-start != s.chunkSize {
			break
		}
		s.fallback.put(i, written[start:end])
	}
}

func (s *sinkStore) finalize(total int) (artifact, error) {
	if s.fallback != nil {
		return s.fallback.finalize(total)
	}

	if err := s.sink.Close(); err != nil {
		return artifact{}, fmt.Errorf("%w: close sink: %w", ErrIncompleteTransfer, err)
	}
	result := artifact{}
	if pathed, ok := s.sink.(interface{ Path() string }); ok {
		result.path = pathed.Path()
	}
	return result, nil
}

func (s *sinkStore) abort() {
	if s.fallback != nil {
		s.fallback.abort()
		return
	}
	if err := s.sink.Abort(); err != nil {
		s.logger.WithError(err).Debug("Abort sink")
	}
}

func (s *sinkStore) streaming() bool { return s.fallback == nil }
