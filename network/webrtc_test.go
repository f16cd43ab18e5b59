package network

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const linkTimeout = 15 * time.Second

func TestFragmentRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, fragmentPayloadSize - 1, fragmentPayloadSize, fragmentPayloadSize + 1, 262144, 262144 + 77} {
		data := make([]byte, size)
		_, err := rand.Read(data)
		require.NoError(t, err)

		msgs := fragment(data, fragmentPayloadSize)
		var r reassembler
		var frame []byte
		for i, msg := range msgs {
			require.LessOrEqual(t, len(msg), 65535)
			got, done, err := r.push(msg)
			require.NoError(t, err)
			require.Equal(t, i == len(msgs)-1, done, "size %d fragment %d", size, i)
			if done {
				frame = got
			}
		}
		require.True(t, bytes.Equal(data, frame), "size %d", size)
	}
}

func TestReassemblerRejectsBadInput(t *testing.T) {
	var r reassembler

	_, _, err := r.push(nil)
	require.ErrorIs(t, err, errEmptyFragment)

	_, _, err = r.push([]byte{7, 1})
	require.ErrorIs(t, err, errFragmentHeader)

	over := make([]byte, 1+fragmentPayloadSize)
	for i := 0; i < maxFrameSize/fragmentPayloadSize; i++ {
		_, _, err = r.push(over)
		require.NoError(t, err)
	}
	_, _, err = r.push(over)
	require.ErrorIs(t, err, errFrameTooLarge)

	// A rejected frame does not leak into the next one.
	frame, done, err := r.push([]byte{fragmentLast, 9})
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []byte{9}, frame)
}

func TestWebRTCLinkFactoryDefaultsThreshold(t *testing.T) {
	link, err := WebRTCLinkFactory(WebRTCOptions{Logger: quietLogger()})(LinkCallbacks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })
	require.Equal(t, uint64(DefaultBufferedLowThreshold), link.(*webrtcLink).threshold)
}

type received struct {
	text bool
	data []byte
}

// linkEnd collects one real link's callbacks.
type linkEnd struct {
	candidates chan json.RawMessage
	channels   chan Channel
	frames     chan received
}

func newLinkEnd() *linkEnd {
	return &linkEnd{
		candidates: make(chan json.RawMessage, 64),
		channels:   make(chan Channel, 1),
		frames:     make(chan received, 16),
	}
}

func (e *linkEnd) callbacks() LinkCallbacks {
	return LinkCallbacks{
		OnCandidate: func(candidate json.RawMessage) {
			select {
			case e.candidates <- candidate:
			default:
			}
		},
		OnChannel: func(channel Channel) {
			select {
			case e.channels <- channel:
			default:
			}
		},
		OnFrame: func(isText bool, data []byte) {
			e.frames <- received{text: isText, data: data}
		},
	}
}

// forward feeds gathered candidates to peer until stop closes.
func (e *linkEnd) forward(peer Link, stop <-chan struct{}) {
	for {
		select {
		case candidate := <-e.candidates:
			_ = peer.AddCandidate(candidate)
		case <-stop:
			return
		}
	}
}

func (e *linkEnd) channel(t *testing.T) Channel {
	t.Helper()
	select {
	case channel := <-e.channels:
		return channel
	case <-time.After(linkTimeout):
		t.Fatal("data channel did not open")
		return nil
	}
}

func (e *linkEnd) frame(t *testing.T) received {
	t.Helper()
	select {
	case frame := <-e.frames:
		return frame
	case <-time.After(linkTimeout):
		t.Fatal("no frame delivered")
		return received{}
	}
}

func TestWebRTCLinksCarryFullChunks(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	factory := WebRTCLinkFactory(WebRTCOptions{Logger: quietLogger()})
	offerEnd, answerEnd := newLinkEnd(), newLinkEnd()
	offerer, err := factory(offerEnd.callbacks())
	require.NoError(t, err)
	t.Cleanup(func() { _ = offerer.Close() })
	answerer, err := factory(answerEnd.callbacks())
	require.NoError(t, err)
	t.Cleanup(func() { _ = answerer.Close() })

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	answer, err := answerer.AcceptOffer(offer)
	require.NoError(t, err)
	require.NoError(t, offerer.AcceptAnswer(answer))

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go offerEnd.forward(answerer, stop)
	go answerEnd.forward(offerer, stop)

	sender := offerEnd.channel(t)
	answerEnd.channel(t)

	chunk := make([]byte, 262144)
	_, err = rand.Read(chunk)
	require.NoError(t, err)
	tail := []byte{1, 2, 3}

	require.NoError(t, sender.SendText([]byte(`{"type":"metadata"}`)))
	require.NoError(t, sender.SendBinary(chunk))
	require.NoError(t, sender.SendBinary(tail))

	first := answerEnd.frame(t)
	require.True(t, first.text)
	require.Equal(t, `{"type":"metadata"}`, string(first.data))

	second := answerEnd.frame(t)
	require.False(t, second.text)
	require.True(t, bytes.Equal(chunk, second.data))

	third := answerEnd.frame(t)
	require.Equal(t, tail, third.data)
}
