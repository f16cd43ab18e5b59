package network

import (
	"encoding/json"
	"time"
)

// TransportState is the connectivity state reported by a Link.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Channel is an ordered, reliable message channel over an established link.
type Channel interface {
	SendText(data []byte) error
	SendBinary(data []byte) error
	BufferedAmount() uint64
	Close() error
}

// LinkCallbacks receive link events. They may be invoked from any goroutine.
type LinkCallbacks struct {
	OnCandidate    func(candidate json.RawMessage)
	OnStateChange  func(state TransportState)
	OnChannel      func(channel Channel)
	OnFrame        func(isText bool, data []byte)
	OnBufferedLow  func()
	OnChannelClose func()
}

// LinkStats is a snapshot of transport quality.
type LinkStats struct {
	RTT           time.Duration
	BytesSent     uint64
	BytesReceived uint64
}

// Link is one negotiation context: a peer connection plus at most one data
// channel. Session descriptions and candidates are opaque JSON.
type Link interface {
	CreateOffer() (json.RawMessage, error)
	AcceptOffer(offer json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	Stats() (LinkStats, bool)
	Close() error
}

// LinkFactory builds a fresh Link bound to callbacks.
type LinkFactory func(callbacks LinkCallbacks) (Link, error)
