// Package protocol defines the relay-level signaling wire format shared by
// the relay server and participants.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"p2pdrop/models"
)

const (
	TypeReady            = "ready"
	TypePeerConnected    = "peer-connected"
	TypePeerDisconnected = "peer-disconnected"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeICECandidate     = "ice-candidate"
)

const (
	// CloseNormal is the websocket close code for an orderly shutdown.
	CloseNormal = 1000
	// ClosePolicyViolation rejects control connections with a missing or unknown room.
	ClosePolicyViolation = 1008
)

var (
	// ErrSessionNotFound indicates an unknown or expired room id.
	ErrSessionNotFound = errors.New("protocol: session not found")
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
)

// Envelope identifies the message type.
type Envelope struct {
	Type string `json:"type"`
}

// SignalMessage is the tagged union exchanged over a control connection.
//
// Offer, Answer and Candidate are opaque to the relay and forwarded verbatim.
type SignalMessage struct {
	Type          string          `json:"type"`
	Role          models.Role     `json:"role,omitempty"`
	PeerConnected bool            `json:"peerConnected,omitempty"`
	Offer         json.RawMessage `json:"offer,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	Candidate     json.RawMessage `json:"candidate,omitempty"`
}

// IsSignalType reports whether msgType is one of the relay-level tags.
func IsSignalType(msgType string) bool {
	switch msgType {
	case TypeReady, TypePeerConnected, TypePeerDisconnected, TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	default:
		return false
	}
}

// Ready builds the message sent to a freshly bound connection.
func Ready(role models.Role, peerConnected bool) SignalMessage {
	return SignalMessage{Type: TypeReady, Role: role, PeerConnected: peerConnected}
}

// PeerConnected builds the presence notification for a newly bound role.
func PeerConnected(role models.Role) SignalMessage {
	return SignalMessage{Type: TypePeerConnected, Role: role}
}

// PeerDisconnected builds the presence notification for an unbound role.
func PeerDisconnected(role models.Role) SignalMessage {
	return SignalMessage{Type: TypePeerDisconnected, Role: role}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// DecodeSignal parses a full signaling message.
func DecodeSignal(payload []byte) (SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return SignalMessage{}, fmt.Errorf("decode signal message: %w", err)
	}
	if msg.Type == "" {
		return SignalMessage{}, ErrInvalidMessageType
	}
	return msg, nil
}
