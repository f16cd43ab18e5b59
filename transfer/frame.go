package transfer

import (
	"encoding/json"
	"fmt"
)

const (
	TypeMetadata      = "metadata"
	TypeReady         = "ready"
	TypeChunkAck      = "chunk-ack"
	TypeComplete      = "complete"
	TypeResumeRequest = "resume-request"
)

// Frame is one application message on the established channel. Control
// frames travel as JSON text, chunks as raw binary.
type Frame interface {
	isFrame()
}

// Metadata announces the file before any chunk is sent.
type Metadata struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType,omitempty"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int    `json:"chunkSize"`
	Checksum    string `json:"checksum,omitempty"`
}

// Ready tells the sender the receiver is prepared for chunk 0.
type Ready struct{}

// Complete marks the last chunk as sent.
type Complete struct{}

// ResumeRequest asks the sender to continue from FromChunk.
type ResumeRequest struct {
	FromChunk int `json:"fromChunk"`
}

// ChunkAck is accepted on the wire for compatibility and otherwise ignored.
type ChunkAck struct {
	ChunkIndex int `json:"chunkIndex"`
}

// Chunk carries file bytes. Its index is implied by arrival order.
type Chunk []byte

func (Metadata) isFrame()      {}
func (Ready) isFrame()         {}
func (Complete) isFrame()      {}
func (ResumeRequest) isFrame() {}
func (ChunkAck) isFrame()      {}
func (Chunk) isFrame()         {}

type controlFrame struct {
	Type string `json:"type"`
	Metadata
	FromChunk  *int `json:"fromChunk,omitempty"`
	ChunkIndex *int `json:"chunkIndex,omitempty"`
}

// ParseFrame decodes a channel message. Binary payloads are always chunks.
func ParseFrame(isText bool, data []byte) (Frame, error) {
	if !isText {
		return Chunk(data), nil
	}

	var msg controlFrame
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode control frame: %w", err)
	}

	switch msg.Type {
	case TypeMetadata:
		return msg.Metadata, nil
	case TypeReady:
		return Ready{}, nil
	case TypeComplete:
		return Complete{}, nil
	case TypeResumeRequest:
		if msg.FromChunk == nil {
			return nil, fmt.Errorf("decode resume request: %w", ErrInvalidResume)
		}
		return ResumeRequest{FromChunk: *msg.FromChunk}, nil
	case TypeChunkAck:
		ack := ChunkAck{}
		if msg.ChunkIndex != nil {
			ack.ChunkIndex = *msg.ChunkIndex
		}
		return ack, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, msg.Type)
	}
}

// EncodeFrame returns the payload for frame and whether it is a text message.
func EncodeFrame(frame Frame) (bool, []byte, error) {
	var msg any
	switch f := frame.(type) {
	case Chunk:
		return false, f, nil
	case Metadata:
		msg = struct {
			Type string `json:"type"`
			Metadata
		}{TypeMetadata, f}
	case Ready:
		msg = struct {
			Type string `json:"type"`
		}{TypeReady}
	case Complete:
		msg = struct {
			Type string `json:"type"`
		}{TypeComplete}
	case ResumeRequest:
		msg = struct {
			Type      string `json:"type"`
			FromChunk int    `json:"fromChunk"`
		}{TypeResumeRequest, f.FromChunk}
	case ChunkAck:
		msg = struct {
			Type       string `json:"type"`
			ChunkIndex int    `json:"chunkIndex"`
		}{TypeChunkAck, f.ChunkIndex}
	default:
		return false, nil, fmt.Errorf("%w: %T", ErrUnknownFrame, frame)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return false, nil, fmt.Errorf("marshal control frame: %w", err)
	}
	return true, payload, nil
}

func sendFrame(wire Wire, frame Frame) error {
	text, payload, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	if text {
		return wire.SendText(payload)
	}
	return wire.SendBinary(payload)
}

// Validate checks that m describes a transfer this engine can receive.
func (m Metadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidMetadata)
	}
	if m.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidMetadata, m.Size)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d", ErrInvalidMetadata, m.ChunkSize)
	}
	return nil
}
