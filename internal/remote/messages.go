// Package remote maintains the persistent connection to the hosted
// synthesis service: batched synthesis requests, block status and audio-URL
// streams, cursor eviction hints, and the audio byte fetch.
package remote

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// MessageType enumerates all channel message types.
type MessageType string

const (
	// Client -> service
	MsgSynthesize MessageType = "synthesize"
	MsgMoveCursor MessageType = "move_cursor"
	MsgReset      MessageType = "reset"

	// Service -> client
	MsgBlockStatus MessageType = "block_status"
	MsgAudioReady  MessageType = "audio_ready"
)

// BlockStatus is the service-reported synthesis state of one block index.
type BlockStatus string

const (
	StatusPending    BlockStatus = "pending"
	StatusQueued     BlockStatus = "queued"
	StatusProcessing BlockStatus = "processing"
	StatusCached     BlockStatus = "cached"
	StatusSkipped    BlockStatus = "skipped"
	StatusError      BlockStatus = "error"
)

// InFlight reports whether the service already owns work for this status, so
// the client must not re-request the block.
func (s BlockStatus) InFlight() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCached, StatusSkipped:
		return true
	}
	return false
}

// Envelope is the outer JSON wrapper for all channel messages.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SynthesizeRequest is the batched fire-and-forget synthesis request.
type SynthesizeRequest struct {
	DocumentID   string `json:"document_id"`
	BlockIndices []int  `json:"block_indices"`
	Cursor       int    `json:"cursor"`
	Model        string `json:"model"`
	Voice        string `json:"voice"`
}

// MoveCursorRequest informs the service the client's play position jumped so
// it can deprioritize or evict work outside the client's window.
type MoveCursorRequest struct {
	DocumentID string `json:"document_id"`
	Cursor     int    `json:"cursor"`
}

// ResetRequest clears all per-document state held by the service.
type ResetRequest struct {
	DocumentID string `json:"document_id"`
}

// BlockStatusUpdate carries block-state transitions keyed by block index.
type BlockStatusUpdate struct {
	DocumentID string              `json:"document_id"`
	States     map[int]BlockStatus `json:"states"`
}

// AudioReadyUpdate maps a block index to the URL its audio is fetchable at.
type AudioReadyUpdate struct {
	DocumentID string `json:"document_id"`
	BlockIdx   int    `json:"block_idx"`
	URL        string `json:"url"`
}

// MarshalMessage encodes a typed payload into an enveloped wire message.
func MarshalMessage(msgType MessageType, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("remote: marshal payload for %q: %w", msgType, err)
		}
		raw = b
	}
	return sonic.Marshal(Envelope{Type: msgType, Payload: raw})
}

// UnmarshalMessage parses an enveloped wire message, returning the type and
// raw payload.
func UnmarshalMessage(data []byte) (MessageType, json.RawMessage, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("remote: unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("remote: envelope missing type field")
	}
	return env.Type, env.Payload, nil
}
