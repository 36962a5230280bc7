package ydoc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MessageType is the first varuint of every binary frame on a sync
// connection, matching the y-protocols convention.
type MessageType uint64

const (
	MessageSync      MessageType = 0
	MessageAwareness MessageType = 1
)

// SyncMessageType is the second varuint of a sync (type 0) frame.
type SyncMessageType uint64

const (
	SyncStep1 SyncMessageType = iota
	SyncStep2
	SyncUpdate
)

// EncodeSyncStep1 frames an outgoing state-vector request.
func EncodeSyncStep1(sv []byte) []byte {
	return frame(MessageSync, uint64(SyncStep1), sv)
}

// EncodeSyncStep2 frames an outgoing update reply to a step-1 request.
func EncodeSyncStep2(update []byte) []byte {
	return frame(MessageSync, uint64(SyncStep2), update)
}

// EncodeSyncUpdate frames an outgoing incremental update.
func EncodeSyncUpdate(update []byte) []byte {
	return frame(MessageSync, uint64(SyncUpdate), update)
}

// EncodeAwareness frames an outgoing awareness payload.
func EncodeAwareness(payload []byte) []byte {
	return frame(MessageAwareness, 0, payload)
}

func frame(msgType MessageType, sub uint64, payload []byte) []byte {
	var buf bytes.Buffer
	writeVarint(&buf, uint64(msgType))
	if msgType == MessageSync {
		writeVarint(&buf, sub)
	}
	writeVarint(&buf, uint64(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// DecodedMessage is one parsed incoming frame.
type DecodedMessage struct {
	Type    MessageType
	Sub     SyncMessageType // valid only when Type == MessageSync
	Payload []byte
}

// Decode parses one binary frame received over a sync WebSocket connection.
func Decode(data []byte) (*DecodedMessage, error) {
	r := bytes.NewReader(data)
	typ, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("ydoc: read message type: %w", err)
	}

	msg := &DecodedMessage{Type: MessageType(typ)}
	if msg.Type == MessageSync {
		sub, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("ydoc: read sync sub-type: %w", err)
		}
		msg.Sub = SyncMessageType(sub)
	}

	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("ydoc: read payload length: %w", err)
	}
	payload := make([]byte, length)
	if _, err := r.Read(payload); err != nil && length > 0 {
		return nil, fmt.Errorf("ydoc: read payload: %w", err)
	}
	msg.Payload = payload
	return msg, nil
}
