package room

import (
	"fmt"

	"collabtext/internal/codec"
	"collabtext/internal/crdt"
)

// MessageType tags a frame on the room channel.
type MessageType uint8

const (
	// MsgSyncStep1 carries the sender's state vector and asks for what it
	// is missing.
	MsgSyncStep1 MessageType = iota
	// MsgSyncStep2 answers a step 1 (or greets a new client) with an update.
	MsgSyncStep2
	// MsgUpdate carries an incremental update.
	MsgUpdate
	// MsgAwareness carries ephemeral presence state. An empty payload means
	// the client left.
	MsgAwareness
	// MsgNotice is a server notification such as a failed save.
	MsgNotice
)

// Notice kinds.
const (
	NoticeSaveFailed = "save-failed"
	NoticeClosing    = "closing"
	NoticeBadMessage = "bad-message"
)

// WebSocket close codes sent when the server ends a session.
const (
	CloseRoomClosed     = 4001
	CloseSessionExpired = 4002
	CloseForkDeleted    = 4003
)

// Notice is the body of a MsgNotice frame.
type Notice struct {
	Kind   string `cbor:"1,keyasint"`
	Code   int    `cbor:"2,keyasint,omitempty"`
	Reason string `cbor:"3,keyasint,omitempty"`
}

// Message is the envelope of every frame exchanged with clients.
type Message struct {
	Type        MessageType      `cbor:"1,keyasint"`
	StateVector crdt.StateVector `cbor:"2,keyasint,omitempty"`
	Update      []byte           `cbor:"3,keyasint,omitempty"`
	Client      string           `cbor:"4,keyasint,omitempty"`
	Awareness   []byte           `cbor:"5,keyasint,omitempty"`
	Notice      *Notice          `cbor:"6,keyasint,omitempty"`
}

// EncodeMessage serializes m.
func EncodeMessage(m Message) ([]byte, error) {
	return codec.Marshal(m)
}

// DecodeMessage parses a frame.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := codec.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("room: decode message: %w", err)
	}
	if m.Type > MsgNotice {
		return Message{}, fmt.Errorf("room: unknown message type %d", m.Type)
	}
	return m, nil
}

func mustEncode(m Message) []byte {
	b, err := EncodeMessage(m)
	if err != nil {
		// Message only holds plain fields; encoding cannot fail.
		panic(err)
	}
	return b
}
