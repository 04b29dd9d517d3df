package p2p

import (
	"auric/blockchain"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is sent in Hello
const ProtocolVersion = "auric/1"

// MessageType defines the type of P2P message
type MessageType string

const (
	MessageTypeHello           MessageType = "hello"
	MessageTypeGetBlocks       MessageType = "get_blocks"
	MessageTypeGetBlocksByHash MessageType = "get_blocks_by_hash"
	MessageTypeBlocks          MessageType = "blocks"
	MessageTypeBlock           MessageType = "block"
	MessageTypeTx              MessageType = "tx"
	MessageTypeInventory       MessageType = "inventory"
	MessageTypePing            MessageType = "ping"
	MessageTypePong            MessageType = "pong"
)

func (t MessageType) known() bool {
	switch t {
	case MessageTypeHello, MessageTypeGetBlocks, MessageTypeGetBlocksByHash,
		MessageTypeBlocks, MessageTypeBlock, MessageTypeTx,
		MessageTypeInventory, MessageTypePing, MessageTypePong:
		return true
	}
	return false
}

// Message represents a P2P message between nodes. RequestID is set on
// requests that expect an answer; the answer carries it back in ReplyTo.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func (m *Message) GetRequestID() string   { return m.RequestID }
func (m *Message) SetRequestID(id string) { m.RequestID = id }
func (m *Message) GetReplyTo() string     { return m.ReplyTo }
func (m *Message) SetReplyTo(id string)   { m.ReplyTo = id }

// HelloPayload is sent when nodes first connect
type HelloPayload struct {
	NodeID      string            `json:"node_id"`
	Version     string            `json:"version"`
	GenesisHash blockchain.Hash32 `json:"genesis_hash"`
	TipHeight   uint64            `json:"tip_height"`
	TipHash     blockchain.Hash32 `json:"tip_hash"`
}

// GetBlocksPayload requests active chain blocks From..To inclusive
type GetBlocksPayload struct {
	From uint64 `json:"from_height"`
	To   uint64 `json:"to_height"`
}

// GetBlocksByHashPayload requests specific blocks
type GetBlocksByHashPayload struct {
	Hashes []blockchain.Hash32 `json:"hashes"`
}

// BlocksPayload answers GetBlocks and GetBlocksByHash
type BlocksPayload struct {
	Blocks []*blockchain.Block `json:"blocks"`
}

// BlockPayload announces a newly accepted block
type BlockPayload struct {
	Block *blockchain.Block `json:"block"`
}

// TxPayload relays a transaction
type TxPayload struct {
	Transaction *blockchain.Transaction `json:"transaction"`
}

// InventoryPayload advertises the sender's tip and recent active hashes
type InventoryPayload struct {
	TipHeight   uint64              `json:"tip_height"`
	TipHash     blockchain.Hash32   `json:"tip_hash"`
	KnownHashes []blockchain.Hash32 `json:"known_hashes"`
}

// PingPayload for keepalive
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload response to ping
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// NewMessage creates a new P2P message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:    msgType,
		Payload: json.RawMessage(payloadBytes),
	}, nil
}

// NewReply creates a response to req
func NewReply(req *Message, msgType MessageType, payload interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.ReplyTo = req.RequestID
	return msg, nil
}

// ParsePayload unmarshals the message payload into the provided interface
func (m *Message) ParsePayload(payload interface{}) error {
	return json.Unmarshal(m.Payload, payload)
}

// DecodeMessage parses a frame read off the wire. Unknown types are
// rejected as malformed.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !msg.Type.known() {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, msg.Type)
	}
	return &msg, nil
}
