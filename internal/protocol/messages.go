package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType represents the type of a gateway message
type MessageType string

const (
	// Sensor to gateway
	MsgTypeIdentify  MessageType = "identify"
	MsgTypeReading   MessageType = "reading"
	MsgTypeKeepalive MessageType = "keepalive"

	// Gateway to sensor
	MsgTypeAck MessageType = "ack"
)

type BaseMessage struct {
	Type MessageType `json:"type"`
}

// IdentifyMessage is the first line a sensor sends after connecting.
type IdentifyMessage struct {
	Type     MessageType `json:"type"`
	SensorID int64       `json:"sensor_id"`
}

// ReadingMessage carries one structured reading. The sensor id comes from the
// identify handshake, so Data.SensorID is ignored.
type ReadingMessage struct {
	Type MessageType    `json:"type"`
	Data ReadingPayload `json:"data"`
}

type KeepaliveMessage struct {
	Type MessageType `json:"type"`
}

type AckMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
}

const (
	AckStatusIdentified = "identified"
	AckStatusAccepted   = "accepted"
	AckStatusAlive      = "alive"
	AckStatusError      = "error"
)

// ParseMessage parses a JSON line into the appropriate message type
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeIdentify:
		var msg IdentifyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid identify message: %w", err)
		}
		if msg.SensorID <= 0 {
			return nil, fmt.Errorf("sensor_id is required")
		}
		return &msg, nil

	case MsgTypeReading:
		var msg ReadingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid reading message: %w", err)
		}
		if !msg.Data.ATotal.IsSet() {
			return nil, fmt.Errorf("a_total is required")
		}
		return &msg, nil

	case MsgTypeKeepalive:
		return &KeepaliveMessage{Type: MsgTypeKeepalive}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

// EncodeMessage encodes a message to JSON
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

func NewAckMessage(status string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: status,
	}
}

func NewErrorAck(reason string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: AckStatusError,
		Error:  reason,
	}
}
