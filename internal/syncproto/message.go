package syncproto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/crdt"
)

// ErrMalformedMessage indicates a frame that does not decode into a valid message.
var ErrMalformedMessage = errors.New("syncproto: malformed message")

// Type names a frame.
type Type string

const (
	// TypeSyncStep1 carries the sender's state vector (client to server).
	TypeSyncStep1 Type = "sync-step-1"
	// TypeSyncStep2 carries the update the peer is missing plus the sender's vector.
	TypeSyncStep2 Type = "sync-step-2"
	// TypeUpdate carries an incremental update, in either direction.
	TypeUpdate Type = "update"
	// TypeAwareness carries ephemeral presence. It is relayed, never stored.
	TypeAwareness Type = "awareness"
	// TypeCommand carries a typed mutation request for the gateway.
	TypeCommand Type = "command"
	// TypeAck confirms that the frame with the same seq is durable.
	TypeAck Type = "ack"
	// TypeError reports that the frame with the same seq was not applied.
	TypeError Type = "error"
	// TypeAccessDenied precedes the server closing the connection.
	TypeAccessDenied Type = "access-denied"
)

// Message is one protocol frame. Only the fields relevant to Type are set.
type Message struct {
	Type        Type             `json:"type"`
	Seq         uint64           `json:"seq,omitempty"`
	StateVector crdt.StateVector `json:"stateVector,omitempty"`
	Update      []byte           `json:"update,omitempty"`
	Origin      string           `json:"origin,omitempty"`
	Awareness   json.RawMessage  `json:"awareness,omitempty"`
	Command     *Command         `json:"command,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       *ErrorBody       `json:"error,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// ErrorBody describes a rejected frame.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Decode parses and validates one inbound frame.
func Decode(raw []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := message.validate(); err != nil {
		return Message{}, err
	}
	return message, nil
}

// Encode serializes one frame.
func Encode(message Message) ([]byte, error) {
	if err := message.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(message)
}

func (m Message) validate() error {
	switch m.Type {
	case TypeSyncStep1:
		for client := range m.StateVector {
			if client == 0 {
				return fmt.Errorf("%w: zero client in state vector", ErrMalformedMessage)
			}
		}
	case TypeSyncStep2, TypeUpdate:
		if len(m.Update) == 0 {
			return fmt.Errorf("%w: %s without update", ErrMalformedMessage, m.Type)
		}
	case TypeAwareness:
		if len(m.Awareness) == 0 || !json.Valid(m.Awareness) {
			return fmt.Errorf("%w: awareness state must be json", ErrMalformedMessage)
		}
	case TypeCommand:
		if m.Command == nil || m.Command.Name == "" {
			return fmt.Errorf("%w: command without name", ErrMalformedMessage)
		}
		if m.Seq == 0 {
			return fmt.Errorf("%w: command without seq", ErrMalformedMessage)
		}
	case TypeAck:
		if m.Seq == 0 {
			return fmt.Errorf("%w: ack without seq", ErrMalformedMessage)
		}
	case TypeError:
		if m.Error == nil || m.Error.Code == "" {
			return fmt.Errorf("%w: error without code", ErrMalformedMessage)
		}
	case TypeAccessDenied:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
	return nil
}

// SyncStep1 opens a sync exchange with the sender's state vector.
func SyncStep1(stateVector crdt.StateVector) Message {
	return Message{Type: TypeSyncStep1, StateVector: stateVector}
}

// SyncStep2 answers a sync-step-1 with the missing update and the sender's vector.
func SyncStep2(update []byte, stateVector crdt.StateVector) Message {
	return Message{Type: TypeSyncStep2, Update: update, StateVector: stateVector}
}

// Update wraps an incremental update. Outbound relays carry seq 0.
func Update(seq uint64, update []byte) Message {
	return Message{Type: TypeUpdate, Seq: seq, Update: update}
}

// Awareness relays a presence state from origin.
func Awareness(origin string, state json.RawMessage) Message {
	return Message{Type: TypeAwareness, Origin: origin, Awareness: state}
}

// Ack confirms seq, optionally carrying a command result.
func Ack(seq uint64, result json.RawMessage) Message {
	return Message{Type: TypeAck, Seq: seq, Result: result}
}

// Error rejects seq.
func Error(seq uint64, code, message string, retryable bool) Message {
	return Message{Type: TypeError, Seq: seq, Error: &ErrorBody{Code: code, Message: message, Retryable: retryable}}
}

// AccessDenied tells the client to leave the room.
func AccessDenied(reason string) Message {
	return Message{Type: TypeAccessDenied, Reason: reason}
}
