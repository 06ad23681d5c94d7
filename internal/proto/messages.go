package proto

import (
	"encoding/json"
	"fmt"
)

// Type tags a protocol message exchanged with the browser client.
type Type string

const (
	// server -> client
	TypeConfig            Type = "config"
	TypeShellConnected    Type = "shellConnected"
	TypeShellData         Type = "shellData"
	TypeShellDisconnected Type = "shellDisconnected"
	TypeShellTimeout      Type = "shellConnectTimeout"
	TypeError             Type = "error"

	// client -> server
	TypeChar Type = "char"
)

// Message is a single protocol message. Only the fields relevant to Type are set.
// shellData travels as a binary frame carrying Data; every other type is a JSON text frame.
type Message struct {
	Type    Type   `json:"type"`
	Address string `json:"address,omitempty"`
	Port    int    `json:"port,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    []byte `json:"-"`
}

// Config tells the client where the raw peer should connect.
func Config(address string, port int) Message {
	return Message{Type: TypeConfig, Address: address, Port: port}
}

func ShellConnected() Message         { return Message{Type: TypeShellConnected} }
func ShellDisconnected() Message      { return Message{Type: TypeShellDisconnected} }
func ShellConnectTimeout() Message    { return Message{Type: TypeShellTimeout} }
func ErrorMessage(msg string) Message { return Message{Type: TypeError, Error: msg} }

// ShellData wraps bytes read from the raw peer. b is retained.
func ShellData(b []byte) Message { return Message{Type: TypeShellData, Data: b} }

// Binary reports whether m must be sent as a binary frame.
func (m Message) Binary() bool { return m.Type == TypeShellData }

// Encode returns the wire payload for m.
func (m Message) Encode() ([]byte, error) {
	if m.Binary() {
		return m.Data, nil
	}
	return json.Marshal(m)
}

// Input is the JSON text form of client keyboard input.
type Input struct {
	Type Type   `json:"type"`
	Data string `json:"data"`
}

// DecodeInput parses a client text frame. It returns the bytes to write to the raw peer,
// or an error if the frame is not a char message.
func DecodeInput(b []byte) ([]byte, error) {
	var in Input
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if in.Type != TypeChar {
		return nil, fmt.Errorf("unexpected message type %q", in.Type)
	}
	return []byte(in.Data), nil
}
