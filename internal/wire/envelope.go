// envelope.go - broker/extension wire envelopes.
// JSON text frames over the websocket. Three envelope kinds flow after the
// handshake: command (broker to extension), response and event (extension
// to broker). Control frames (hello, helloAck, ping, pong, portListRequest,
// portListResponse) share the same Type discriminator.
// Payload and response data stay opaque json.RawMessage; the broker
// validates only the frame.
package wire

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Envelope types on the wire.
const (
	TypeCommand          = "command"
	TypeResponse         = "response"
	TypeEvent            = "event"
	TypeHello            = "hello"
	TypeHelloAck         = "helloAck"
	TypePing             = "ping"
	TypePong             = "pong"
	TypePortListRequest  = "portListRequest"
	TypePortListResponse = "portListResponse"
)

// Envelope is the single frame shape. Fields are populated per Type;
// omitempty keeps each kind's JSON minimal and round-trip stable.
type Envelope struct {
	Type      string          `json:"type"`
	WireID    int64           `json:"wireId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TabID     int             `json:"tabId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`

	// Handshake and control fields.
	Wants      string `json:"wants,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	Port       int    `json:"port,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Ports      []int  `json:"ports,omitempty"`
}

// ResponseData is the decoded shape of a response envelope's data blob.
// Only tabId is meaningful to the broker; the rest is relayed opaque.
type ResponseData struct {
	TabID int `json:"tabId,omitempty"`
}

// TabIDOf extracts the authoritative tabId from a response envelope's data,
// falling back to the envelope-level field. Returns 0 when absent.
func (e *Envelope) TabIDOf() int {
	if len(e.Data) > 0 {
		var d ResponseData
		if json.Unmarshal(e.Data, &d) == nil && d.TabID != 0 {
			return d.TabID
		}
	}
	return e.TabID
}

// Encode serializes an envelope to a JSON frame.
func Encode(e *Envelope) ([]byte, error) {
	buf, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", e.Type, err)
	}
	return buf, nil
}

// Decode parses a JSON frame and validates the envelope shape.
func Decode(buf []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(buf, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// validate checks only the frame, never the payload.
func validate(e *Envelope) error {
	switch e.Type {
	case TypeCommand:
		if e.WireID == 0 || e.SessionID == "" || e.Name == "" {
			return fmt.Errorf("command envelope missing wireId, sessionId or name")
		}
	case TypeResponse:
		if e.WireID == 0 {
			return fmt.Errorf("response envelope missing wireId")
		}
	case TypeEvent:
		if e.SessionID == "" || e.Name == "" {
			return fmt.Errorf("event envelope missing sessionId or name")
		}
	case TypeHello, TypeHelloAck, TypePing, TypePong,
		TypePortListRequest, TypePortListResponse:
	case "":
		// Error responses may arrive as bare {wireId, error}.
		if e.WireID != 0 && e.Error != "" {
			e.Type = TypeResponse
			return nil
		}
		return fmt.Errorf("envelope missing type")
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return nil
}

// IDGenerator hands out monotonic wire ids. Process-local; uniqueness
// across broker restarts is not required by the protocol.
type IDGenerator struct {
	id atomic.Int64
}

// Next returns the next wire id. Never returns 0 so an unset WireID is
// always distinguishable.
func (g *IDGenerator) Next() int64 {
	return g.id.Add(1)
}

// NewCommand builds a command envelope with a fresh wire id.
func NewCommand(gen *IDGenerator, sessionID, name string, payload json.RawMessage, tabID int) *Envelope {
	return &Envelope{
		Type:      TypeCommand,
		WireID:    gen.Next(),
		SessionID: sessionID,
		Name:      name,
		Payload:   payload,
		TabID:     tabID,
	}
}
