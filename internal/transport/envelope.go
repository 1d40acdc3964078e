package transport

import (
	"encoding/json"
	"fmt"
)

// Envelope types
const (
	TypeReady       = "ready"
	TypeErrorSignal = "error_signal"
	TypeVelocity    = "velocity"
	TypeTakeoff     = "takeoff"
	TypeLand        = "land"
	TypeFlatTrim    = "flat_trim"
	TypeNavdata     = "navdata"
)

// Envelope is the frame exchanged with websocket clients
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes data into an envelope of the given type. Empty payloads are omitted.
func NewEnvelope(typ string, data any) (Envelope, error) {
	env := Envelope{Type: typ}
	if data == nil {
		return env, nil
	}

	p, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s: %w", typ, err)
	}
	if string(p) != "{}" {
		env.Data = p
	}
	return env, nil
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", e.Type, err)
	}
	return nil
}
