// Package messaging defines the engine's message contracts and the channel
// abstraction that carries them.
//
// Every message travels in an Envelope. The envelope names the payload kind
// and schema version and carries a correlation id (the request id for saga
// traffic, the command id for request/reply traffic). Deprecated kind names
// are mapped to their canonical kind on decode.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/pkg/id"
)

// Envelope is the wire format shared by every channel implementation.
type Envelope struct {
	Kind          Kind            `json:"kind"`
	Version       int             `json:"version"`
	MessageID     string          `json:"messageId"`
	CorrelationID string          `json:"correlationId"`
	SentAt        time.Time       `json:"sentAt"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload.
func NewEnvelope(kind Kind, correlationID string, payload any) (Envelope, error) {
	if _, ok := Canonical(kind); !ok {
		return Envelope{}, fmt.Errorf("%w: unknown message kind %q", domain.ErrInvalidArgument, kind)
	}
	if correlationID == "" {
		return Envelope{}, fmt.Errorf("%w: %s without correlation id", domain.ErrInvalidArgument, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return Envelope{
		Kind:          kind,
		Version:       SchemaVersion,
		MessageID:     id.Generate(),
		CorrelationID: correlationID,
		SentAt:        time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Marshal encodes an envelope for the wire.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal decodes an envelope and resolves deprecated kinds.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decoding envelope: %v", domain.ErrInvalidArgument, err)
	}
	kind, ok := Canonical(env.Kind)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: unknown message kind %q", domain.ErrInvalidArgument, env.Kind)
	}
	env.Kind = kind
	if env.Version == 0 {
		env.Version = SchemaVersion
	}
	if env.Version > SchemaVersion {
		return Envelope{}, fmt.Errorf("%w: %s version %d is newer than %d",
			domain.ErrInvalidArgument, kind, env.Version, SchemaVersion)
	}
	return env, nil
}

// Decode unpacks the payload of an envelope of the expected kind.
func Decode[T any](env Envelope, want Kind) (T, error) {
	var out T
	kind, _ := Canonical(env.Kind)
	if kind != want {
		return out, fmt.Errorf("%w: expected %s, got %s", domain.ErrInvalidArgument, want, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: decoding %s: %v", domain.ErrInvalidArgument, want, err)
	}
	return out, nil
}
