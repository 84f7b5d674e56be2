// Package ipc owns the child process's streams: it spawns the process,
// splits stdout into newline-delimited JSON messages, and writes outbound
// JSON lines to stdin.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/perch-dev/perch/internal/domain"
)

// MaxLineSize caps a single NDJSON line (1 MiB).
const MaxLineSize = 1024 * 1024

// DecodeEnvelope decodes one wire line into an envelope, choosing the
// payload shape directly from the type discriminant. A well-formed envelope
// of an unknown type decodes with a nil payload so the router can synthesize
// a failure response; a malformed line errors and is dropped by the caller.
func DecodeEnvelope(data []byte) (*domain.Envelope, error) {
	var raw struct {
		Type    domain.MessageType `json:"type"`
		ID      string             `json:"id"`
		Sender  domain.Sender      `json:"sender"`
		Payload json.RawMessage    `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("decode envelope: missing id")
	}

	env := &domain.Envelope{Type: raw.Type, ID: raw.ID, Sender: raw.Sender}

	var payload any
	switch raw.Type {
	case domain.MessageTaskspaceState:
		payload = &domain.TaskspaceStateRequest{}
	case domain.MessageSpawnTaskspace:
		payload = &domain.SpawnTaskspaceRequest{}
	case domain.MessageUpdateTaskspace:
		payload = &domain.UpdateTaskspaceRequest{}
	case domain.MessageDeleteTaskspace:
		payload = &domain.DeleteTaskspaceRequest{}
	case domain.MessageLogProgress:
		payload = &domain.LogProgressRequest{}
	case domain.MessageSignalUser:
		payload = &domain.SignalUserRequest{}
	case domain.MessageRegisterWindow:
		payload = &domain.RegisterWindowRequest{}
	default:
		// Unknown type: keep the envelope so the caller gets a proper
		// failure response instead of silence.
		return env, nil
	}

	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
	}
	env.Payload = payload
	return env, nil
}

// EncodeLine marshals a message for the wire. The caller appends the
// trailing newline.
func EncodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(data) > MaxLineSize {
		return nil, fmt.Errorf("message size %d exceeds limit %d", len(data), MaxLineSize)
	}
	return data, nil
}
