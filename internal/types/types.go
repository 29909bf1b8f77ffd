package types

import (
	"encoding/json"
	"fmt"
)

type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
)

// Frame is the single envelope exchanged over a connection in both
// directions. Requests carry an ID that the matching response echoes.
type Frame struct {
	Type   FrameType         `json:"type"`
	ID     string            `json:"id,omitempty"`
	Path   string            `json:"path,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

const (
	PathPing       = "/ping"
	PathShellError = "/shell/error"
	EventReady     = "ready"
)

// StatePath is both the fetch endpoint and the proposal event for an entity.
func StatePath(identifier string) string {
	return fmt.Sprintf("/backends/%s/state", identifier)
}

// FieldPath is the broadcast event carrying authoritative updates for one field.
func FieldPath(identifier, key string) string {
	return fmt.Sprintf("/backends/%s/state/%s", identifier, key)
}

func OperationPath(identifier, op string) string {
	return fmt.Sprintf("/backends/%s/%s", identifier, op)
}

// EncodeArgs marshals each argument separately so handlers can decode them
// into their own types.
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}
