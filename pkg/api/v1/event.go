package v1

import (
	"encoding/json"
	"time"
)

// Event is one record of a session's append-only journal. Payload fields are
// flattened next to the envelope on the wire:
//
//	{"sequence":12,"session_id":"ses_x","event_type":"message","timestamp":"...","text":"hi"}
type Event struct {
	Sequence  int64          `json:"sequence"`
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id,omitempty"`
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"-"`
}

// envelope keys are reserved; payload fields never shadow them.
var reservedEventKeys = map[string]bool{
	"sequence":   true,
	"session_id": true,
	"run_id":     true,
	"event_type": true,
	"timestamp":  true,
}

// MarshalJSON flattens the payload into the envelope object.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+5)
	for k, v := range e.Payload {
		if !reservedEventKeys[k] {
			out[k] = v
		}
	}
	out["sequence"] = e.Sequence
	out["session_id"] = e.SessionID
	if e.RunID != "" {
		out["run_id"] = e.RunID
	}
	out["event_type"] = e.Type
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// UnmarshalJSON splits envelope fields from payload fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["sequence"]; ok {
		if err := json.Unmarshal(v, &e.Sequence); err != nil {
			return err
		}
	}
	if v, ok := raw["session_id"]; ok {
		if err := json.Unmarshal(v, &e.SessionID); err != nil {
			return err
		}
	}
	if v, ok := raw["run_id"]; ok {
		if err := json.Unmarshal(v, &e.RunID); err != nil {
			return err
		}
	}
	if v, ok := raw["event_type"]; ok {
		if err := json.Unmarshal(v, &e.Type); err != nil {
			return err
		}
	}
	if v, ok := raw["timestamp"]; ok {
		if err := json.Unmarshal(v, &e.Timestamp); err != nil {
			return err
		}
	}
	e.Payload = nil
	for k, v := range raw {
		if reservedEventKeys[k] {
			continue
		}
		if e.Payload == nil {
			e.Payload = make(map[string]any)
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		e.Payload[k] = val
	}
	return nil
}

// ResultText returns the result_text payload field of a result event, or nil.
func (e *Event) ResultText() *string {
	if v, ok := e.Payload["result_text"].(string); ok {
		return &v
	}
	return nil
}

// ResultData returns the result_data payload field of a result event, or nil.
func (e *Event) ResultData() map[string]any {
	if v, ok := e.Payload["result_data"].(map[string]any); ok {
		return v
	}
	return nil
}
