// Package messages defines the JSON records the toolbox publishes to Kafka.
// Every record is wrapped in an Envelope naming its type and version.
package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeQueueChange       = "forced_inclusion.queue_change"
	TypeSubmissionOutcome = "forced_inclusion.submission_outcome"

	Version = 1
)

type Envelope struct {
	Type    string          `json:"type"`
	Version int             `json:"version"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

// Open decodes an envelope without decoding its payload.
func Open(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Seal wraps v in an envelope and encodes it.
func Seal(msgType, id string, ts time.Time, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return json.Marshal(&Envelope{
		Type:    msgType,
		Version: Version,
		ID:      id,
		TS:      ts.UTC(),
		Data:    data,
	})
}

// Decode unpacks the payload into v after checking the type and version.
func (e *Envelope) Decode(msgType string, v any) error {
	if e.Type != msgType {
		return fmt.Errorf("unexpected message type %q, want %q", e.Type, msgType)
	}
	if e.Version != Version {
		return fmt.Errorf("unsupported %s version %d", e.Type, e.Version)
	}
	return json.Unmarshal(e.Data, v)
}
