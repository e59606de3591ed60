// Package tape provides recording and replay of the HTTP traffic an
// agent.Transport exchanges with a model provider, so the turn loop can be
// exercised deterministically in tests without a live API key or network
// access.
package tape

import (
	"encoding/json"
	"time"
)

// Interaction is one recorded HTTP round trip: the request the transport
// issued and the response it received.
type Interaction struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    string            `json:"request_body,omitempty"`
	StatusCode     int               `json:"status_code"`
	ResponseBody   string            `json:"response_body"`
	Duration       time.Duration     `json:"duration"`
}

// Tape is an ordered recording of every HTTP interaction made over the
// course of one or more QueryLoop turns.
type Tape struct {
	Version      string         `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	Model        string         `json:"model,omitempty"`
	Interactions []Interaction  `json:"interactions"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewTape creates an empty tape.
func NewTape() *Tape {
	return &Tape{
		Version:   "1.0",
		CreatedAt: time.Now(),
		Metadata:  make(map[string]any),
	}
}

// Add appends an interaction to the tape.
func (t *Tape) Add(i Interaction) {
	t.Interactions = append(t.Interactions, i)
}

// Len returns the number of recorded interactions.
func (t *Tape) Len() int {
	return len(t.Interactions)
}

// Marshal serializes the tape to indented JSON.
func (t *Tape) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Unmarshal deserializes a tape from JSON.
func Unmarshal(data []byte) (*Tape, error) {
	var tape Tape
	if err := json.Unmarshal(data, &tape); err != nil {
		return nil, err
	}
	return &tape, nil
}

// Clone returns a deep copy of the tape.
func (t *Tape) Clone() *Tape {
	clone := &Tape{
		Version:      t.Version,
		CreatedAt:    t.CreatedAt,
		Model:        t.Model,
		Interactions: append([]Interaction(nil), t.Interactions...),
		Metadata:     make(map[string]any, len(t.Metadata)),
	}
	for k, v := range t.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// Summary is a brief overview of a tape's contents.
type Summary struct {
	Version          string    `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	Model            string    `json:"model,omitempty"`
	InteractionCount int       `json:"interaction_count"`
}

// Summary returns a brief overview of the tape.
func (t *Tape) Summary() Summary {
	return Summary{
		Version:          t.Version,
		CreatedAt:        t.CreatedAt,
		Model:            t.Model,
		InteractionCount: len(t.Interactions),
	}
}
