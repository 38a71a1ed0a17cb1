package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SetupData is the immutable payload produced by a one-shot setup phase and
// broadcast to every iteration. It is stored as a JSON snapshot so each
// iteration decodes its own copy and cannot mutate what siblings observe.
type SetupData struct {
	raw []byte
}

// NewSetupData snapshots v.
func NewSetupData(v any) (SetupData, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return SetupData{}, fmt.Errorf("encoding setup data: %w", err)
	}
	return SetupData{raw: raw}, nil
}

// IsZero reports whether no setup payload was published.
func (d SetupData) IsZero() bool {
	return len(d.raw) == 0
}

// Decode unmarshals a fresh copy of the payload into v.
// Decoding an empty payload leaves v untouched.
func (d SetupData) Decode(v any) error {
	if d.IsZero() {
		return nil
	}
	if err := json.Unmarshal(d.raw, v); err != nil {
		return fmt.Errorf("decoding setup data: %w", err)
	}
	return nil
}

// Bytes returns a copy of the JSON snapshot.
func (d SetupData) Bytes() []byte {
	return bytes.Clone(d.raw)
}

// Equal reports whether two payloads are identical by value.
func (d SetupData) Equal(other SetupData) bool {
	return bytes.Equal(d.raw, other.raw)
}
