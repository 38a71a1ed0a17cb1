package core

import (
	"testing"
)

func TestSetupData_DecodeGivesIndependentCopies(t *testing.T) {
	type payload struct {
		DIDs []string `json:"dids"`
	}
	data, err := NewSetupData(payload{DIDs: []string{"did:a", "did:b"}})
	if err != nil {
		t.Fatal(err)
	}

	var first payload
	if err := data.Decode(&first); err != nil {
		t.Fatal(err)
	}
	first.DIDs[0] = "mutated"

	var second payload
	if err := data.Decode(&second); err != nil {
		t.Fatal(err)
	}
	if second.DIDs[0] != "did:a" {
		t.Errorf("mutation leaked between decodes: %v", second.DIDs)
	}
}

func TestSetupData_ZeroValue(t *testing.T) {
	var data SetupData
	if !data.IsZero() {
		t.Error("expected zero value to be empty")
	}
	v := map[string]string{"keep": "me"}
	if err := data.Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v["keep"] != "me" {
		t.Error("decoding empty payload should leave target untouched")
	}
}

func TestSetupData_EqualAndBytes(t *testing.T) {
	a, _ := NewSetupData(map[string]int{"n": 1})
	b, _ := NewSetupData(map[string]int{"n": 1})
	c, _ := NewSetupData(map[string]int{"n": 2})

	if !a.Equal(b) {
		t.Error("expected equal payloads")
	}
	if a.Equal(c) {
		t.Error("expected different payloads")
	}

	raw := a.Bytes()
	raw[0] = 'X'
	if !a.Equal(b) {
		t.Error("Bytes must return a copy")
	}
}
