package core

import (
	"context"
	"testing"
)

func TestMapVariables(t *testing.T) {
	vars := NewVariables()
	vars.Set("key", "value")
	val, ok := vars.Get("key")
	if !ok || val != "value" {
		t.Errorf("expected 'value', got %v", val)
	}
	_, ok = vars.Get("missing")
	if ok {
		t.Error("expected not found")
	}
}

func TestGetString(t *testing.T) {
	vars := NewVariables()
	vars.Set("thid", "abc")
	vars.Set("count", 3)

	if s, err := GetString(vars, "thid"); err != nil || s != "abc" {
		t.Errorf("expected 'abc', got %q (err %v)", s, err)
	}
	if _, err := GetString(vars, "missing"); err == nil {
		t.Error("expected error for missing variable")
	}
	if _, err := GetString(vars, "count"); err == nil {
		t.Error("expected error for non-string variable")
	}
}

func TestContextWithVU(t *testing.T) {
	ctx := context.Background()
	if id := VUFromContext(ctx); id != 0 {
		t.Errorf("expected 0, got %d", id)
	}
	ctx = ContextWithVU(ctx, 42)
	if id := VUFromContext(ctx); id != 42 {
		t.Errorf("expected 42, got %d", id)
	}
}

func TestReporterFromContext(t *testing.T) {
	if ReporterFromContext(context.Background()) != NullReporter {
		t.Error("expected NullReporter without an attached reporter")
	}

	var got []Event
	rep := ReporterFunc(func(e Event) { got = append(got, e) })
	ctx := ContextWithReporter(context.Background(), rep)
	ReporterFromContext(ctx).Report(Event{Step: "probe"})
	if len(got) != 1 || got[0].Step != "probe" {
		t.Errorf("expected event routed to attached reporter, got %v", got)
	}
}
