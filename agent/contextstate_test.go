package agent

import (
	"strings"
	"testing"
)

func TestContextStateRoundTrip(t *testing.T) {
	state := NewContextState()
	if err := state.Set("x", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := state.Template("value is ${x}")
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if got != "value is v" {
		t.Errorf("got %q, want %q", got, "value is v")
	}
}

func TestContextStateRebindFails(t *testing.T) {
	state := NewContextState()
	if err := state.Set("key", "one"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := state.Set("key", "two"); err == nil {
		t.Fatal("expected rebinding error")
	}
	if v, _ := state.Get("key"); v != "one" {
		t.Errorf("value changed to %q after failed rebind", v)
	}
}

func TestContextStateMissingKey(t *testing.T) {
	state := NewContextState()
	if err := state.Set("present", "yes"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, err := state.Template("${present} ${absent}")
	if err == nil {
		t.Fatal("expected missing-key error")
	}
	if !strings.Contains(err.Error(), "absent") {
		t.Errorf("error %q does not name the missing key", err)
	}
	if strings.Contains(err.Error(), "present") {
		t.Errorf("error %q names a key that was set", err)
	}
}

func TestContextStateMissingKeysSorted(t *testing.T) {
	state := NewContextState()
	_, err := state.Template("${zeta} ${alpha} ${zeta}")
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if strings.Index(msg, "alpha") > strings.Index(msg, "zeta") {
		t.Errorf("missing keys not sorted: %q", msg)
	}
	if strings.Count(msg, "zeta") != 1 {
		t.Errorf("duplicate key reported twice: %q", msg)
	}
}

func TestContextStateNoPlaceholders(t *testing.T) {
	state := NewContextState()
	got, err := state.Template("plain text, even with $dollar and {braces}")
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if got != "plain text, even with $dollar and {braces}" {
		t.Errorf("text altered: %q", got)
	}
}
