package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestConfigurationError_Message(t *testing.T) {
	err := &ConfigurationError{Actor: "Holder", Reason: "no token", Err: errors.New("401")}
	msg := err.Error()
	for _, want := range []string{"Holder", "no token", "401"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"configuration", fmt.Errorf("wrap: %w", &ConfigurationError{Reason: "x"}), true},
		{"not found", &NotFoundError{Kind: "actor", Name: "Bob"}, true},
		{"duplicate ability", &DuplicateAbilityError{Actor: "A", Kind: "k"}, true},
		{"timeout", &TimeoutError{Condition: "thid abc"}, false},
		{"unexpected response", &UnexpectedResponseError{Actual: 500}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.want {
				t.Errorf("IsFatal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeoutError_NamesCondition(t *testing.T) {
	err := &TimeoutError{Condition: `event "thid-1" for actor "Holder"`, Waited: 2 * time.Second}
	if !strings.Contains(err.Error(), "thid-1") {
		t.Errorf("expected correlation id in %q", err.Error())
	}
	err = &TimeoutError{Condition: "state OfferSent", Attempts: 5}
	if !strings.Contains(err.Error(), "5 attempts") {
		t.Errorf("expected attempt count in %q", err.Error())
	}
}
