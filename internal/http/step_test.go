package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/core"
)

func TestStep_SubstitutesAndExtracts(t *testing.T) {
	var gotPath, gotBody, gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Trace")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"longFormDid":"did:prism:abc"}`))
	}))
	defer server.Close()

	step := NewStep(config.StepConfig{
		Name:    "create-did",
		Actor:   "Holder",
		Method:  "POST",
		Path:    "/tenants/${tenant}/dids",
		Headers: map[string]string{"X-Trace": "${trace}"},
		Body:    `{"method":"${method}"}`,
		Expect:  []int{201},
		Extract: map[string]string{"did": "$.longFormDid"},
	})

	vars := core.NewVariables()
	vars.Set("tenant", "t1")
	vars.Set("trace", "abc")
	vars.Set("method", "prism")

	client := &Client{Actor: "Holder", BaseURL: server.URL, HTTP: &http.Client{Timeout: 5 * time.Second}}
	if err := step.Execute(context.Background(), client, vars); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/tenants/t1/dids" {
		t.Errorf("expected substituted path, got %q", gotPath)
	}
	if gotHeader != "abc" {
		t.Errorf("expected substituted header, got %q", gotHeader)
	}
	if gotBody != `{"method":"prism"}` {
		t.Errorf("expected substituted body, got %q", gotBody)
	}
	did, err := core.GetString(vars, "did")
	if err != nil || did != "did:prism:abc" {
		t.Errorf("expected extracted did, got %q (%v)", did, err)
	}
	if step.Actor() != "Holder" || step.Name() != "create-did" {
		t.Errorf("unexpected step identity: %s/%s", step.Actor(), step.Name())
	}
}

func TestStep_UnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	step := NewStep(config.StepConfig{Name: "create", Method: "POST", Path: "/x", Expect: []int{201}})
	client := &Client{Actor: "Issuer", BaseURL: server.URL}

	err := step.Execute(context.Background(), client, core.NewVariables())
	var unexpected *core.UnexpectedResponseError
	if !errors.As(err, &unexpected) {
		t.Fatalf("expected UnexpectedResponseError, got %v", err)
	}
	if unexpected.Actual != 200 {
		t.Errorf("expected actual status 200, got %d", unexpected.Actual)
	}
}

func TestStep_MissingVariable(t *testing.T) {
	step := NewStep(config.StepConfig{Name: "get", Method: "GET", Path: "/x/${missing}"})
	client := &Client{Actor: "Issuer", BaseURL: "http://127.0.0.1:1"}

	if err := step.Execute(context.Background(), client, core.NewVariables()); err == nil {
		t.Error("expected error for unresolved variable")
	}
}

func TestStep_ExtractFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"other":1}`))
	}))
	defer server.Close()

	step := NewStep(config.StepConfig{
		Name: "get", Method: "GET", Path: "/x",
		Extract: map[string]string{"id": "$.id"},
	})
	client := &Client{Actor: "Issuer", BaseURL: server.URL}

	if err := step.Execute(context.Background(), client, core.NewVariables()); err == nil {
		t.Error("expected error when extraction path is missing")
	}
}
